package ads

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// Client is the upstream advertising API. Implementations must return
// errors from the apierr taxonomy (use apierr.MapUpstream for raw upstream
// codes) so the scheduler can classify refund eligibility.
type Client interface {
	Search(ctx context.Context, customerID, query string, pageSize int) ([]byte, error)
	Mutate(ctx context.Context, customerID string, operations []map[string]any, validateOnly bool) ([]byte, error)
}

// MockClient simulates upstream responses for development and tests. An
// error can be injected per call via Fail.
type MockClient struct {
	// Fail, when non-nil, is returned by the next calls instead of data.
	Fail error

	searches atomic.Int64
	mutates  atomic.Int64
}

var _ Client = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (c *MockClient) Search(ctx context.Context, customerID, query string, pageSize int) ([]byte, error) {
	c.searches.Add(1)
	if c.Fail != nil {
		return nil, c.Fail
	}
	rows := []map[string]any{
		{
			"campaign": map[string]any{
				"id":     "123456789",
				"name":   "Mock Campaign",
				"status": "ENABLED",
			},
			"metrics": map[string]any{
				"impressions": 1000,
				"clicks":      50,
				"cost_micros": 5000000,
			},
		},
	}
	return json.Marshal(map[string]any{"results": rows})
}

func (c *MockClient) Mutate(ctx context.Context, customerID string, operations []map[string]any, validateOnly bool) ([]byte, error) {
	c.mutates.Add(1)
	if c.Fail != nil {
		return nil, c.Fail
	}
	results := make([]map[string]any, 0, len(operations))
	for i := range operations {
		results = append(results, map[string]any{
			"resource_name": fmt.Sprintf("customers/%s/campaigns/%d", customerID, i),
			"operation_id":  fmt.Sprintf("%d", i),
		})
	}
	return json.Marshal(map[string]any{
		"results":       results,
		"validate_only": validateOnly,
	})
}

// Searches returns how many search calls reached the mock upstream.
func (c *MockClient) Searches() int64 { return c.searches.Load() }

// Mutates returns how many mutate calls reached the mock upstream.
func (c *MockClient) Mutates() int64 { return c.mutates.Load() }
