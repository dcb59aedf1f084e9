package breaker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nucleus-ads/adsgateway/internal/apierr"
)

var errUpstream = errors.New("upstream boom")

func newTestBreaker() (*Breaker, *time.Time) {
	b := New(Options{})
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func run(b *Breaker, err error) error {
	return b.Do(context.Background(), func(context.Context) error { return err })
}

func TestTripsAtTenCallsWithFortyPercentSuccess(t *testing.T) {
	b, _ := newTestBreaker()

	// 4 successes, then 6 failures: 10 attempts, 40% success.
	for i := 0; i < 4; i++ {
		run(b, nil)
	}
	for i := 0; i < 5; i++ {
		run(b, errUpstream)
		if b.State() != StateClosed {
			t.Fatalf("opened too early after %d failures", i+1)
		}
	}
	run(b, errUpstream)

	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}
}

func TestStaysClosedAtExactlyFiftyPercentSuccess(t *testing.T) {
	b, _ := newTestBreaker()

	for i := 0; i < 5; i++ {
		run(b, nil)
		run(b, errUpstream)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed at exactly 50%% success", b.State())
	}
}

func TestOpenFailsFastWithoutInvokingExecutor(t *testing.T) {
	b, _ := newTestBreaker()
	for i := 0; i < 10; i++ {
		run(b, errUpstream)
	}
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}

	invoked := false
	err := b.Do(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})
	if invoked {
		t.Error("executor must not run while open")
	}
	e := apierr.From(err)
	if e.Code != "CIRCUIT_OPEN" {
		t.Errorf("code = %s, want CIRCUIT_OPEN", e.Code)
	}
	if e.RetryAfter <= 0 {
		t.Errorf("retry-after hint = %d, want > 0", e.RetryAfter)
	}
}

func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	b, now := newTestBreaker()
	for i := 0; i < 10; i++ {
		run(b, errUpstream)
	}

	*now = now.Add(61 * time.Second)
	if err := run(b, nil); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed after probe success", b.State())
	}
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	b, now := newTestBreaker()
	for i := 0; i < 10; i++ {
		run(b, errUpstream)
	}

	*now = now.Add(61 * time.Second)
	if err := run(b, errUpstream); !errors.Is(err, errUpstream) {
		t.Fatalf("probe should run the executor, got %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open after probe failure", b.State())
	}

	// openedAt reset: still rejecting just before the new cool-down ends.
	*now = now.Add(59 * time.Second)
	if err := run(b, nil); apierr.From(err).Code != "CIRCUIT_OPEN" {
		t.Errorf("expected rejection inside restarted cool-down, got %v", err)
	}
}

func TestHalfOpenAllowsSingleProbe(t *testing.T) {
	b, now := newTestBreaker()
	for i := 0; i < 10; i++ {
		run(b, errUpstream)
	}
	*now = now.Add(61 * time.Second)

	probeStarted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(context.Background(), func(context.Context) error {
			close(probeStarted)
			<-release
			return nil
		})
	}()
	<-probeStarted

	// Second call while the probe is in flight is rejected.
	if err := run(b, nil); apierr.From(err).Code != "CIRCUIT_OPEN" {
		t.Errorf("concurrent call during probe: %v, want CIRCUIT_OPEN", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed", b.State())
	}
}

func TestWindowSlides(t *testing.T) {
	b, now := newTestBreaker()

	// 9 old failures fall out of the window before the 10th call.
	for i := 0; i < 9; i++ {
		run(b, errUpstream)
	}
	*now = now.Add(61 * time.Second)
	run(b, errUpstream)

	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed once old calls aged out", b.State())
	}
}

func TestRegistryPerResourceClass(t *testing.T) {
	r := NewRegistry(Options{})
	search := r.Get("search")
	if r.Get("search") != search {
		t.Error("same class must return the same breaker")
	}
	if r.Get("mutate") == search {
		t.Error("distinct classes must get distinct breakers")
	}

	states := r.States()
	if states["search"] != StateClosed || states["mutate"] != StateClosed {
		t.Errorf("states = %v", states)
	}
}

func TestDeduperSuppressesStorm(t *testing.T) {
	d := NewDeduper(time.Minute)
	now := time.Now()
	d.now = func() time.Time { return now }

	var lines []string
	d.logf = func(format string, args ...any) {
		lines = append(lines, fmt.Sprintf(format, args...))
	}

	const storm = 100
	for i := 0; i < storm; i++ {
		d.Log("search:boom", "search failed: %v", errUpstream)
	}

	if len(lines) != 1 {
		t.Fatalf("logged %d lines during storm, want 1", len(lines))
	}
	if d.Suppressed("search:boom") != storm-1 {
		t.Errorf("suppressed = %d, want %d", d.Suppressed("search:boom"), storm-1)
	}

	// Next occurrence after the window closes: aggregate line then the
	// fresh message.
	now = now.Add(61 * time.Second)
	d.Log("search:boom", "search failed: %v", errUpstream)
	if len(lines) != 3 {
		t.Fatalf("logged %d lines after window close, want 3", len(lines))
	}
}

func TestDeduperDistinctSignaturesNotSuppressed(t *testing.T) {
	d := NewDeduper(time.Minute)
	var count int
	d.logf = func(string, ...any) { count++ }

	d.Log("search:a", "a")
	d.Log("search:b", "b")
	if count != 2 {
		t.Errorf("logged %d, want 2 distinct lines", count)
	}
}
