package breaker

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Deduper suppresses repeated identical error signatures. The first
// occurrence in a window is logged; later identical ones are counted and
// reported as one aggregate line when the window closes. This controls
// diagnostic emission volume only and is independent of breaker state.
type Deduper struct {
	window time.Duration
	logf   func(format string, args ...any)

	mu   sync.Mutex
	seen map[string]*dedupWindow
	now  func() time.Time
}

type dedupWindow struct {
	openedAt   time.Time
	suppressed int
}

func NewDeduper(window time.Duration) *Deduper {
	if window <= 0 {
		window = 60 * time.Second
	}
	return &Deduper{
		window: window,
		logf:   log.Printf,
		seen:   make(map[string]*dedupWindow),
		now:    time.Now,
	}
}

// Log emits the message for signature unless an identical signature was
// already logged in the current window. Closing a window emits the
// suppressed count before the new occurrence is logged.
func (d *Deduper) Log(signature, format string, args ...any) {
	d.mu.Lock()
	w, ok := d.seen[signature]
	now := d.now()

	if ok && now.Sub(w.openedAt) < d.window {
		w.suppressed++
		d.mu.Unlock()
		return
	}

	var closing *dedupWindow
	if ok {
		closing = w
	}
	d.seen[signature] = &dedupWindow{openedAt: now}
	d.mu.Unlock()

	if closing != nil && closing.suppressed > 0 {
		d.logf("error %q repeated %d more times in the last %s", signature, closing.suppressed, d.window)
	}
	d.logf(format, args...)
}

// Flush emits aggregate lines for all windows with suppressed entries and
// resets them. Call on shutdown or on a periodic ticker.
func (d *Deduper) Flush() {
	d.mu.Lock()
	pending := make(map[string]int)
	for sig, w := range d.seen {
		if w.suppressed > 0 {
			pending[sig] = w.suppressed
		}
	}
	d.seen = make(map[string]*dedupWindow)
	d.mu.Unlock()

	for sig, n := range pending {
		d.logf("error %q repeated %d more times in the last %s", sig, n, d.window)
	}
}

// Suppressed returns how many occurrences of signature are currently held
// back in the open window.
func (d *Deduper) Suppressed(signature string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.seen[signature]; ok {
		return w.suppressed
	}
	return 0
}

// Signature derives a dedup key from a resource class and error.
func Signature(class string, err error) string {
	return fmt.Sprintf("%s:%v", class, err)
}
