// Package stage tracks progress through an ordered list of conversation
// stages. The index only moves forward, one step at a time, and is clamped to
// the last stage. Only Reset moves it back to the first stage.
package stage

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// DefaultNames is the stage list used when none is configured.
var DefaultNames = []string{"Greeting", "Payment Process", "NBFCs", "RCA & KYC Docs"}

// Tracker is a forward-only cursor over a fixed list of stage names. It is
// safe for concurrent use.
type Tracker struct {
	names []string

	mu    sync.Mutex
	index int
}

// New returns a Tracker positioned at the first of names. The list must be
// non-empty with unique, non-blank names.
func New(names []string) (*Tracker, error) {
	if err := Validate(names); err != nil {
		return nil, err
	}
	return &Tracker{names: append([]string(nil), names...)}, nil
}

// Validate reports every problem with a stage list.
func Validate(names []string) error {
	if len(names) == 0 {
		return errors.New("stage: at least one stage is required")
	}
	var errs []error
	seen := make(map[string]int, len(names))
	for i, n := range names {
		if strings.TrimSpace(n) == "" {
			errs = append(errs, fmt.Errorf("stage: name %d is empty", i))
			continue
		}
		if j, dup := seen[n]; dup {
			errs = append(errs, fmt.Errorf("stage: name %q at %d duplicates %d", n, i, j))
			continue
		}
		seen[n] = i
	}
	return errors.Join(errs...)
}

// Advance moves to the next stage and reports whether the index changed. At
// the last stage it is a no-op.
func (t *Tracker) Advance() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.index >= len(t.names)-1 {
		return false
	}
	t.index++
	return true
}

// Reset moves back to the first stage.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.index = 0
}

// Index returns the current stage index.
func (t *Tracker) Index() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.index
}

// Current returns the name of the current stage.
func (t *Tracker) Current() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.names[t.index]
}

// AtLast reports whether the tracker is on the final stage.
func (t *Tracker) AtLast() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.index == len(t.names)-1
}

// Names returns a copy of the stage names.
func (t *Tracker) Names() []string {
	return append([]string(nil), t.names...)
}
