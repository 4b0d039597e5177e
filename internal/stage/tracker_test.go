package stage_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/parley/internal/stage"
)

func newTracker(t *testing.T) *stage.Tracker {
	t.Helper()
	tr, err := stage.New(stage.DefaultNames)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr
}

func TestAdvance_ClampsAtLast(t *testing.T) {
	t.Parallel()
	tr := newTracker(t)
	count := len(stage.DefaultNames)

	prev := tr.Index()
	for i := range count + 5 {
		changed := tr.Advance()
		idx := tr.Index()
		if idx < prev {
			t.Fatalf("index decreased from %d to %d", prev, idx)
		}
		if wantChanged := i < count-1; changed != wantChanged {
			t.Errorf("Advance #%d changed = %v, want %v", i, changed, wantChanged)
		}
		prev = idx
	}
	if got := tr.Index(); got != count-1 {
		t.Errorf("Index = %d, want %d", got, count-1)
	}
	if !tr.AtLast() {
		t.Error("AtLast = false at the final stage")
	}
	if got := tr.Current(); got != "RCA & KYC Docs" {
		t.Errorf("Current = %q", got)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()
	tr := newTracker(t)
	tr.Advance()
	tr.Advance()
	tr.Reset()
	if got := tr.Index(); got != 0 {
		t.Errorf("Index after Reset = %d, want 0", got)
	}
	if tr.AtLast() {
		t.Error("AtLast = true at stage 0")
	}
}

func TestSingleStage(t *testing.T) {
	t.Parallel()
	tr, err := stage.New([]string{"Only"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tr.Advance() {
		t.Error("Advance changed a single-stage tracker")
	}
	if !tr.AtLast() {
		t.Error("AtLast = false")
	}
}

func TestNames_ReturnsCopy(t *testing.T) {
	t.Parallel()
	tr := newTracker(t)
	names := tr.Names()
	names[0] = "mutated"
	if !slices.Equal(tr.Names(), stage.DefaultNames) {
		t.Errorf("Names = %v, caller mutation leaked", tr.Names())
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		names   []string
		wantErr bool
	}{
		{"default", stage.DefaultNames, false},
		{"empty list", nil, true},
		{"blank name", []string{"A", "  "}, true},
		{"duplicate", []string{"A", "B", "A"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := stage.Validate(tt.names)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%v) = %v, wantErr %v", tt.names, err, tt.wantErr)
			}
			if _, nerr := stage.New(tt.names); (nerr != nil) != tt.wantErr {
				t.Errorf("New(%v) = %v, wantErr %v", tt.names, nerr, tt.wantErr)
			}
		})
	}
}
