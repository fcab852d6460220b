// SPDX-License-Identifier: Unlicense OR MIT

package shell

import (
	"errors"
	"math"
	"testing"

	"tideway.org/embedder"
)

type fakeEngine struct {
	adds    []embedder.WindowMetricsEvent
	updates []embedder.WindowMetricsEvent
	accept  func(embedder.WindowMetricsEvent) bool
	// addErr fails AddView synchronously; the completion callback does
	// not fire.
	addErr error
}

func (f *fakeEngine) AddView(e embedder.WindowMetricsEvent, done func(bool)) error {
	f.adds = append(f.adds, e)
	if f.addErr != nil {
		return f.addErr
	}
	added := true
	if f.accept != nil {
		added = f.accept(e)
	}
	done(added)
	return nil
}

func (f *fakeEngine) SendWindowMetricsEvent(e embedder.WindowMetricsEvent) error {
	f.updates = append(f.updates, e)
	return nil
}

func TestPhysicalBounds(t *testing.T) {
	tests := []struct {
		name     string
		c        Constraints
		scale    float64
		min, max embedder.Size
	}{
		{
			name:  "exact at scale 2",
			c:     Constraints{MinWidth: 100, MinHeight: 100, MaxWidth: 500, MaxHeight: 500},
			scale: 2.0,
			min:   embedder.Size{Width: 200, Height: 200},
			max:   embedder.Size{Width: 1000, Height: 1000},
		},
		{
			name:  "min rounds up, max rounds down",
			c:     Constraints{MinWidth: 10.5, MinHeight: 10.5, MaxWidth: 10.5, MaxHeight: 10.5},
			scale: 1.0,
			min:   embedder.Size{Width: 11, Height: 11},
			max:   embedder.Size{Width: 10, Height: 10},
		},
		{
			name:  "non-finite degrades to permissive",
			c:     Constraints{MinWidth: math.NaN(), MinHeight: math.Inf(1), MaxWidth: math.Inf(1), MaxHeight: math.NaN()},
			scale: 1.0,
			min:   embedder.Size{Width: 0, Height: 0},
			max:   embedder.Size{Width: math.MaxUint32, Height: math.MaxUint32},
		},
		{
			name:  "negative degrades to permissive",
			c:     Constraints{MinWidth: -5, MinHeight: -5, MaxWidth: -5, MaxHeight: -5},
			scale: 1.0,
			min:   embedder.Size{Width: 0, Height: 0},
			max:   embedder.Size{Width: math.MaxUint32, Height: math.MaxUint32},
		},
		{
			name:  "uint32 overflow degrades to permissive",
			c:     Constraints{MinWidth: math.MaxUint32, MinHeight: 1, MaxWidth: math.MaxUint32, MaxHeight: 1},
			scale: 4.0,
			min:   embedder.Size{Width: 0, Height: 4},
			max:   embedder.Size{Width: math.MaxUint32, Height: 4},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			min, max := tt.c.PhysicalBounds(tt.scale)
			if min != tt.min {
				t.Errorf("min = %v, want %v", min, tt.min)
			}
			if max != tt.max {
				t.Errorf("max = %v, want %v", max, tt.max)
			}
		})
	}
}

func TestApplyAddThenUpdate(t *testing.T) {
	eng := &fakeEngine{}
	s := NewState(embedder.ViewID(7), 1.0)

	size, err := s.Apply(800, 600, eng)
	if err != nil {
		t.Fatal(err)
	}
	want := embedder.Size{Width: 800, Height: 600}
	if size != want {
		t.Fatalf("applied size = %v, want %v", size, want)
	}
	if len(eng.adds) != 1 || len(eng.updates) != 0 {
		t.Fatalf("adds=%d updates=%d after first apply", len(eng.adds), len(eng.updates))
	}
	if eng.adds[0].Size != want {
		t.Errorf("add view size = %v", eng.adds[0].Size)
	}

	size, err = s.Apply(1000, 700, eng)
	if err != nil {
		t.Fatal(err)
	}
	want = embedder.Size{Width: 1000, Height: 700}
	if size != want {
		t.Fatalf("applied size = %v, want %v", size, want)
	}
	if len(eng.adds) != 1 || len(eng.updates) != 1 {
		t.Fatalf("adds=%d updates=%d after second apply", len(eng.adds), len(eng.updates))
	}
	if eng.updates[0].Size != want {
		t.Errorf("update size = %v", eng.updates[0].Size)
	}
}

func TestApplyIdenticalSizeIsNoop(t *testing.T) {
	eng := &fakeEngine{}
	s := NewState(embedder.ViewID(3), 2.0)

	if _, err := s.Apply(400, 300, eng); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Apply(400, 300, eng); err != nil {
		t.Fatal(err)
	}
	if got := len(eng.adds) + len(eng.updates); got != 1 {
		t.Fatalf("engine called %d times for identical size", got)
	}
}

func TestApplyImplicitViewNeverAdds(t *testing.T) {
	eng := &fakeEngine{}
	s := NewState(embedder.ImplicitViewID, 1.0)

	if _, err := s.Apply(800, 600, eng); err != nil {
		t.Fatal(err)
	}
	if len(eng.adds) != 0 {
		t.Fatalf("implicit view produced %d add view calls", len(eng.adds))
	}
	if len(eng.updates) != 1 {
		t.Fatalf("updates = %d", len(eng.updates))
	}
}

func TestApplyRollsBackDeclinedAdd(t *testing.T) {
	eng := &fakeEngine{accept: func(embedder.WindowMetricsEvent) bool { return false }}
	s := NewState(embedder.ViewID(9), 1.0)

	if _, err := s.Apply(640, 480, eng); err != nil {
		t.Fatal(err)
	}
	if s.Mapped() {
		t.Fatal("state stayed mapped after the engine declined the view")
	}

	// The retry must go through add view again, not a metrics update.
	eng.accept = nil
	if _, err := s.Apply(640, 480, eng); err != nil {
		t.Fatal(err)
	}
	if len(eng.adds) != 2 || len(eng.updates) != 0 {
		t.Fatalf("adds=%d updates=%d after retry", len(eng.adds), len(eng.updates))
	}
	if !s.Mapped() {
		t.Fatal("state unmapped after accepted retry")
	}
}

func TestApplyRollsBackFailedAdd(t *testing.T) {
	eng := &fakeEngine{addErr: errors.New("engine unavailable")}
	s := NewState(embedder.ViewID(11), 1.0)

	if _, err := s.Apply(640, 480, eng); err == nil {
		t.Fatal("add view error was swallowed")
	}
	if s.Mapped() {
		t.Fatal("state stayed mapped after add view returned an error")
	}

	// A later configure, same size included, must re-add rather than
	// no-op or downgrade to a metrics update.
	eng.addErr = nil
	if _, err := s.Apply(640, 480, eng); err != nil {
		t.Fatal(err)
	}
	if len(eng.adds) != 2 || len(eng.updates) != 0 {
		t.Fatalf("adds=%d updates=%d after retry", len(eng.adds), len(eng.updates))
	}
	if !s.Mapped() {
		t.Fatal("state unmapped after successful retry")
	}
}

func TestApplyClampsToConstraints(t *testing.T) {
	eng := &fakeEngine{}
	s := NewState(embedder.ViewID(4), 2.0)
	if err := s.SetConstraints(&Constraints{MinWidth: 100, MinHeight: 100, MaxWidth: 500, MaxHeight: 500}, eng); err != nil {
		t.Fatal(err)
	}

	size, err := s.Apply(600, 30, eng)
	if err != nil {
		t.Fatal(err)
	}
	// 600 logical at scale 2 is 1200 physical, over the 1000 max; 30
	// logical is 60 physical, under the 200 min.
	want := embedder.Size{Width: 1000, Height: 200}
	if size != want {
		t.Fatalf("clamped size = %v, want %v", size, want)
	}
}

func TestSetConstraintsIdempotent(t *testing.T) {
	eng := &fakeEngine{}
	s := NewState(embedder.ViewID(5), 1.0)
	if _, err := s.Apply(300, 300, eng); err != nil {
		t.Fatal(err)
	}
	calls := len(eng.adds) + len(eng.updates)

	c := &Constraints{MinWidth: 100, MinHeight: 100, MaxWidth: 500, MaxHeight: 500}
	if err := s.SetConstraints(c, eng); err != nil {
		t.Fatal(err)
	}
	if err := s.SetConstraints(c, eng); err != nil {
		t.Fatal(err)
	}
	if got := len(eng.adds) + len(eng.updates); got != calls {
		t.Fatalf("in-bounds constraints produced %d extra engine calls", got-calls)
	}

	// Out-of-bounds constraints correct the size exactly once.
	tight := &Constraints{MinWidth: 400, MinHeight: 400, MaxWidth: 500, MaxHeight: 500}
	if err := s.SetConstraints(tight, eng); err != nil {
		t.Fatal(err)
	}
	if len(eng.updates) != 1 {
		t.Fatalf("tight constraints produced %d updates, want 1", len(eng.updates))
	}
	if got := eng.updates[0].Size; got != (embedder.Size{Width: 400, Height: 400}) {
		t.Errorf("corrected size = %v", got)
	}
	if err := s.SetConstraints(tight, eng); err != nil {
		t.Fatal(err)
	}
	if len(eng.updates) != 1 {
		t.Fatalf("re-applying tight constraints produced %d updates, want 1", len(eng.updates))
	}
}
