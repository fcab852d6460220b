// SPDX-License-Identifier: Unlicense OR MIT

package shell

import (
	"math"
	"sync"
	"sync/atomic"

	"tideway.org/embedder"
)

// Metrics is the slice of the engine handle that size negotiation
// drives.
type Metrics interface {
	AddView(event embedder.WindowMetricsEvent, done func(added bool)) error
	SendWindowMetricsEvent(event embedder.WindowMetricsEvent) error
}

// Constraints are application-imposed logical size bounds. They are
// stored logically and converted to physical bounds at the scale in
// effect when a size is applied; a scale change alone does not
// re-derive them.
type Constraints struct {
	MinWidth  float64
	MinHeight float64
	MaxWidth  float64
	MaxHeight float64
}

// PhysicalBounds converts the logical bounds to physical pixels at the
// given scale. Minimums round up, maximums round down, so rounding
// never lands outside what the application asked for. A bound that
// comes out non-finite, negative, or past the uint32 range degrades to
// the permissive extreme.
func (c *Constraints) PhysicalBounds(scale float64) (min, max embedder.Size) {
	if c == nil {
		return embedder.Size{}, embedder.Size{Width: math.MaxUint32, Height: math.MaxUint32}
	}
	min = embedder.Size{
		Width:  physicalMin(c.MinWidth, scale),
		Height: physicalMin(c.MinHeight, scale),
	}
	max = embedder.Size{
		Width:  physicalMax(c.MaxWidth, scale),
		Height: physicalMax(c.MaxHeight, scale),
	}
	return min, max
}

func physicalMin(v, scale float64) uint32 {
	p := math.Ceil(v * scale)
	if !(p >= 0 && p <= math.MaxUint32) {
		return 0
	}
	return uint32(p)
}

func physicalMax(v, scale float64) uint32 {
	p := math.Floor(v * scale)
	if !(p >= 0 && p <= math.MaxUint32) {
		return math.MaxUint32
	}
	return uint32(p)
}

func clampDim(v, lo, hi uint32) uint32 {
	if v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}

// State is the per-surface negotiation state between compositor
// configure events and the engine's view table.
type State struct {
	view  embedder.ViewID
	scale atomic.Uint64 // float64 bits, updated when output scales change

	// FrameWaiting is set while a frame callback is outstanding on the
	// surface, throttling vsync replies to the compositor's pace.
	FrameWaiting atomic.Bool

	// Removing marks a view whose detachment was requested from the
	// engine but not yet confirmed.
	Removing atomic.Bool

	mu          sync.Mutex
	mapped      bool
	lastSize    embedder.Size
	constraints *Constraints
}

// NewState returns negotiation state for a view at the given scale.
func NewState(view embedder.ViewID, scale float64) *State {
	s := &State{view: view}
	s.SetScale(scale)
	return s
}

// ViewID returns the view this state belongs to.
func (s *State) ViewID() embedder.ViewID {
	return s.view
}

// Scale returns the current scale factor.
func (s *State) Scale() float64 {
	return math.Float64frombits(s.scale.Load())
}

// SetScale records a new scale factor. Takes effect on the next size
// application.
func (s *State) SetScale(scale float64) {
	s.scale.Store(math.Float64bits(scale))
}

// Mapped reports whether a size has ever been applied.
func (s *State) Mapped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mapped
}

// LastSize returns the physical size most recently sent to the engine.
func (s *State) LastSize() embedder.Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSize
}

// Apply reconciles a compositor-suggested logical size with the stored
// constraints and pushes the result to the engine: the first
// application of a non-implicit view attaches it with AddView (rolled
// back if the engine declines so a later configure can retry), every
// subsequent one is a metrics update. Re-applying a size whose
// physical result is unchanged is a no-op.
func (s *State) Apply(logicalW, logicalH uint32, engine Metrics) (embedder.Size, error) {
	scale := s.Scale()
	phys := embedder.Size{
		Width:  physicalDim(float64(logicalW) * scale),
		Height: physicalDim(float64(logicalH) * scale),
	}

	s.mu.Lock()
	min, max := s.constraints.PhysicalBounds(scale)
	phys.Width = clampDim(phys.Width, min.Width, max.Width)
	phys.Height = clampDim(phys.Height, min.Height, max.Height)

	if s.mapped && phys == s.lastSize {
		s.mu.Unlock()
		return phys, nil
	}
	wasMapped := s.mapped
	s.mapped = true
	s.lastSize = phys
	s.mu.Unlock()

	event := embedder.WindowMetricsEvent{
		ViewID:     s.view,
		Size:       phys,
		PixelRatio: scale,
	}
	// The implicit view exists from engine startup; it only ever takes
	// metrics updates.
	if wasMapped || s.view == embedder.ImplicitViewID {
		return phys, engine.SendWindowMetricsEvent(event)
	}
	err := engine.AddView(event, func(added bool) {
		if added {
			return
		}
		s.rollback()
	})
	if err != nil {
		// The completion callback never fires for a call the engine
		// rejected outright; roll back here so a later configure can
		// retry the attach.
		s.rollback()
	}
	return phys, err
}

func (s *State) rollback() {
	s.mu.Lock()
	s.mapped = false
	s.lastSize = embedder.Size{}
	s.mu.Unlock()
}

// SetConstraints stores new logical bounds and, if the view is mapped
// and the bounds move the last applied size, sends the corrected
// metrics. Re-applying identical constraints produces no engine call.
func (s *State) SetConstraints(c *Constraints, engine Metrics) error {
	scale := s.Scale()

	s.mu.Lock()
	s.constraints = c
	if !s.mapped {
		s.mu.Unlock()
		return nil
	}
	min, max := c.PhysicalBounds(scale)
	clamped := embedder.Size{
		Width:  clampDim(s.lastSize.Width, min.Width, max.Width),
		Height: clampDim(s.lastSize.Height, min.Height, max.Height),
	}
	if clamped == s.lastSize {
		s.mu.Unlock()
		return nil
	}
	s.lastSize = clamped
	s.mu.Unlock()

	return engine.SendWindowMetricsEvent(embedder.WindowMetricsEvent{
		ViewID:     s.view,
		Size:       clamped,
		PixelRatio: scale,
	})
}

// Constraints returns the stored logical bounds, nil if none.
func (s *State) Constraints() *Constraints {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.constraints
}

func physicalDim(v float64) uint32 {
	p := math.Round(v)
	if !(p >= 0 && p <= math.MaxUint32) {
		return 0
	}
	return uint32(p)
}
