// SPDX-License-Identifier: Unlicense OR MIT

// Package embedder defines the boundary contract between the platform
// side of Tideway and the hosted rendering engine. The engine is a
// black box running its own thread pool; it calls back into the
// platform through the handler interfaces declared here, and the
// platform drives it through the Engine handle. Implementations of
// Engine are supplied by the application bootstrap, typically a
// binding to the engine runtime library.
package embedder

import (
	"errors"
	"sync/atomic"
	"time"
)

// ViewID identifies an engine view. It is opaque to the engine; the
// platform correlates it with a concrete surface.
type ViewID int64

// ImplicitViewID is the view created implicitly at engine startup.
const ImplicitViewID ViewID = 0

// InternalChannelPrefix marks platform message channels reserved for
// the engine's own use. Messages on such channels that the platform
// does not understand are expected traffic and must not be reported.
const InternalChannelPrefix = "engine/"

// Size is a width and height in physical pixels.
type Size struct {
	Width  uint32
	Height uint32
}

// Point is a position in physical pixels.
type Point struct {
	X float64
	Y float64
}

// Rect is an axis-aligned rectangle in physical pixels.
type Rect struct {
	Left   float64
	Top    float64
	Right  float64
	Bottom float64
}

// PixelFormat enumerates the software pixel formats the engine can
// render into.
type PixelFormat int

const (
	FormatRGBA8888 PixelFormat = iota
	FormatBGRA8888
	FormatRGBA4444
	FormatRGBX8888
	FormatRGB565
)

// BytesPerPixel returns the size of one pixel in the format.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case FormatRGBA4444, FormatRGB565:
		return 2
	default:
		return 4
	}
}

// WindowMetricsEvent describes the geometry of a view.
type WindowMetricsEvent struct {
	ViewID     ViewID
	Size       Size
	PixelRatio float64
}

// BackingStoreConfig is the engine's request for a drawable target.
type BackingStoreConfig struct {
	Size Size
}

// BackingStore is a software render target. Allocation is owned by the
// platform and stays valid until the engine collects the store; its
// base address is the correlation key between allocate and collect.
type BackingStore struct {
	Allocation []byte
	RowBytes   int
	Height     int
	Format     PixelFormat
}

// Layer is one element of a composited frame.
type Layer struct {
	Content LayerContent
	Offset  Point
}

// LayerContent is either a backing store rendered by the engine or an
// embedded platform view.
type LayerContent interface {
	isLayerContent()
}

// BackingStoreContent references a backing store previously returned
// by CreateBackingStore, with the region repainted this frame.
type BackingStoreContent struct {
	Store  *BackingStore
	Damage []Rect
}

// PlatformViewContent references a platform-embedded view.
type PlatformViewContent struct {
	ViewID int64
}

func (BackingStoreContent) isLayerContent() {}
func (PlatformViewContent) isLayerContent() {}

// VsyncBaton correlates a vsync request with its completion.
type VsyncBaton uint64

// Task is an engine-internal unit of work the platform schedules on
// the engine's behalf.
type Task struct {
	Handle uint64
}

// Display describes an output the engine should pace frames against.
type Display struct {
	ID          uint64
	RefreshRate float64
	Size        Size
	PixelRatio  float64
}

// ErrResponseSent reports a second send on a platform message
// response.
var ErrResponseSent = errors.New("embedder: response already sent")

// PlatformMessageResponse delivers the single reply owed for a
// platform message. The engine holds per-call memory until the reply
// arrives, so a response must always be sent, even (empty) on failure.
type PlatformMessageResponse struct {
	sent atomic.Bool
	send func(data []byte)
}

// NewPlatformMessageResponse wraps send into a one-shot response
// handle. send may be called from any thread.
func NewPlatformMessageResponse(send func(data []byte)) *PlatformMessageResponse {
	return &PlatformMessageResponse{send: send}
}

// Send delivers the reply. The second and later calls fail.
func (r *PlatformMessageResponse) Send(data []byte) error {
	if r.sent.Swap(true) {
		return ErrResponseSent
	}
	r.send(data)
	return nil
}

// EngineHandler receives general engine callbacks. All methods are
// invoked from engine-owned threads.
type EngineHandler interface {
	// PlatformMessage delivers an engine-originated message. Exactly
	// one reply must eventually be sent on response.
	PlatformMessage(channel string, message []byte, response *PlatformMessageResponse)
	// Vsync asks the platform to reply with OnVsync when the next
	// frame should start.
	Vsync(baton VsyncBaton)
	// LogMessage forwards an engine-side log line.
	LogMessage(tag, message string)
	// ChannelUpdate reports a channel gaining or losing listeners.
	ChannelUpdate(channel string, listening bool)
	// PreEngineRestart runs before a hot restart of the application.
	PreEngineRestart()
	// RootIsolateCreated runs once the application code is live.
	RootIsolateCreated()
}

// CompositorHandler implements the software compositing contract. All
// methods are invoked from engine-owned threads.
type CompositorHandler interface {
	CreateBackingStore(config BackingStoreConfig) (*BackingStore, error)
	CollectBackingStore(store *BackingStore) error
	PresentView(view ViewID, layers []Layer) error
}

// TaskRunnerHandler lets the platform own scheduling of engine tasks.
type TaskRunnerHandler interface {
	RunsTasksOnCurrentThread() bool
	PostTask(task Task, target time.Time)
}

// RendererConfig selects and configures the software renderer.
type RendererConfig struct {
	Compositor CompositorHandler
	// AvoidBackingStoreCache forces a fresh backing store per frame.
	AvoidBackingStoreCache bool
}

// ProjectArgs carries everything the engine needs to run an
// application.
type ProjectArgs struct {
	AssetsPath         string
	AppLibraryPath     string
	CustomEntrypoint   string
	EntrypointArgs     []string
	Handler            EngineHandler
	PlatformTaskRunner TaskRunnerHandler
	LogTag             string
}

// Engine is the handle to a running engine instance. All methods are
// safe to call from the platform goroutine; completion callbacks fire
// on engine threads.
type Engine interface {
	// AddView attaches a new view. done reports whether the engine
	// accepted it.
	AddView(event WindowMetricsEvent, done func(added bool)) error
	// RemoveView detaches a view. done reports whether the engine
	// released it; only then may the platform destroy the surface.
	RemoveView(id ViewID, done func(removed bool)) error
	// SendWindowMetricsEvent updates geometry of an attached view.
	// Fire and forget.
	SendWindowMetricsEvent(event WindowMetricsEvent) error
	// SendPlatformMessage sends a message to the application. reply,
	// if non-nil, receives the single response.
	SendPlatformMessage(channel string, message []byte, reply func(data []byte)) error
	// OnVsync answers a Vsync callback.
	OnVsync(baton VsyncBaton, frameStart, frameTarget time.Time) error
	// RunTask executes a task previously handed to PostTask.
	RunTask(task Task) error
	// NotifyDisplayUpdate informs the engine of the current outputs.
	NotifyDisplayUpdate(displays []Display) error
	// Shutdown stops the engine and joins its threads.
	Shutdown() error
}

// Bootstrap starts an engine instance against the given configuration.
// The platform session calls it once during startup.
type Bootstrap func(renderer RendererConfig, args ProjectArgs) (Engine, error)
