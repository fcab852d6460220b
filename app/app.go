// SPDX-License-Identifier: Unlicense OR MIT

// Package app runs the platform side of a Tideway session: one Wayland
// connection, one hosted engine, and the single-owner event loop that
// everything engine-originated is funneled through.
//
// Concurrency layout: a dedicated goroutine blocks in the transport's
// Dispatch and runs protocol handlers; those handlers, like every
// engine callback, post owned closures to the relay. The platform
// goroutine drains the relay and is the only place session state
// changes. The compositing bridge is the exception: it runs inline on
// engine threads against its own locked allocation map, because the
// engine expects backing stores synchronously.
package app

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/rajveermalviya/go-wayland/wayland/client"
	xdg_shell "github.com/rajveermalviya/go-wayland/wayland/stable/xdg-shell"

	"tideway.org/embedder"
	"tideway.org/internal/proto/wlr_layer_shell"
	"tideway.org/internal/shm"
	"tideway.org/shell"
)

// output is the tracked state of one wl_output global.
type output struct {
	wl      *client.Output
	name    uint32
	scale   int32
	width   int32
	height  int32
	refresh float64 // Hz
	done    bool
}

// Session owns the Wayland connection and the engine for one run of
// the embedder.
type Session struct {
	cfg Config
	log *log.Logger
	// engineLog carries log lines forwarded from inside the engine.
	engineLog *log.Logger

	display  *client.Display
	ctx      *client.Context
	registry *client.Registry

	compositor *client.Compositor
	wlShm      *client.Shm
	wmBase     *xdg_shell.WmBase
	layerShell *wlr_layer_shell.ZwlrLayerShellV1
	// The seat is bound so an input layer can pick it up; this core
	// does not translate input events.
	seat *client.Seat

	formatsMu sync.Mutex
	formats   map[uint32]bool
	format    wireFormat

	outMu   sync.Mutex
	outputs map[uint32]*output

	views    *shell.Registry
	surfaces surfaceFactory
	bridge   *bridge
	relay    *relay
	tasks    taskQueue

	engine embedder.Engine

	// Platform-goroutine-only below.
	pendingBatons []embedder.VsyncBaton
	stopping      bool

	stopped atomic.Bool
	fatal   chan error
}

// New prepares a session. Run does the actual work.
func New(cfg Config) *Session {
	logger := cfg.Logger()
	return &Session{
		cfg:       cfg,
		log:       logger,
		engineLog: logger.With("component", "engine"),
		formats:   make(map[uint32]bool),
		outputs:   make(map[uint32]*output),
		views:     shell.NewRegistry(),
		relay:     newRelay(),
		fatal:     make(chan error, 1),
	}
}

// Run connects to the compositor, boots the engine and drives the
// event loop until a graceful shutdown or a fatal transport error.
func (s *Session) Run(bootstrap embedder.Bootstrap) error {
	if err := s.connect(); err != nil {
		return err
	}
	defer s.ctx.Close()

	if err := s.bindGlobals(); err != nil {
		return err
	}

	format, err := chooseFormat(s.snapshotFormats(), s.log)
	if err != nil {
		return err
	}
	s.format = format
	s.log.Info("pixel format negotiated",
		"wl_format", fmt.Sprintf("%#x", format.wl), "swizzle", format.swizzle)

	s.surfaces = &wlFactory{s: s}
	s.bridge = newBridge(format, s.views, s.log.With("component", "compositor"),
		s.allocBackingStore, s.submitFrame)

	engine, err := bootstrap(
		embedder.RendererConfig{Compositor: s.bridge},
		embedder.ProjectArgs{
			AssetsPath:         s.cfg.AssetsPath,
			Handler:            s,
			PlatformTaskRunner: s,
			LogTag:             "tideway",
		},
	)
	if err != nil {
		return fmt.Errorf("app: engine bootstrap: %w", err)
	}
	s.engine = engine

	if err := s.createImplicitView(); err != nil {
		return err
	}
	s.notifyDisplays()

	go s.dispatchLoop()

	err = s.loop()

	if serr := s.engine.Shutdown(); serr != nil {
		s.log.Warn("engine shutdown", "err", serr)
	}
	for _, v := range s.views.Views() {
		s.views.Remove(v.ID)
		if derr := v.Role.Destroy(); derr != nil {
			s.log.Warn("surface teardown failed", "view", v.ID, "err", derr)
		}
	}
	return err
}

func (s *Session) connect() error {
	display, err := client.Connect("")
	if err != nil {
		return fmt.Errorf("app: wayland connect: %w", err)
	}
	s.display = display
	s.ctx = display.Context()
	display.SetErrorHandler(func(e client.DisplayErrorEvent) {
		s.log.Error("wayland protocol error",
			"object", e.ObjectId, "code", e.Code, "message", e.Message)
	})
	return nil
}

// bindGlobals registers for globals, round-trips until the initial
// burst (including wl_shm formats and wl_output modes) has landed, and
// verifies the required ones are present. Missing required globals are
// fatal: without them no window can ever appear.
func (s *Session) bindGlobals() error {
	registry, err := s.display.GetRegistry()
	if err != nil {
		return fmt.Errorf("app: registry: %w", err)
	}
	s.registry = registry
	registry.SetGlobalHandler(s.handleGlobal)
	registry.SetGlobalRemoveHandler(func(e client.RegistryGlobalRemoveEvent) {
		s.outMu.Lock()
		_, gone := s.outputs[e.Name]
		delete(s.outputs, e.Name)
		s.outMu.Unlock()
		if gone {
			s.relay.post(s.notifyDisplays)
		}
	})

	// One round trip surfaces the globals, a second the events emitted
	// by the binds themselves.
	if err := s.roundtrip(); err != nil {
		return err
	}
	if err := s.roundtrip(); err != nil {
		return err
	}

	switch {
	case s.compositor == nil:
		return errors.New("app: missing required global wl_compositor")
	case s.wlShm == nil:
		return errors.New("app: missing required global wl_shm")
	case s.wmBase == nil:
		return errors.New("app: missing required global xdg_wm_base")
	}
	if s.layerShell == nil {
		s.log.Debug("wlr-layer-shell not advertised; layer channels will fail")
	}
	return nil
}

func (s *Session) handleGlobal(e client.RegistryGlobalEvent) {
	switch e.Interface {
	case "wl_compositor":
		compositor := client.NewCompositor(s.ctx)
		if err := s.registry.Bind(e.Name, e.Interface, e.Version, compositor); err == nil {
			s.compositor = compositor
		}

	case "wl_shm":
		wlShm := client.NewShm(s.ctx)
		if err := s.registry.Bind(e.Name, e.Interface, e.Version, wlShm); err != nil {
			return
		}
		s.wlShm = wlShm
		wlShm.SetFormatHandler(func(e client.ShmFormatEvent) {
			s.formatsMu.Lock()
			s.formats[uint32(e.Format)] = true
			s.formatsMu.Unlock()
		})

	case "xdg_wm_base":
		wm := xdg_shell.NewWmBase(s.ctx)
		if err := s.registry.Bind(e.Name, e.Interface, e.Version, wm); err != nil {
			return
		}
		s.wmBase = wm
		wm.SetPingHandler(func(e xdg_shell.WmBasePingEvent) {
			if err := wm.Pong(e.Serial); err != nil {
				s.log.Warn("pong failed", "err", err)
			}
		})

	case wlr_layer_shell.ZwlrLayerShellV1InterfaceName:
		ls := wlr_layer_shell.NewZwlrLayerShellV1(s.ctx)
		version := e.Version
		if version > 4 {
			version = 4
		}
		if err := s.registry.Bind(e.Name, e.Interface, version, ls); err == nil {
			s.layerShell = ls
		}

	case "wl_seat":
		seat := client.NewSeat(s.ctx)
		if err := s.registry.Bind(e.Name, e.Interface, e.Version, seat); err == nil {
			s.seat = seat
		}

	case "wl_output":
		wl := client.NewOutput(s.ctx)
		version := e.Version
		if version > 4 {
			version = 4
		}
		if err := s.registry.Bind(e.Name, e.Interface, version, wl); err != nil {
			return
		}
		out := &output{wl: wl, name: e.Name, scale: 1}
		s.outMu.Lock()
		s.outputs[e.Name] = out
		s.outMu.Unlock()
		s.watchOutput(out)
	}
}

func (s *Session) watchOutput(out *output) {
	out.wl.SetModeHandler(func(e client.OutputModeEvent) {
		if e.Flags&uint32(client.OutputModeCurrent) == 0 {
			return
		}
		s.outMu.Lock()
		out.width = e.Width
		out.height = e.Height
		// Refresh arrives in mHz.
		out.refresh = float64(e.Refresh) / 1000
		s.outMu.Unlock()
	})
	out.wl.SetScaleHandler(func(e client.OutputScaleEvent) {
		s.outMu.Lock()
		out.scale = e.Factor
		s.outMu.Unlock()
		s.relay.post(s.rescaleViews)
	})
	out.wl.SetDoneHandler(func(client.OutputDoneEvent) {
		s.outMu.Lock()
		first := !out.done
		out.done = true
		s.outMu.Unlock()
		if first {
			s.relay.post(s.notifyDisplays)
		}
	})
}

// roundtrip dispatches until the compositor has answered everything
// sent so far. Only used during single-threaded startup, before the
// dispatch goroutine exists.
func (s *Session) roundtrip() error {
	cb, err := s.display.Sync()
	if err != nil {
		return fmt.Errorf("app: sync: %w", err)
	}
	done := false
	cb.SetDoneHandler(func(client.CallbackDoneEvent) {
		done = true
	})
	for !done {
		if err := s.ctx.Dispatch(); err != nil {
			return fmt.Errorf("app: dispatch: %w", err)
		}
	}
	return nil
}

func (s *Session) snapshotFormats() map[uint32]bool {
	s.formatsMu.Lock()
	defer s.formatsMu.Unlock()
	out := make(map[uint32]bool, len(s.formats))
	for f := range s.formats {
		out[f] = true
	}
	return out
}

// currentScale is the largest integer scale any output advertises;
// without per-surface output tracking this overshoots at worst, never
// undershoots.
func (s *Session) currentScale() float64 {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	scale := int32(1)
	for _, out := range s.outputs {
		if out.scale > scale {
			scale = out.scale
		}
	}
	return float64(scale)
}

// rescaleViews records a changed output scale on every view. The new
// factor takes effect with each view's next size application.
func (s *Session) rescaleViews() {
	scale := s.currentScale()
	for _, v := range s.views.Views() {
		v.State.SetScale(scale)
	}
}

func (s *Session) notifyDisplays() {
	if s.engine == nil {
		return
	}
	s.outMu.Lock()
	displays := make([]embedder.Display, 0, len(s.outputs))
	for _, out := range s.outputs {
		if !out.done {
			continue
		}
		displays = append(displays, embedder.Display{
			ID:          uint64(out.name),
			RefreshRate: out.refresh,
			Size: embedder.Size{
				Width:  uint32(out.width),
				Height: uint32(out.height),
			},
			PixelRatio: float64(out.scale),
		})
	}
	s.outMu.Unlock()
	if len(displays) == 0 {
		return
	}
	if err := s.engine.NotifyDisplayUpdate(displays); err != nil {
		s.log.Warn("display update rejected", "err", err)
	}
}

func (s *Session) createImplicitView() error {
	id := embedder.ImplicitViewID
	role, err := s.surfaces.NewToplevel(shell.ToplevelConfig{
		Title:         s.cfg.Title,
		AppID:         s.cfg.AppID,
		DefaultWidth:  s.cfg.DefaultWidth,
		DefaultHeight: s.cfg.DefaultHeight,
		OnConfigure:   s.configureFunc(id),
		OnClose: func() {
			s.relay.post(func() { s.notifyToplevelClose(id) })
		},
	})
	if err != nil {
		return fmt.Errorf("app: implicit view: %w", err)
	}
	v := &shell.View{ID: id, Role: role, State: shell.NewState(id, s.currentScale())}
	return s.views.Insert(v)
}

// dispatchLoop blocks in the transport and runs protocol handlers.
// All of them bounce real work to the platform goroutine.
func (s *Session) dispatchLoop() {
	for {
		if err := s.ctx.Dispatch(); err != nil {
			if s.stopped.Load() {
				return
			}
			select {
			case s.fatal <- fmt.Errorf("app: dispatch: %w", err):
			default:
			}
			return
		}
	}
}

// loop is the platform goroutine: relay callbacks, deferred engine
// tasks, and fatal transport errors, in one select.
func (s *Session) loop() error {
	for !s.stopping {
		var timerC <-chan time.Time
		var timer *time.Timer
		if target, ok := s.tasks.next(); ok {
			d := time.Until(target)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			timerC = timer.C
		}
		select {
		case <-s.relay.wake:
			for _, fn := range s.relay.drain() {
				fn()
			}
		case <-timerC:
			for _, task := range s.tasks.due(time.Now()) {
				if err := s.engine.RunTask(task); err != nil {
					s.log.Warn("engine task failed", "err", err)
				}
			}
		case err := <-s.fatal:
			s.stopped.Store(true)
			return err
		}
		if timer != nil {
			timer.Stop()
		}
	}
	return nil
}

// stop ends the loop after the current iteration. Platform goroutine
// only; the graceful shutdown channel lands here.
func (s *Session) stop() {
	s.stopping = true
	s.stopped.Store(true)
	s.log.Info("shutting down")
}

// EngineHandler. All of these are called from engine threads.

func (s *Session) PlatformMessage(channel string, message []byte, response *embedder.PlatformMessageResponse) {
	payload := append([]byte(nil), message...)
	s.relay.post(func() { s.handlePlatformMessage(channel, payload, response) })
}

func (s *Session) Vsync(baton embedder.VsyncBaton) {
	s.relay.post(func() { s.handleVsync(baton) })
}

func (s *Session) LogMessage(tag, message string) {
	s.engineLog.Info(message, "tag", tag)
}

func (s *Session) ChannelUpdate(channel string, listening bool) {
	s.log.Debug("channel listener update", "channel", channel, "listening", listening)
}

func (s *Session) PreEngineRestart() {
	s.log.Debug("engine restarting")
}

func (s *Session) RootIsolateCreated() {
	s.log.Debug("application running")
}

// TaskRunnerHandler.

// RunsTasksOnCurrentThread reports false unconditionally: the engine
// only asks from its own threads, and rescheduling through the relay
// is always correct.
func (s *Session) RunsTasksOnCurrentThread() bool {
	return false
}

func (s *Session) PostTask(task embedder.Task, target time.Time) {
	s.relay.post(func() { s.tasks.schedule(task, target) })
}

// handleVsync answers immediately unless a frame callback is pending,
// in which case the baton waits for the compositor's pace.
func (s *Session) handleVsync(baton embedder.VsyncBaton) {
	if s.anyFrameWaiting() {
		s.pendingBatons = append(s.pendingBatons, baton)
		return
	}
	now := time.Now()
	if err := s.engine.OnVsync(baton, now, now); err != nil {
		s.log.Warn("vsync reply failed", "baton", uint64(baton), "err", err)
	}
}

func (s *Session) anyFrameWaiting() bool {
	for _, v := range s.views.Views() {
		if v.State.FrameWaiting.Load() {
			return true
		}
	}
	return false
}

// frameDone runs when a surface's frame callback fires, releasing any
// batons held for throttling.
func (s *Session) frameDone(id embedder.ViewID) {
	if v, ok := s.views.Lookup(id); ok {
		v.State.FrameWaiting.Store(false)
	}
	s.flushBatons()
}

// flushBatons answers every parked baton once no frame callback is
// outstanding anywhere. Called when a frame callback fires and when a
// view is removed, since a removed view's callback never will.
func (s *Session) flushBatons() {
	if s.anyFrameWaiting() || len(s.pendingBatons) == 0 {
		return
	}
	batons := s.pendingBatons
	s.pendingBatons = nil
	now := time.Now()
	for _, baton := range batons {
		if err := s.engine.OnVsync(baton, now, now); err != nil {
			s.log.Warn("vsync reply failed", "baton", uint64(baton), "err", err)
		}
	}
}

// Compositing bridge hooks. Both run inline on engine threads.

func (s *Session) allocBackingStore(config embedder.BackingStoreConfig) (*allocation, error) {
	width := int32(config.Size.Width)
	height := int32(config.Size.Height)
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("app: invalid backing store size %dx%d", width, height)
	}
	stride := width * int32(s.format.engine.BytesPerPixel())
	buf, err := shm.Create(s.wlShm, width, height, stride, s.format.wl)
	if err != nil {
		return nil, err
	}
	return &allocation{
		bytes:    buf.Bytes(),
		rowBytes: int(stride),
		height:   int(height),
		release:  buf.Destroy,
	}, nil
}

func (s *Session) submitFrame(v *shell.View, a *allocation, damage []embedder.Rect) error {
	bpp := s.format.engine.BytesPerPixel()
	width := a.rowBytes / bpp
	height := a.height

	buf, err := shm.Create(s.wlShm, int32(width), int32(height), int32(a.rowBytes), s.format.wl)
	if err != nil {
		return fmt.Errorf("app: present buffer: %w", err)
	}
	copyDamage(buf.Bytes(), a.bytes, a.rowBytes, bpp, width, height, damage, s.format.swizzle)

	surface := v.Role.WlSurface()
	buf.HoldUntilReleased()
	if err := surface.Attach(buf.Wl, 0, 0); err != nil {
		buf.Abort()
		return fmt.Errorf("app: attach: %w", err)
	}
	if scale := int32(math.Round(v.State.Scale())); scale >= 1 {
		if err := surface.SetBufferScale(scale); err != nil {
			s.log.Warn("buffer scale rejected", "view", v.ID, "err", err)
		}
	}
	if len(damage) == 0 {
		surface.DamageBuffer(0, 0, int32(width), int32(height))
	}
	for _, r := range damage {
		surface.DamageBuffer(int32(r.Left), int32(r.Top),
			int32(r.Right-r.Left), int32(r.Bottom-r.Top))
	}

	if cb, err := surface.Frame(); err == nil {
		v.State.FrameWaiting.Store(true)
		id := v.ID
		cb.SetDoneHandler(func(client.CallbackDoneEvent) {
			s.relay.post(func() { s.frameDone(id) })
		})
	}

	if err := surface.Commit(); err != nil {
		buf.Abort()
		return fmt.Errorf("app: commit: %w", err)
	}
	buf.ReleaseOwnership()
	return nil
}

// wlFactory realizes view roles on the live connection.
type wlFactory struct {
	s *Session
}

func (f *wlFactory) NewToplevel(cfg shell.ToplevelConfig) (shell.Role, error) {
	return shell.NewToplevel(f.s.compositor, f.s.wmBase, cfg)
}

func (f *wlFactory) NewPopup(parent *shell.View, cfg shell.PopupConfig) (shell.Role, error) {
	var parentXdg *xdg_shell.Surface
	switch role := parent.Role.(type) {
	case *shell.Toplevel:
		parentXdg = role.XdgSurface()
	case *shell.Popup:
		parentXdg = role.XdgSurface()
	default:
		return nil, fmt.Errorf("app: view %d cannot parent a popup", parent.ID)
	}
	return shell.NewPopup(f.s.compositor, f.s.wmBase, parentXdg, cfg)
}

func (f *wlFactory) NewLayer(cfg shell.LayerConfig) (shell.Role, error) {
	if f.s.layerShell == nil {
		return nil, errors.New("app: compositor does not support wlr-layer-shell")
	}
	return shell.NewLayer(f.s.compositor, f.s.layerShell, nil, cfg)
}
