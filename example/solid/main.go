// SPDX-License-Identifier: Unlicense OR MIT

// Command solid opens a window filled with a single color. It hosts a
// miniature in-process engine that exercises the full embedder
// contract: window metrics, vsync pacing, software backing stores and
// the platform message channels, without a real rendering runtime.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"tideway.org/app"
	"tideway.org/embedder"
	"tideway.org/wire"
)

func main() {
	configPath := flag.String("config", "", "configuration file (default: the standard location)")
	fill := flag.String("color", "6a8cafff", "fill color as rgba hex")
	flag.Parse()

	color, err := parseColor(*fill)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := app.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cfg.Title == app.DefaultConfig().Title {
		cfg.Title = "Solid"
	}

	session := app.New(cfg)
	if err := session.Run(bootstrapSolid(color)); err != nil {
		log.Fatal("session failed", "err", err)
	}
}

func parseColor(s string) ([4]byte, error) {
	var c [4]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 4 {
		return c, fmt.Errorf("color must be 8 hex digits (rgba), got %q", s)
	}
	copy(c[:], b)
	return c, nil
}

// bootstrapSolid returns the engine bootstrap the session boots with.
func bootstrapSolid(color [4]byte) embedder.Bootstrap {
	return func(renderer embedder.RendererConfig, args embedder.ProjectArgs) (embedder.Engine, error) {
		e := &solidEngine{
			handler:    args.Handler,
			compositor: renderer.Compositor,
			color:      color,
			views:      make(map[embedder.ViewID]embedder.Size),
			frames:     make(chan frameRequest, 16),
			quit:       make(chan struct{}),
		}
		e.wg.Add(1)
		go e.rasterLoop()
		go e.handler.RootIsolateCreated()
		return e, nil
	}
}

type frameRequest struct {
	view embedder.ViewID
	size embedder.Size
}

// solidEngine paints every view it is given in one color. Methods on
// the Engine side are called by the platform; it calls back through
// handler and compositor from its own goroutines, the way a real
// engine's thread pool would.
type solidEngine struct {
	handler    embedder.EngineHandler
	compositor embedder.CompositorHandler
	color      [4]byte

	mu    sync.Mutex
	views map[embedder.ViewID]embedder.Size

	frameWanted atomic.Bool
	batons      atomic.Uint64

	frames chan frameRequest
	quit   chan struct{}
	wg     sync.WaitGroup
}

func (e *solidEngine) AddView(ev embedder.WindowMetricsEvent, done func(bool)) error {
	e.mu.Lock()
	e.views[ev.ViewID] = ev.Size
	e.mu.Unlock()
	go func() {
		done(true)
		e.requestFrame()
	}()
	return nil
}

func (e *solidEngine) RemoveView(id embedder.ViewID, done func(bool)) error {
	e.mu.Lock()
	delete(e.views, id)
	e.mu.Unlock()
	go done(true)
	return nil
}

func (e *solidEngine) SendWindowMetricsEvent(ev embedder.WindowMetricsEvent) error {
	e.mu.Lock()
	e.views[ev.ViewID] = ev.Size
	e.mu.Unlock()
	e.requestFrame()
	return nil
}

// SendPlatformMessage receives platform-originated events. The only
// one this application reacts to is the window close request, which it
// answers by asking the platform to shut down.
func (e *solidEngine) SendPlatformMessage(channel string, message []byte, reply func([]byte)) error {
	if channel == "tideway/xdg_toplevel/close" {
		r := wire.NewReader(message)
		if id, err := r.ReadInt64(); err == nil && embedder.ViewID(id) == embedder.ImplicitViewID {
			go e.handler.PlatformMessage("tideway/graceful_shutdown", nil,
				embedder.NewPlatformMessageResponse(func([]byte) {}))
		}
	}
	if reply != nil {
		go reply(nil)
	}
	return nil
}

func (e *solidEngine) OnVsync(baton embedder.VsyncBaton, frameStart, frameTarget time.Time) error {
	e.frameWanted.Store(false)
	e.mu.Lock()
	reqs := make([]frameRequest, 0, len(e.views))
	for id, size := range e.views {
		reqs = append(reqs, frameRequest{view: id, size: size})
	}
	e.mu.Unlock()
	for _, req := range reqs {
		select {
		case e.frames <- req:
		case <-e.quit:
			return nil
		}
	}
	return nil
}

func (e *solidEngine) RunTask(embedder.Task) error { return nil }

func (e *solidEngine) NotifyDisplayUpdate(displays []embedder.Display) error {
	for _, d := range displays {
		e.handler.LogMessage("solid",
			fmt.Sprintf("display %d: %dx%d @ %.1f Hz", d.ID, d.Size.Width, d.Size.Height, d.RefreshRate))
	}
	return nil
}

func (e *solidEngine) Shutdown() error {
	close(e.quit)
	e.wg.Wait()
	return nil
}

// requestFrame asks the platform for a vsync slot, at most one at a
// time.
func (e *solidEngine) requestFrame() {
	if e.frameWanted.Swap(true) {
		return
	}
	baton := embedder.VsyncBaton(e.batons.Add(1))
	go e.handler.Vsync(baton)
}

// rasterLoop is the engine's raster thread: it turns frame requests
// into backing stores, paints them and presents the result.
func (e *solidEngine) rasterLoop() {
	defer e.wg.Done()
	for {
		select {
		case req := <-e.frames:
			if err := e.renderFrame(req); err != nil {
				e.handler.LogMessage("solid", fmt.Sprintf("frame dropped: %v", err))
			}
		case <-e.quit:
			return
		}
	}
}

func (e *solidEngine) renderFrame(req frameRequest) error {
	store, err := e.compositor.CreateBackingStore(embedder.BackingStoreConfig{Size: req.size})
	if err != nil {
		return err
	}
	paint(store, e.color)
	err = e.compositor.PresentView(req.view, []embedder.Layer{{
		Content: embedder.BackingStoreContent{Store: store},
	}})
	if cerr := e.compositor.CollectBackingStore(store); err == nil {
		err = cerr
	}
	return err
}

// paint fills the store with the color, packed for whatever format the
// platform negotiated.
func paint(store *embedder.BackingStore, c [4]byte) {
	r, g, b, a := c[0], c[1], c[2], c[3]
	var pixel []byte
	switch store.Format {
	case embedder.FormatRGBA8888:
		pixel = []byte{r, g, b, a}
	case embedder.FormatBGRA8888:
		pixel = []byte{b, g, r, a}
	case embedder.FormatRGBX8888:
		pixel = []byte{r, g, b, 0xff}
	case embedder.FormatRGBA4444:
		v := uint16(r>>4)<<12 | uint16(g>>4)<<8 | uint16(b>>4)<<4 | uint16(a>>4)
		pixel = []byte{byte(v), byte(v >> 8)}
	case embedder.FormatRGB565:
		v := uint16(r>>3)<<11 | uint16(g>>2)<<5 | uint16(b>>3)
		pixel = []byte{byte(v), byte(v >> 8)}
	}
	row := make([]byte, store.RowBytes)
	for x := 0; x+len(pixel) <= store.RowBytes; x += len(pixel) {
		copy(row[x:], pixel)
	}
	for y := 0; y < store.Height; y++ {
		copy(store.Allocation[y*store.RowBytes:(y+1)*store.RowBytes], row)
	}
}
