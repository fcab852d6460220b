// SPDX-License-Identifier: Unlicense OR MIT

package shell

import (
	"fmt"
	"math"

	"github.com/rajveermalviya/go-wayland/wayland/client"
	xdg_shell "github.com/rajveermalviya/go-wayland/wayland/stable/xdg-shell"
)

// ToplevelConfig describes a new top-level window. The callbacks run
// on the connection's dispatch goroutine and must hand any real work
// to the platform goroutine.
type ToplevelConfig struct {
	Title string
	AppID string

	// DefaultWidth/DefaultHeight substitute for a 0×0 configure, where
	// the compositor leaves the choice to the client.
	DefaultWidth  uint32
	DefaultHeight uint32

	// OnConfigure fires once per acked configure sequence with the
	// resolved logical size.
	OnConfigure func(width, height uint32)
	// OnClose fires when the compositor asks the window to close.
	OnClose func()
}

// Toplevel is a view realized as an xdg_toplevel window.
type Toplevel struct {
	wl  *client.Surface
	xdg *xdg_shell.Surface
	top *xdg_shell.Toplevel

	// Latched by the xdg_toplevel configure event, consumed when the
	// enclosing xdg_surface configure arrives. Dispatch-goroutine only.
	pendingW uint32
	pendingH uint32
}

// NewToplevel creates the window and commits the initial (bufferless)
// state so the compositor sends the first configure.
func NewToplevel(compositor *client.Compositor, wm *xdg_shell.WmBase, cfg ToplevelConfig) (*Toplevel, error) {
	wl, err := compositor.CreateSurface()
	if err != nil {
		return nil, fmt.Errorf("shell: wl_surface: %w", err)
	}
	xdg, err := wm.GetXdgSurface(wl)
	if err != nil {
		wl.Destroy()
		return nil, fmt.Errorf("shell: xdg_surface: %w", err)
	}
	top, err := xdg.GetToplevel()
	if err != nil {
		xdg.Destroy()
		wl.Destroy()
		return nil, fmt.Errorf("shell: xdg_toplevel: %w", err)
	}
	t := &Toplevel{wl: wl, xdg: xdg, top: top}

	if cfg.Title != "" {
		if err := top.SetTitle(cfg.Title); err != nil {
			t.Destroy()
			return nil, fmt.Errorf("shell: set title: %w", err)
		}
	}
	if cfg.AppID != "" {
		if err := top.SetAppId(cfg.AppID); err != nil {
			t.Destroy()
			return nil, fmt.Errorf("shell: set app id: %w", err)
		}
	}

	top.SetConfigureHandler(func(e xdg_shell.ToplevelConfigureEvent) {
		t.pendingW = uint32(e.Width)
		t.pendingH = uint32(e.Height)
	})
	top.SetCloseHandler(func(xdg_shell.ToplevelCloseEvent) {
		if cfg.OnClose != nil {
			cfg.OnClose()
		}
	})
	xdg.SetConfigureHandler(func(e xdg_shell.SurfaceConfigureEvent) {
		if err := xdg.AckConfigure(e.Serial); err != nil {
			return
		}
		w, h := t.pendingW, t.pendingH
		if w == 0 {
			w = cfg.DefaultWidth
		}
		if h == 0 {
			h = cfg.DefaultHeight
		}
		if cfg.OnConfigure != nil {
			cfg.OnConfigure(w, h)
		}
	})

	if err := wl.Commit(); err != nil {
		t.Destroy()
		return nil, fmt.Errorf("shell: initial commit: %w", err)
	}
	return t, nil
}

// WlSurface returns the underlying wl_surface.
func (t *Toplevel) WlSurface() *client.Surface {
	return t.wl
}

// XdgSurface returns the xdg_surface, used to parent popups.
func (t *Toplevel) XdgSurface() *xdg_shell.Surface {
	return t.xdg
}

// Update replaces the window's title and application identifier.
func (t *Toplevel) Update(title, appID string) error {
	if err := t.top.SetTitle(title); err != nil {
		return fmt.Errorf("shell: set title: %w", err)
	}
	if err := t.top.SetAppId(appID); err != nil {
		return fmt.Errorf("shell: set app id: %w", err)
	}
	return nil
}

// SetSizeHints forwards logical size bounds to the compositor so
// interactive resizes respect them. Zero means unbounded on that axis.
func (t *Toplevel) SetSizeHints(c *Constraints) error {
	var minW, minH, maxW, maxH int32
	if c != nil {
		minW = hintDim(math.Ceil(c.MinWidth))
		minH = hintDim(math.Ceil(c.MinHeight))
		maxW = hintDim(math.Floor(c.MaxWidth))
		maxH = hintDim(math.Floor(c.MaxHeight))
	}
	if err := t.top.SetMinSize(minW, minH); err != nil {
		return fmt.Errorf("shell: set min size: %w", err)
	}
	if err := t.top.SetMaxSize(maxW, maxH); err != nil {
		return fmt.Errorf("shell: set max size: %w", err)
	}
	return nil
}

func hintDim(v float64) int32 {
	if !(v > 0 && v <= math.MaxInt32) {
		return 0
	}
	return int32(v)
}

// Destroy tears the window down, children first.
func (t *Toplevel) Destroy() error {
	err := t.top.Destroy()
	if e := t.xdg.Destroy(); err == nil {
		err = e
	}
	if e := t.wl.Destroy(); err == nil {
		err = e
	}
	return err
}
