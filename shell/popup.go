// SPDX-License-Identifier: Unlicense OR MIT

package shell

import (
	"fmt"

	"github.com/rajveermalviya/go-wayland/wayland/client"
	xdg_shell "github.com/rajveermalviya/go-wayland/wayland/stable/xdg-shell"
)

// PopupConfig describes a popup placed relative to a parent surface.
// Callbacks run on the dispatch goroutine.
type PopupConfig struct {
	// X, Y anchor the popup at a point in the parent's surface-local
	// coordinates.
	X int32
	Y int32
	// Width, Height are the requested logical size.
	Width  int32
	Height int32

	OnConfigure func(width, height uint32)
	// OnDone fires when the compositor dismisses the popup.
	OnDone func()
}

// Popup is a view realized as an xdg_popup.
type Popup struct {
	wl    *client.Surface
	xdg   *xdg_shell.Surface
	popup *xdg_shell.Popup

	pendingW uint32
	pendingH uint32
}

// NewPopup creates a popup parented to an existing xdg_surface and
// commits the initial state.
func NewPopup(compositor *client.Compositor, wm *xdg_shell.WmBase, parent *xdg_shell.Surface, cfg PopupConfig) (*Popup, error) {
	positioner, err := wm.CreatePositioner()
	if err != nil {
		return nil, fmt.Errorf("shell: xdg_positioner: %w", err)
	}
	if err := positioner.SetSize(cfg.Width, cfg.Height); err != nil {
		positioner.Destroy()
		return nil, fmt.Errorf("shell: positioner size: %w", err)
	}
	if err := positioner.SetAnchorRect(cfg.X, cfg.Y, 1, 1); err != nil {
		positioner.Destroy()
		return nil, fmt.Errorf("shell: positioner anchor rect: %w", err)
	}

	wl, err := compositor.CreateSurface()
	if err != nil {
		positioner.Destroy()
		return nil, fmt.Errorf("shell: wl_surface: %w", err)
	}
	xdg, err := wm.GetXdgSurface(wl)
	if err != nil {
		positioner.Destroy()
		wl.Destroy()
		return nil, fmt.Errorf("shell: xdg_surface: %w", err)
	}
	popup, err := xdg.GetPopup(parent, positioner)
	// The positioner is consumed by get_popup.
	positioner.Destroy()
	if err != nil {
		xdg.Destroy()
		wl.Destroy()
		return nil, fmt.Errorf("shell: xdg_popup: %w", err)
	}
	p := &Popup{wl: wl, xdg: xdg, popup: popup}

	popup.SetConfigureHandler(func(e xdg_shell.PopupConfigureEvent) {
		p.pendingW = uint32(e.Width)
		p.pendingH = uint32(e.Height)
	})
	popup.SetPopupDoneHandler(func(xdg_shell.PopupPopupDoneEvent) {
		if cfg.OnDone != nil {
			cfg.OnDone()
		}
	})
	xdg.SetConfigureHandler(func(e xdg_shell.SurfaceConfigureEvent) {
		if err := xdg.AckConfigure(e.Serial); err != nil {
			return
		}
		w, h := p.pendingW, p.pendingH
		if w == 0 {
			w = uint32(cfg.Width)
		}
		if h == 0 {
			h = uint32(cfg.Height)
		}
		if cfg.OnConfigure != nil {
			cfg.OnConfigure(w, h)
		}
	})

	if err := wl.Commit(); err != nil {
		p.Destroy()
		return nil, fmt.Errorf("shell: initial commit: %w", err)
	}
	return p, nil
}

// WlSurface returns the underlying wl_surface.
func (p *Popup) WlSurface() *client.Surface {
	return p.wl
}

// XdgSurface returns the xdg_surface, used to parent nested popups.
func (p *Popup) XdgSurface() *xdg_shell.Surface {
	return p.xdg
}

// Destroy tears the popup down.
func (p *Popup) Destroy() error {
	err := p.popup.Destroy()
	if e := p.xdg.Destroy(); err == nil {
		err = e
	}
	if e := p.wl.Destroy(); err == nil {
		err = e
	}
	return err
}
