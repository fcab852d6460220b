// SPDX-License-Identifier: Unlicense OR MIT

package shell

import (
	"fmt"

	"github.com/rajveermalviya/go-wayland/wayland/client"

	"tideway.org/internal/proto/wlr_layer_shell"
)

// LayerConfig describes an anchored layer surface. Callbacks run on
// the dispatch goroutine.
type LayerConfig struct {
	// Layer is the zwlr_layer_shell_v1 layer (0 background … 3
	// overlay).
	Layer     uint32
	Namespace string

	// Width, Height of 0 let the compositor size the axis from the
	// anchors.
	Width  uint32
	Height uint32
	Anchor uint32

	OnConfigure func(width, height uint32)
	// OnClosed fires when the compositor retires the surface; it must
	// not be used afterwards.
	OnClosed func()
}

// Layer is a view realized as a zwlr layer surface.
type Layer struct {
	wl   *client.Surface
	surf *wlr_layer_shell.ZwlrLayerSurfaceV1
}

// NewLayer creates a layer surface on the given output (nil lets the
// compositor choose) and commits the initial state.
func NewLayer(compositor *client.Compositor, shell *wlr_layer_shell.ZwlrLayerShellV1, output *client.Output, cfg LayerConfig) (*Layer, error) {
	wl, err := compositor.CreateSurface()
	if err != nil {
		return nil, fmt.Errorf("shell: wl_surface: %w", err)
	}
	surf, err := shell.GetLayerSurface(wl, output, cfg.Layer, cfg.Namespace)
	if err != nil {
		wl.Destroy()
		return nil, fmt.Errorf("shell: layer surface: %w", err)
	}
	l := &Layer{wl: wl, surf: surf}

	if err := surf.SetSize(cfg.Width, cfg.Height); err != nil {
		l.Destroy()
		return nil, fmt.Errorf("shell: layer size: %w", err)
	}
	if cfg.Anchor != 0 {
		if err := surf.SetAnchor(cfg.Anchor); err != nil {
			l.Destroy()
			return nil, fmt.Errorf("shell: layer anchor: %w", err)
		}
	}

	surf.SetConfigureHandler(func(e wlr_layer_shell.ZwlrLayerSurfaceV1ConfigureEvent) {
		if err := surf.AckConfigure(e.Serial); err != nil {
			return
		}
		if cfg.OnConfigure != nil {
			cfg.OnConfigure(e.Width, e.Height)
		}
	})
	surf.SetClosedHandler(func(wlr_layer_shell.ZwlrLayerSurfaceV1ClosedEvent) {
		if cfg.OnClosed != nil {
			cfg.OnClosed()
		}
	})

	if err := wl.Commit(); err != nil {
		l.Destroy()
		return nil, fmt.Errorf("shell: initial commit: %w", err)
	}
	return l, nil
}

// WlSurface returns the underlying wl_surface.
func (l *Layer) WlSurface() *client.Surface {
	return l.wl
}

// Update changes the surface's requested size and anchors. Layer
// surface state is double-buffered, so the change is committed here
// and lands with the compositor's next configure.
func (l *Layer) Update(width, height, anchor uint32) error {
	if err := l.surf.SetSize(width, height); err != nil {
		return fmt.Errorf("shell: layer size: %w", err)
	}
	if err := l.surf.SetAnchor(anchor); err != nil {
		return fmt.Errorf("shell: layer anchor: %w", err)
	}
	if err := l.wl.Commit(); err != nil {
		return fmt.Errorf("shell: layer commit: %w", err)
	}
	return nil
}

// Destroy tears the layer surface down.
func (l *Layer) Destroy() error {
	err := l.surf.Destroy()
	if e := l.wl.Destroy(); err == nil {
		err = e
	}
	return err
}
