// SPDX-License-Identifier: Unlicense OR MIT

package app

import (
	"errors"
	"fmt"
	"strings"

	"tideway.org/embedder"
	"tideway.org/shell"
	"tideway.org/wire"
)

// Embedder-bound platform message channels. The table is closed; a
// channel either matches exactly or the message is unhandled.
const (
	chanCreateToplevel     = "tideway/create_xdg_toplevel"
	chanUpdateToplevel     = "tideway/update_xdg_toplevel"
	chanRemoveToplevel     = "tideway/remove_xdg_toplevel"
	chanCreatePopup        = "tideway/create_xdg_popup"
	chanRemovePopup        = "tideway/remove_xdg_popup"
	chanSetSizeConstraints = "tideway/set_size_constraints"
	chanGracefulShutdown   = "tideway/graceful_shutdown"
	chanLayerCreate        = "wayland/wlr_layer/create"
	chanLayerUpdate        = "wayland/wlr_layer/update"
	chanLayerRemove        = "wayland/wlr_layer/remove"
)

// chanToplevelClose is the engine-bound event sent when the compositor
// asks a toplevel to close.
const chanToplevelClose = "tideway/xdg_toplevel/close"

var errUnknownChannel = errors.New("app: unknown platform channel")

// surfaceFactory creates the platform surfaces behind view-creation
// requests. The session supplies the transport-backed implementation;
// tests substitute their own.
type surfaceFactory interface {
	NewToplevel(cfg shell.ToplevelConfig) (shell.Role, error)
	NewPopup(parent *shell.View, cfg shell.PopupConfig) (shell.Role, error)
	NewLayer(cfg shell.LayerConfig) (shell.Role, error)
}

// Role capabilities the message table needs beyond the base Role.
type toplevelRole interface {
	Update(title, appID string) error
	SetSizeHints(c *shell.Constraints) error
}

type layerRole interface {
	Update(width, height, anchor uint32) error
}

// handlePlatformMessage runs on the platform goroutine. Whatever the
// outcome, exactly one reply goes back: the engine holds per-call
// memory until it arrives, so failures answer empty rather than not at
// all.
func (s *Session) handlePlatformMessage(channel string, payload []byte, response *embedder.PlatformMessageResponse) {
	reply, err := s.dispatchMessage(channel, payload)
	switch {
	case err == nil:
	case errors.Is(err, errUnknownChannel):
		// The engine multiplexes its own traffic over channels with
		// its reserved prefix; that is expected, not reportable.
		if !strings.HasPrefix(channel, embedder.InternalChannelPrefix) {
			s.log.Debug("unhandled platform channel", "channel", channel)
		}
	default:
		s.log.Warn("platform message failed", "channel", channel, "err", err)
	}
	if err := response.Send(reply); err != nil {
		s.log.Error("platform message reply dropped", "channel", channel, "err", err)
	}
}

func (s *Session) dispatchMessage(channel string, payload []byte) ([]byte, error) {
	r := wire.NewReader(payload)
	switch channel {
	case chanCreateToplevel:
		title, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		appID, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		if err := r.Finish(); err != nil {
			return nil, err
		}
		return s.createToplevel(title, appID)

	case chanUpdateToplevel:
		id, err := r.ReadInt64()
		if err != nil {
			return nil, err
		}
		title, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		appID, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		if err := r.Finish(); err != nil {
			return nil, err
		}
		return nil, s.updateToplevel(embedder.ViewID(id), title, appID)

	case chanRemoveToplevel, chanRemovePopup, chanLayerRemove:
		id, err := r.ReadInt64()
		if err != nil {
			return nil, err
		}
		if err := r.Finish(); err != nil {
			return nil, err
		}
		return nil, s.beginRemove(embedder.ViewID(id))

	case chanCreatePopup:
		parent, err := r.ReadInt64()
		if err != nil {
			return nil, err
		}
		var coords [4]int32
		for i := range coords {
			if coords[i], err = r.ReadInt32(); err != nil {
				return nil, err
			}
		}
		if err := r.Finish(); err != nil {
			return nil, err
		}
		return s.createPopup(embedder.ViewID(parent), coords[0], coords[1], coords[2], coords[3])

	case chanSetSizeConstraints:
		id, err := r.ReadInt64()
		if err != nil {
			return nil, err
		}
		bounds, err := r.ReadFloat64Array(4)
		if err != nil {
			return nil, err
		}
		if err := r.Finish(); err != nil {
			return nil, err
		}
		return nil, s.setSizeConstraints(embedder.ViewID(id), &shell.Constraints{
			MinWidth:  bounds[0],
			MinHeight: bounds[1],
			MaxWidth:  bounds[2],
			MaxHeight: bounds[3],
		})

	case chanGracefulShutdown:
		if err := r.Finish(); err != nil {
			return nil, err
		}
		s.stop()
		return nil, nil

	case chanLayerCreate:
		layer, err := r.ReadUint8()
		if err != nil {
			return nil, err
		}
		namespace, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		if err := r.Finish(); err != nil {
			return nil, err
		}
		return s.createLayer(uint32(layer), namespace)

	case chanLayerUpdate:
		id, err := r.ReadInt64()
		if err != nil {
			return nil, err
		}
		width, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		height, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		anchor, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		if err := r.Finish(); err != nil {
			return nil, err
		}
		return nil, s.updateLayer(embedder.ViewID(id), width, height, anchor)

	default:
		return nil, fmt.Errorf("%w: %q", errUnknownChannel, channel)
	}
}

func viewIDReply(id embedder.ViewID) []byte {
	w := wire.NewWriter()
	w.WriteInt64(int64(id))
	return w.Bytes()
}

func (s *Session) createToplevel(title, appID string) ([]byte, error) {
	id := s.views.Allocate()
	role, err := s.surfaces.NewToplevel(shell.ToplevelConfig{
		Title:         title,
		AppID:         appID,
		DefaultWidth:  s.cfg.DefaultWidth,
		DefaultHeight: s.cfg.DefaultHeight,
		OnConfigure:   s.configureFunc(id),
		OnClose: func() {
			s.relay.post(func() { s.notifyToplevelClose(id) })
		},
	})
	if err != nil {
		return nil, fmt.Errorf("app: create toplevel: %w", err)
	}
	v := &shell.View{ID: id, Role: role, State: shell.NewState(id, s.currentScale())}
	if err := s.views.Insert(v); err != nil {
		role.Destroy()
		return nil, err
	}
	s.log.Debug("toplevel created", "view", id, "title", title, "app_id", appID)
	return viewIDReply(id), nil
}

func (s *Session) updateToplevel(id embedder.ViewID, title, appID string) error {
	v, ok := s.views.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %d", errUnknownView, id)
	}
	tl, ok := v.Role.(toplevelRole)
	if !ok {
		return fmt.Errorf("app: view %d is not a toplevel", id)
	}
	return tl.Update(title, appID)
}

func (s *Session) createPopup(parent embedder.ViewID, x, y, width, height int32) ([]byte, error) {
	pv, ok := s.views.Lookup(parent)
	if !ok {
		return nil, fmt.Errorf("%w: parent %d", errUnknownView, parent)
	}
	id := s.views.Allocate()
	role, err := s.surfaces.NewPopup(pv, shell.PopupConfig{
		X:           x,
		Y:           y,
		Width:       width,
		Height:      height,
		OnConfigure: s.configureFunc(id),
		OnDone: func() {
			s.relay.post(func() {
				if err := s.beginRemove(id); err != nil {
					s.log.Debug("popup dismissal", "view", id, "err", err)
				}
			})
		},
	})
	if err != nil {
		return nil, fmt.Errorf("app: create popup: %w", err)
	}
	v := &shell.View{ID: id, Role: role, State: shell.NewState(id, s.currentScale())}
	if err := s.views.Insert(v); err != nil {
		role.Destroy()
		return nil, err
	}
	s.log.Debug("popup created", "view", id, "parent", parent)
	return viewIDReply(id), nil
}

func (s *Session) createLayer(layer uint32, namespace string) ([]byte, error) {
	id := s.views.Allocate()
	role, err := s.surfaces.NewLayer(shell.LayerConfig{
		Layer:       layer,
		Namespace:   namespace,
		OnConfigure: s.configureFunc(id),
		OnClosed: func() {
			s.relay.post(func() {
				if err := s.beginRemove(id); err != nil {
					s.log.Debug("layer surface closed", "view", id, "err", err)
				}
			})
		},
	})
	if err != nil {
		return nil, fmt.Errorf("app: create layer surface: %w", err)
	}
	v := &shell.View{ID: id, Role: role, State: shell.NewState(id, s.currentScale())}
	if err := s.views.Insert(v); err != nil {
		role.Destroy()
		return nil, err
	}
	s.log.Debug("layer surface created", "view", id, "namespace", namespace, "layer", layer)
	return viewIDReply(id), nil
}

func (s *Session) updateLayer(id embedder.ViewID, width, height, anchor uint32) error {
	v, ok := s.views.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %d", errUnknownView, id)
	}
	ls, ok := v.Role.(layerRole)
	if !ok {
		return fmt.Errorf("app: view %d is not a layer surface", id)
	}
	return ls.Update(width, height, anchor)
}

func (s *Session) setSizeConstraints(id embedder.ViewID, c *shell.Constraints) error {
	v, ok := s.views.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %d", errUnknownView, id)
	}
	// Toplevels also tell the compositor, so interactive resizes stop
	// at the same bounds.
	if tl, ok := v.Role.(toplevelRole); ok {
		if err := tl.SetSizeHints(c); err != nil {
			return err
		}
	}
	return v.State.SetConstraints(c, s.engine)
}

// beginRemove asks the engine to detach the view. The registry entry
// stays until the engine confirms: a present racing the removal must
// still find the surface alive.
func (s *Session) beginRemove(id embedder.ViewID) error {
	if id == embedder.ImplicitViewID {
		return errors.New("app: the implicit view cannot be removed")
	}
	v, ok := s.views.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %d", errUnknownView, id)
	}
	if v.State.Removing.Swap(true) {
		// Removal already in flight.
		return nil
	}
	return s.engine.RemoveView(id, func(removed bool) {
		s.relay.post(func() { s.finishRemove(id, removed) })
	})
}

func (s *Session) finishRemove(id embedder.ViewID, removed bool) {
	if !removed {
		if v, ok := s.views.Lookup(id); ok {
			v.State.Removing.Store(false)
		}
		s.log.Warn("engine declined view removal", "view", id)
		return
	}
	v, ok := s.views.Remove(id)
	if !ok {
		return
	}
	if err := v.Role.Destroy(); err != nil {
		s.log.Warn("surface teardown failed", "view", id, "err", err)
	}
	// The destroyed surface's frame callback never fires; batons
	// parked behind it must not wait for it.
	s.flushBatons()
	s.log.Debug("view removed", "view", id)
}

// configureFunc builds the dispatch-goroutine callback that forwards a
// configure result to the platform goroutine.
func (s *Session) configureFunc(id embedder.ViewID) func(width, height uint32) {
	return func(width, height uint32) {
		s.relay.post(func() { s.applyConfigure(id, width, height) })
	}
}

// applyConfigure feeds a configure-resolved logical size into the
// view's negotiation state. A configure for a view that is gone or on
// its way out is stale traffic, not an error.
func (s *Session) applyConfigure(id embedder.ViewID, width, height uint32) {
	v, ok := s.views.Lookup(id)
	if !ok || v.State.Removing.Load() {
		return
	}
	size, err := v.State.Apply(width, height, s.engine)
	if err != nil {
		s.log.Warn("window metrics rejected", "view", id, "err", err)
		return
	}
	s.log.Debug("view configured", "view", id,
		"width", size.Width, "height", size.Height, "scale", v.State.Scale())
}
