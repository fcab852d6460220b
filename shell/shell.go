// SPDX-License-Identifier: Unlicense OR MIT

// Package shell owns the platform surfaces a view can be realized as
// and the per-surface size negotiation against the engine. A view is
// exactly one of three compositor roles: an xdg_toplevel window, an
// xdg_popup, or a zwlr layer surface. The variant set is closed; code
// that needs role-specific behavior type-switches over it.
package shell

import (
	"github.com/rajveermalviya/go-wayland/wayland/client"

	"tideway.org/embedder"
)

// Role is the compositor-facing identity of a view. Toplevel, Popup
// and Layer are the only implementations; callers reach role-specific
// operations through capability assertions.
type Role interface {
	// WlSurface returns the underlying wl_surface.
	WlSurface() *client.Surface
	// Destroy tears the role down, wl_surface included.
	Destroy() error
}

// View ties an engine view identifier to its platform role and
// negotiation state.
type View struct {
	ID    embedder.ViewID
	Role  Role
	State *State
}
