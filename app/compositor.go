// SPDX-License-Identifier: Unlicense OR MIT

package app

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"unsafe"

	"github.com/charmbracelet/log"

	"tideway.org/embedder"
	"tideway.org/shell"
)

// wl_shm format codes (drm fourcc; ARGB and XRGB predate fourcc and
// are 0 and 1).
const (
	wlFormatARGB8888 uint32 = 0
	wlFormatXRGB8888 uint32 = 1
	wlFormatRGBA8888 uint32 = 0x34324152 // 'RA24'
	wlFormatBGRA8888 uint32 = 0x34324142 // 'BA24'
	wlFormatRGBX8888 uint32 = 0x34325852 // 'RX24'
	wlFormatRGBA4444 uint32 = 0x32314152 // 'RA12'
	wlFormatRGB565   uint32 = 0x36314752 // 'RG16'
)

// wireFormat is the session-wide pixel format contract: what the
// engine renders, which wl_shm format carries it, and whether the
// damage copy must reorder channels on the way.
type wireFormat struct {
	engine  embedder.PixelFormat
	wl      uint32
	swizzle bool
}

// formatPreference orders the candidates best first. Direct matches
// beat reduced precision, and the channel-reordering fallback over the
// always-available ARGB8888 comes last.
var formatPreference = []wireFormat{
	{embedder.FormatRGBA8888, wlFormatRGBA8888, false},
	{embedder.FormatBGRA8888, wlFormatBGRA8888, false},
	{embedder.FormatRGBA4444, wlFormatRGBA4444, false},
	{embedder.FormatRGBX8888, wlFormatRGBX8888, false},
	{embedder.FormatRGB565, wlFormatRGB565, false},
	{embedder.FormatRGBA8888, wlFormatARGB8888, true},
}

// chooseFormat picks the session pixel format from the formats the
// compositor advertised. The choice is fixed for the session.
func chooseFormat(supported map[uint32]bool, logger *log.Logger) (wireFormat, error) {
	for i, f := range formatPreference {
		if !supported[f.wl] {
			continue
		}
		if i > 0 {
			logger.Warn("preferred pixel format unavailable",
				"fallback", fmt.Sprintf("%#x", f.wl),
				"swizzle", f.swizzle)
		}
		return f, nil
	}
	return wireFormat{}, errors.New("app: compositor advertises no usable wl_shm format")
}

// Present rejections. All are recoverable at the granularity of one
// present call; the session stays up.
var (
	errLayerCount        = errors.New("app: present expects exactly one layer")
	errPlatformViewLayer = errors.New("app: platform view layers are not supported")
	errNonZeroOffset     = errors.New("app: layer offset must be zero")
	errFormatMismatch    = errors.New("app: backing store pixel format does not match the session format")
	errFractionalDamage  = errors.New("app: damage rectangle has non-integral coordinates")
	errUnknownAllocation = errors.New("app: allocation is not registered")
	errUnknownView       = errors.New("app: view is not registered")
)

// allocation is a live engine render target, correlated with the
// engine's callbacks by the base address of bytes.
type allocation struct {
	bytes    []byte
	rowBytes int
	height   int
	// release tears down the paired transport buffer. Nil under test.
	release func()
}

func (a *allocation) key() uintptr {
	return uintptr(unsafe.Pointer(&a.bytes[0]))
}

// bridge implements the engine's software compositing contract. Its
// methods run inline on engine threads: they only touch the allocation
// map under its mutex and hand everything else to the injected alloc
// and submit functions.
type bridge struct {
	log    *log.Logger
	format wireFormat
	views  *shell.Registry

	alloc  func(config embedder.BackingStoreConfig) (*allocation, error)
	submit func(view *shell.View, a *allocation, damage []embedder.Rect) error

	mu     sync.Mutex
	allocs map[uintptr]*allocation
}

func newBridge(
	format wireFormat,
	views *shell.Registry,
	logger *log.Logger,
	alloc func(config embedder.BackingStoreConfig) (*allocation, error),
	submit func(view *shell.View, a *allocation, damage []embedder.Rect) error,
) *bridge {
	return &bridge{
		log:    logger,
		format: format,
		views:  views,
		alloc:  alloc,
		submit: submit,
		allocs: make(map[uintptr]*allocation),
	}
}

// CreateBackingStore hands the engine a fresh render target. An
// allocation failure is returned for the engine to retry on a later
// frame.
func (b *bridge) CreateBackingStore(config embedder.BackingStoreConfig) (*embedder.BackingStore, error) {
	a, err := b.alloc(config)
	if err != nil {
		b.log.Warn("backing store allocation failed",
			"width", config.Size.Width, "height", config.Size.Height, "err", err)
		return nil, err
	}
	b.mu.Lock()
	b.allocs[a.key()] = a
	b.mu.Unlock()
	return &embedder.BackingStore{
		Allocation: a.bytes,
		RowBytes:   a.rowBytes,
		Height:     a.height,
		Format:     b.format.engine,
	}, nil
}

// CollectBackingStore releases a store previously dispensed by
// CreateBackingStore. Each allocation is collected exactly once;
// anything else is an engine protocol violation.
func (b *bridge) CollectBackingStore(store *embedder.BackingStore) error {
	if len(store.Allocation) == 0 {
		return errUnknownAllocation
	}
	key := uintptr(unsafe.Pointer(&store.Allocation[0]))
	b.mu.Lock()
	a, ok := b.allocs[key]
	if ok {
		delete(b.allocs, key)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %#x", errUnknownAllocation, key)
	}
	if a.release != nil {
		a.release()
	}
	return nil
}

// PresentView validates a composited frame and submits it to the
// view's surface. Every check runs before any state changes, so a
// rejected present leaves the registry and the allocation map exactly
// as they were.
func (b *bridge) PresentView(view embedder.ViewID, layers []embedder.Layer) error {
	if len(layers) != 1 {
		return fmt.Errorf("%w: got %d", errLayerCount, len(layers))
	}
	layer := layers[0]
	content, ok := layer.Content.(embedder.BackingStoreContent)
	if !ok {
		return errPlatformViewLayer
	}
	// The single layer covers the whole surface; a displaced one would
	// render at the wrong position.
	if layer.Offset != (embedder.Point{}) {
		return fmt.Errorf("%w: (%v,%v)", errNonZeroOffset, layer.Offset.X, layer.Offset.Y)
	}
	store := content.Store
	if store == nil || len(store.Allocation) == 0 {
		return errUnknownAllocation
	}
	if store.Format != b.format.engine {
		return fmt.Errorf("%w: store has %d, session uses %d",
			errFormatMismatch, store.Format, b.format.engine)
	}
	for _, r := range content.Damage {
		if !integralRect(r) {
			return fmt.Errorf("%w: (%v,%v)-(%v,%v)",
				errFractionalDamage, r.Left, r.Top, r.Right, r.Bottom)
		}
	}

	key := uintptr(unsafe.Pointer(&store.Allocation[0]))
	b.mu.Lock()
	a, ok := b.allocs[key]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %#x", errUnknownAllocation, key)
	}
	v, ok := b.views.Lookup(view)
	if !ok {
		return fmt.Errorf("%w: %d", errUnknownView, view)
	}
	return b.submit(v, a, content.Damage)
}

func integralRect(r embedder.Rect) bool {
	for _, v := range [...]float64{r.Left, r.Top, r.Right, r.Bottom} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
			return false
		}
	}
	return true
}

// copyDamage copies the damaged rows of src into dst. Both buffers
// share the stride and pixel size; an empty damage list means the full
// surface. With swizzle set, each pixel's RGBA bytes are reordered to
// ARGB for the fallback wl format.
func copyDamage(dst, src []byte, stride, bpp, width, height int, damage []embedder.Rect, swizzle bool) {
	if len(damage) == 0 {
		damage = []embedder.Rect{{Right: float64(width), Bottom: float64(height)}}
	}
	for _, r := range damage {
		x0 := clampInt(int(r.Left), 0, width)
		x1 := clampInt(int(r.Right), 0, width)
		y0 := clampInt(int(r.Top), 0, height)
		y1 := clampInt(int(r.Bottom), 0, height)
		if x1 <= x0 || y1 <= y0 {
			continue
		}
		n := (x1 - x0) * bpp
		for y := y0; y < y1; y++ {
			off := y*stride + x0*bpp
			row := src[off : off+n]
			out := dst[off : off+n]
			if !swizzle {
				copy(out, row)
				continue
			}
			for p := 0; p+4 <= n; p += 4 {
				out[p+0] = row[p+3]
				out[p+1] = row[p+0]
				out[p+2] = row[p+1]
				out[p+3] = row[p+2]
			}
		}
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
