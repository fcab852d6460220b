// SPDX-License-Identifier: Unlicense OR MIT

package app

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/charmbracelet/log"

	"tideway.org/embedder"
	"tideway.org/shell"
)

type submitCall struct {
	view   embedder.ViewID
	a      *allocation
	damage []embedder.Rect
}

type bridgeFixture struct {
	b        *bridge
	views    *shell.Registry
	submits  []submitCall
	released int
}

func newBridgeFixture(t *testing.T, format wireFormat) *bridgeFixture {
	t.Helper()
	f := &bridgeFixture{views: shell.NewRegistry()}
	f.b = newBridge(format, f.views, log.New(io.Discard),
		func(config embedder.BackingStoreConfig) (*allocation, error) {
			stride := int(config.Size.Width) * format.engine.BytesPerPixel()
			return &allocation{
				bytes:    make([]byte, stride*int(config.Size.Height)),
				rowBytes: stride,
				height:   int(config.Size.Height),
				release:  func() { f.released++ },
			}, nil
		},
		func(v *shell.View, a *allocation, damage []embedder.Rect) error {
			f.submits = append(f.submits, submitCall{view: v.ID, a: a, damage: damage})
			return nil
		},
	)
	return f
}

func (f *bridgeFixture) addView(t *testing.T, id embedder.ViewID) {
	t.Helper()
	if err := f.views.Insert(&shell.View{ID: id, State: shell.NewState(id, 1.0)}); err != nil {
		t.Fatal(err)
	}
}

func rgbaFormat() wireFormat {
	return wireFormat{engine: embedder.FormatRGBA8888, wl: wlFormatRGBA8888}
}

func TestBackingStorePairing(t *testing.T) {
	f := newBridgeFixture(t, rgbaFormat())

	store, err := f.b.CreateBackingStore(embedder.BackingStoreConfig{
		Size: embedder.Size{Width: 16, Height: 16},
	})
	if err != nil {
		t.Fatal(err)
	}
	if store.RowBytes != 64 || store.Height != 16 || store.Format != embedder.FormatRGBA8888 {
		t.Fatalf("store = %+v", store)
	}

	if err := f.b.CollectBackingStore(store); err != nil {
		t.Fatalf("first collect: %v", err)
	}
	if f.released != 1 {
		t.Fatalf("release ran %d times", f.released)
	}
	// The same address must never be collectable twice.
	if err := f.b.CollectBackingStore(store); !errors.Is(err, errUnknownAllocation) {
		t.Fatalf("second collect = %v, want errUnknownAllocation", err)
	}
	if f.released != 1 {
		t.Fatalf("release ran %d times after double collect", f.released)
	}
}

func TestPresentHappyPath(t *testing.T) {
	f := newBridgeFixture(t, rgbaFormat())
	f.addView(t, 1)

	store, err := f.b.CreateBackingStore(embedder.BackingStoreConfig{
		Size: embedder.Size{Width: 8, Height: 8},
	})
	if err != nil {
		t.Fatal(err)
	}
	damage := []embedder.Rect{{Left: 0, Top: 0, Right: 4, Bottom: 4}}
	err = f.b.PresentView(1, []embedder.Layer{{
		Content: embedder.BackingStoreContent{Store: store, Damage: damage},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(f.submits) != 1 || f.submits[0].view != 1 {
		t.Fatalf("submits = %+v", f.submits)
	}
	// Present does not consume the allocation; collect does.
	if err := f.b.CollectBackingStore(store); err != nil {
		t.Fatal(err)
	}
}

func TestPresentRejections(t *testing.T) {
	f := newBridgeFixture(t, rgbaFormat())
	f.addView(t, 1)

	store, err := f.b.CreateBackingStore(embedder.BackingStoreConfig{
		Size: embedder.Size{Width: 8, Height: 8},
	})
	if err != nil {
		t.Fatal(err)
	}
	okLayer := embedder.Layer{Content: embedder.BackingStoreContent{Store: store}}

	mismatched := &embedder.BackingStore{
		Allocation: store.Allocation,
		RowBytes:   store.RowBytes,
		Height:     store.Height,
		Format:     embedder.FormatRGB565,
	}

	tests := []struct {
		name   string
		layers []embedder.Layer
		want   error
	}{
		{
			name:   "two layers",
			layers: []embedder.Layer{okLayer, okLayer},
			want:   errLayerCount,
		},
		{
			name:   "platform view layer",
			layers: []embedder.Layer{{Content: embedder.PlatformViewContent{ViewID: 3}}},
			want:   errPlatformViewLayer,
		},
		{
			name: "displaced layer",
			layers: []embedder.Layer{{
				Content: embedder.BackingStoreContent{Store: store},
				Offset:  embedder.Point{X: 4},
			}},
			want: errNonZeroOffset,
		},
		{
			name: "fractional damage",
			layers: []embedder.Layer{{Content: embedder.BackingStoreContent{
				Store:  store,
				Damage: []embedder.Rect{{Left: 10.5, Top: 0, Right: 12, Bottom: 2}},
			}}},
			want: errFractionalDamage,
		},
		{
			name:   "format mismatch",
			layers: []embedder.Layer{{Content: embedder.BackingStoreContent{Store: mismatched}}},
			want:   errFormatMismatch,
		},
		{
			name: "unregistered allocation",
			layers: []embedder.Layer{{Content: embedder.BackingStoreContent{
				Store: &embedder.BackingStore{
					Allocation: make([]byte, 64),
					RowBytes:   32,
					Height:     2,
					Format:     embedder.FormatRGBA8888,
				},
			}}},
			want: errUnknownAllocation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.b.PresentView(1, tt.layers); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if len(f.submits) != 0 {
				t.Fatal("rejected present reached submit")
			}
			// The allocation map must be untouched: the original store
			// still collects fine (checked once at the end).
		})
	}

	// Unknown view, after the store checks so it still exercises the
	// full validation order.
	err = f.b.PresentView(99, []embedder.Layer{okLayer})
	if !errors.Is(err, errUnknownView) {
		t.Fatalf("unknown view err = %v", err)
	}

	if err := f.b.CollectBackingStore(store); err != nil {
		t.Fatalf("allocation map was disturbed by rejected presents: %v", err)
	}
	if got := len(f.views.Views()); got != 1 {
		t.Fatalf("registry was disturbed: %d views", got)
	}
}

func TestCopyDamageRows(t *testing.T) {
	const w, h, bpp = 4, 4, 4
	stride := w * bpp
	src := make([]byte, stride*h)
	for i := range src {
		src[i] = byte(i)
	}
	dst := make([]byte, stride*h)

	copyDamage(dst, src, stride, bpp, w, h, []embedder.Rect{
		{Left: 1, Top: 1, Right: 3, Bottom: 3},
	}, false)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := y*stride + x*bpp
			inside := x >= 1 && x < 3 && y >= 1 && y < 3
			want := src[off : off+bpp]
			got := dst[off : off+bpp]
			if inside && !bytes.Equal(got, want) {
				t.Fatalf("pixel (%d,%d) not copied", x, y)
			}
			if !inside && !bytes.Equal(got, make([]byte, bpp)) {
				t.Fatalf("pixel (%d,%d) outside damage was written", x, y)
			}
		}
	}
}

func TestCopyDamageFullWhenEmpty(t *testing.T) {
	const w, h, bpp = 3, 2, 4
	stride := w * bpp
	src := make([]byte, stride*h)
	for i := range src {
		src[i] = byte(i + 1)
	}
	dst := make([]byte, stride*h)
	copyDamage(dst, src, stride, bpp, w, h, nil, false)
	if !bytes.Equal(dst, src) {
		t.Fatal("empty damage did not copy the full surface")
	}
}

func TestCopyDamageSwizzle(t *testing.T) {
	src := []byte{0x11, 0x22, 0x33, 0x44} // r g b a
	dst := make([]byte, 4)
	copyDamage(dst, src, 4, 4, 1, 1, nil, true)
	want := []byte{0x44, 0x11, 0x22, 0x33} // a r g b
	if !bytes.Equal(dst, want) {
		t.Fatalf("swizzled pixel = %x, want %x", dst, want)
	}
}

func TestChooseFormatPreference(t *testing.T) {
	logger := log.New(io.Discard)

	f, err := chooseFormat(map[uint32]bool{
		wlFormatARGB8888: true,
		wlFormatRGB565:   true,
		wlFormatRGBA8888: true,
	}, logger)
	if err != nil {
		t.Fatal(err)
	}
	if f.wl != wlFormatRGBA8888 || f.swizzle {
		t.Fatalf("format = %+v, want direct RGBA8888", f)
	}

	f, err = chooseFormat(map[uint32]bool{
		wlFormatARGB8888: true,
		wlFormatRGB565:   true,
	}, logger)
	if err != nil {
		t.Fatal(err)
	}
	if f.wl != wlFormatRGB565 {
		t.Fatalf("format = %+v, want RGB565 over the swizzle fallback", f)
	}

	f, err = chooseFormat(map[uint32]bool{wlFormatARGB8888: true}, logger)
	if err != nil {
		t.Fatal(err)
	}
	if f.wl != wlFormatARGB8888 || !f.swizzle || f.engine != embedder.FormatRGBA8888 {
		t.Fatalf("format = %+v, want swizzled ARGB8888", f)
	}

	if _, err := chooseFormat(map[uint32]bool{}, logger); err == nil {
		t.Fatal("empty format set accepted")
	}
}
