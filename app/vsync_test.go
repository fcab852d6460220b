// SPDX-License-Identifier: Unlicense OR MIT

package app

import (
	"testing"

	"tideway.org/embedder"
	"tideway.org/wire"
)

func newWaitingView(t *testing.T, s *Session) embedder.ViewID {
	t.Helper()
	w := wire.NewWriter()
	w.WriteString("t")
	w.WriteString("a")
	id := decodeViewID(t, send(t, s, chanCreateToplevel, w.Bytes()))
	v, ok := s.views.Lookup(id)
	if !ok {
		t.Fatal("view not registered")
	}
	v.State.FrameWaiting.Store(true)
	return id
}

func TestVsyncAnsweredImmediatelyWhenIdle(t *testing.T) {
	s, eng, _ := newTestSession()
	s.handleVsync(1)
	if len(eng.vsyncs) != 1 || eng.vsyncs[0] != 1 {
		t.Fatalf("vsyncs = %v", eng.vsyncs)
	}
}

func TestVsyncParkedBehindFrameCallback(t *testing.T) {
	s, eng, _ := newTestSession()
	id := newWaitingView(t, s)

	s.handleVsync(7)
	s.handleVsync(8)
	if len(eng.vsyncs) != 0 {
		t.Fatalf("batons answered while a frame callback is outstanding: %v", eng.vsyncs)
	}

	s.frameDone(id)
	if len(eng.vsyncs) != 2 || eng.vsyncs[0] != 7 || eng.vsyncs[1] != 8 {
		t.Fatalf("vsyncs = %v, want [7 8]", eng.vsyncs)
	}
	v, _ := s.views.Lookup(id)
	if v.State.FrameWaiting.Load() {
		t.Fatal("frame flag still set after frame callback")
	}

	// A second frame callback must not answer the same batons again.
	s.frameDone(id)
	if len(eng.vsyncs) != 2 {
		t.Fatalf("batons answered twice: %v", eng.vsyncs)
	}
}

func TestVsyncFlushedWhenWaitingViewRemoved(t *testing.T) {
	s, eng, _ := newTestSession()
	id := newWaitingView(t, s)

	s.handleVsync(3)
	if len(eng.vsyncs) != 0 {
		t.Fatalf("baton answered while a frame callback is outstanding: %v", eng.vsyncs)
	}

	// Removing the view destroys the surface; its frame callback can
	// never fire, so the parked baton must be released by the removal.
	w := wire.NewWriter()
	w.WriteInt64(int64(id))
	send(t, s, chanRemoveToplevel, w.Bytes())
	runRelay(s)

	if _, ok := s.views.Lookup(id); ok {
		t.Fatal("view still registered after removal")
	}
	if len(eng.vsyncs) != 1 || eng.vsyncs[0] != 3 {
		t.Fatalf("vsyncs = %v, want [3]", eng.vsyncs)
	}
}
