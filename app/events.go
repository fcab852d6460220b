// SPDX-License-Identifier: Unlicense OR MIT

package app

import (
	"tideway.org/embedder"
	"tideway.org/wire"
)

// sendEvent delivers an embedder-originated message to the engine.
// The reply callback fires on an engine thread; the continuation is
// relayed so it runs on the platform goroutine, never in place.
func (s *Session) sendEvent(channel string, payload []byte, then func(reply []byte)) error {
	return s.engine.SendPlatformMessage(channel, payload, func(reply []byte) {
		// The engine may reuse the reply storage once the callback
		// returns.
		data := append([]byte(nil), reply...)
		s.relay.post(func() {
			if then != nil {
				then(data)
			}
		})
	})
}

// notifyToplevelClose tells the application the compositor asked the
// window to close. The application decides what follows, typically a
// remove request or a shutdown message.
func (s *Session) notifyToplevelClose(id embedder.ViewID) {
	w := wire.NewWriter()
	w.WriteInt64(int64(id))
	err := s.sendEvent(chanToplevelClose, w.Bytes(), func([]byte) {
		s.log.Debug("close event delivered", "view", id)
	})
	if err != nil {
		s.log.Warn("close event failed", "view", id, "err", err)
	}
}
