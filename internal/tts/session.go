package tts

import (
	"bytes"
	"sync"

	"github.com/gorilla/websocket"
)

// session is the state of one synthesis exchange. The reader goroutine is
// the only writer of buf; the result slot is set exactly once, by whichever
// of the reader or the waiting caller gets there first.
type session struct {
	buf    bytes.Buffer
	chunks int

	once  sync.Once
	done  chan struct{}
	audio []byte
	err   error
}

func newSession() *session {
	return &session{done: make(chan struct{})}
}

func (s *session) append(chunk []byte) {
	s.buf.Write(chunk)
	s.chunks++
}

// resolve stores the result and signals completion. Later calls are no-ops.
func (s *session) resolve(audio []byte, err error) {
	s.once.Do(func() {
		s.audio = audio
		s.err = err
		close(s.done)
	})
}

// complete resolves with the buffered audio, or EmptyResult if nothing arrived.
func (s *session) complete() {
	if s.buf.Len() == 0 {
		s.resolve(nil, newError(KindEmptyResult, "provider finished without audio", nil))
		return
	}
	s.resolve(s.buf.Bytes(), nil)
}

// closed handles a read error on the transport. Any audio received before
// the connection ended, cleanly or not, is the result; with none, a clean
// close is EmptyResult and a drop is ConnectionError.
func (s *session) closed(err error) {
	if s.buf.Len() > 0 {
		s.resolve(s.buf.Bytes(), nil)
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.resolve(nil, newError(KindEmptyResult, "connection closed before any audio", err))
		return
	}
	s.resolve(nil, newError(KindConnectionError, "connection dropped before any audio", err))
}

// result must only be called after done is closed.
func (s *session) result() ([]byte, error) {
	return s.audio, s.err
}
