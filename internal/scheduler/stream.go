package scheduler

import (
	"sync"
	"sync/atomic"
)

// stream is the bounded conduit between token production and one consumer.
// The buffer is the backpressure bound: a push onto a full buffer does not
// block the engine, it overflows and fails the request instead.
type stream struct {
	ch         chan string
	closeOnce  sync.Once
	overflowed atomic.Bool
}

func newStream(buffer int) *stream {
	return &stream{ch: make(chan string, buffer)}
}

// push forwards one token to the consumer. Returns ErrOverflow when the
// consumer has fallen a full buffer behind.
func (st *stream) push(tok string) error {
	select {
	case st.ch <- tok:
		return nil
	default:
		st.overflowed.Store(true)
		return ErrOverflow
	}
}

// close ends the stream. Safe to call more than once.
func (st *stream) close() {
	st.closeOnce.Do(func() { close(st.ch) })
}
