package message

import (
	"io"
	"sync"
)

type (
	// Message is one inbound WebSocket message: a binary/text flag plus a
	// lazy, finite sequence of body chunks. The producer side (the
	// connection's read loop) appends chunks as frames arrive; the consumer
	// streams them through Next or Read. A Message must be consumed before
	// the connection's next receive.
	Message struct {
		binary bool

		chunks chan []byte
		failq  chan struct{}
		err    error

		endOnce  sync.Once
		failOnce sync.Once

		// partially consumed chunk for Read
		leftover []byte
	}
)

// New create a message. The chunk channel carries one pending chunk; a
// producer pushing the next one blocks until the consumer catches up.
func New(binary bool) *Message {
	return &Message{
		binary: binary,
		chunks: make(chan []byte, 1),
		failq:  make(chan struct{}),
	}
}

// IsBinary reports whether the message was opened by a binary frame.
func (m *Message) IsBinary() bool {
	return m.binary
}

// Push hand a body chunk to the consumer, blocking until it is accepted.
// Returns the failure error if the message failed while waiting.
func (m *Message) Push(chunk []byte) error {
	select {
	case m.chunks <- chunk:
		return nil
	case <-m.failq:
		return m.err
	}
}

// End mark the body complete. The consumer sees io.EOF after draining.
func (m *Message) End() {
	m.endOnce.Do(func() {
		close(m.chunks)
	})
}

// Fail abort the body with err; blocked producers and consumers are
// released. End and Fail are both idempotent.
func (m *Message) Fail(err error) {
	m.failOnce.Do(func() {
		m.err = err
		close(m.failq)
	})
}

// Next return the next body chunk, io.EOF after the final one, or the
// failure error if the message was aborted.
func (m *Message) Next() ([]byte, error) {
	select {
	case chunk, ok := <-m.chunks:
		if !ok {
			return nil, io.EOF
		}
		return chunk, nil
	case <-m.failq:
		return nil, m.err
	}
}

// Read implements io.Reader over the body chunks.
func (m *Message) Read(p []byte) (n int, err error) {
	for len(m.leftover) == 0 {
		if m.leftover, err = m.Next(); err != nil {
			return 0, err
		}
	}
	n = copy(p, m.leftover)
	m.leftover = m.leftover[n:]
	return
}

// ReadAll drain the whole body into one slice.
func (m *Message) ReadAll() (b []byte, err error) {
	var chunk []byte
	for {
		if chunk, err = m.Next(); err != nil {
			if err == io.EOF {
				err = nil
			}
			return
		}
		b = append(b, chunk...)
	}
}
