package netplay

import (
	"errors"
	"io"
	"sync"
)

// Conn is an ordered, reliable, message-framed link to one peer. Writes may be
// issued from several goroutines; reads come from a single goroutine.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// ErrClosed is returned by writes on a closed pipe.
var ErrClosed = errors.New("netplay: connection closed")

const pipeBacklog = 1024

type pipeShared struct {
	once sync.Once
	done chan struct{}
}

func (p *pipeShared) close() {
	p.once.Do(func() { close(p.done) })
}

type pipeEnd struct {
	shared *pipeShared
	in     <-chan []byte
	out    chan<- []byte
}

// Pipe returns two connected in-memory endpoints. Closing either end closes
// both; messages already queued can still be read.
func Pipe() (Conn, Conn) {
	shared := &pipeShared{done: make(chan struct{})}
	ab := make(chan []byte, pipeBacklog)
	ba := make(chan []byte, pipeBacklog)
	return &pipeEnd{shared: shared, in: ba, out: ab}, &pipeEnd{shared: shared, in: ab, out: ba}
}

func (p *pipeEnd) ReadMessage() ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	default:
	}
	select {
	case data := <-p.in:
		return data, nil
	case <-p.shared.done:
		return nil, io.EOF
	}
}

func (p *pipeEnd) WriteMessage(data []byte) error {
	select {
	case <-p.shared.done:
		return ErrClosed
	default:
	}
	msg := append([]byte(nil), data...)
	select {
	case p.out <- msg:
		return nil
	case <-p.shared.done:
		return ErrClosed
	}
}

func (p *pipeEnd) Close() error {
	p.shared.close()
	return nil
}
