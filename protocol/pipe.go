package protocol

import (
	"context"
	"sync"
)

const pipeBuffer = 8

type pipeEnd struct {
	in     <-chan []byte
	out    chan<- []byte
	closed chan struct{}
	once   *sync.Once
}

// Pipe returns the two ends of an in-memory transport. Closing either end
// closes both; messages sent before the close can still be received.
func Pipe() (Transport, Transport) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	closed := make(chan struct{})
	once := &sync.Once{}
	return &pipeEnd{in: ba, out: ab, closed: closed, once: once},
		&pipeEnd{in: ab, out: ba, closed: closed, once: once}
}

func (p *pipeEnd) Send(ctx context.Context, msg []byte) error {
	select {
	case <-p.closed:
		return ErrTransportClosed
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.closed:
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return nil, ErrTransportClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close(notify bool) error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
