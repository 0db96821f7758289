package netx

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"meshbank/internal/protocol"
)

// Inproc is a loopback fabric routing messages between addresses in one
// process. Handy for multi-site tests without sockets.
type Inproc struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	wg       sync.WaitGroup
}

func NewInproc() *Inproc {
	return &Inproc{handlers: make(map[string]Handler)}
}

// endpoint binds one address on the shared fabric.
type endpoint struct {
	fabric *Inproc
}

// Endpoint returns a Transport view of the fabric for one site.
func (f *Inproc) Endpoint() Transport { return &endpoint{fabric: f} }

func (e *endpoint) Listen(ctx context.Context, addr string, h Handler) error {
	e.fabric.mu.Lock()
	defer e.fabric.mu.Unlock()
	if _, taken := e.fabric.handlers[addr]; taken {
		return errors.Errorf("address in use: %s", addr)
	}
	e.fabric.handlers[addr] = h
	go func() {
		<-ctx.Done()
		e.fabric.mu.Lock()
		delete(e.fabric.handlers, addr)
		e.fabric.mu.Unlock()
	}()
	return nil
}

func (e *endpoint) Send(addr string, msg protocol.Message) error {
	e.fabric.mu.RLock()
	h, ok := e.fabric.handlers[addr]
	e.fabric.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrUnreachable, "%s", addr)
	}
	e.fabric.wg.Add(1)
	go func() {
		defer e.fabric.wg.Done()
		h(msg)
	}()
	return nil
}

func (e *endpoint) Close() error { return nil }

// Drop unbinds an address, simulating a site crash.
func (f *Inproc) Drop(addr string) {
	f.mu.Lock()
	delete(f.handlers, addr)
	f.mu.Unlock()
}

// Settle waits for all in-flight deliveries to be handed to handlers.
func (f *Inproc) Settle() { f.wg.Wait() }
