package netx

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"meshbank/internal/protocol"
)

// TCP implements Transport with one reader goroutine per inbound
// connection and a fresh dial per outbound message. Every message is a
// standalone frame; the wave layer carries all correlation state.

type TCP struct {
	dialTimeout time.Duration

	mu sync.Mutex
	ln net.Listener
}

func NewTCP() *TCP {
	return &TCP{dialTimeout: 2 * time.Second}
}

func (t *TCP) Listen(ctx context.Context, addr string, h Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "bind %s", addr)
	}
	t.mu.Lock()
	t.ln = ln
	t.mu.Unlock()
	log.Infof("listening on %s", addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				log.Warnf("accept error: %v", err)
				continue
			}
			go t.readLoop(ctx, c, h)
		}
	}()
	return nil
}

func (t *TCP) readLoop(ctx context.Context, c net.Conn, h Handler) {
	defer c.Close()
	r := bufio.NewReader(c)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, err := Decode(r)
		if err != nil {
			if err != io.EOF {
				log.Debugf("read error from %s: %v", c.RemoteAddr(), err)
			}
			return
		}
		h(msg)
	}
}

func (t *TCP) Send(addr string, msg protocol.Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return errors.Wrap(err, "encode")
	}
	c, err := net.DialTimeout("tcp", addr, t.dialTimeout)
	if err != nil {
		return errors.Wrapf(ErrUnreachable, "%s: %v", addr, err)
	}
	defer c.Close()
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	if _, err := c.Write(frame); err != nil {
		return errors.Wrapf(ErrUnreachable, "%s: %v", addr, err)
	}
	return nil
}

func (t *TCP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln != nil {
		return t.ln.Close()
	}
	return nil
}
