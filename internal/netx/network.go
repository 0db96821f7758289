package netx

import (
	"context"

	"github.com/pkg/errors"

	"meshbank/internal/protocol"
)

// ErrUnreachable marks a send that could not reach its peer. The diffusion
// layer treats such peers as momentarily absent; the error never propagates
// past the caller that chose the address.
var ErrUnreachable = errors.New("peer unreachable")

// Handler consumes one inbound message. TCP calls it on the connection's
// reader goroutine, Inproc on a goroutine per delivery; it must not block
// for long.
type Handler func(msg protocol.Message)

type Transport interface {
	Listen(ctx context.Context, addr string, h Handler) error
	Send(addr string, msg protocol.Message) error
	Close() error
}
