// Package cluster runs one site of the overlay: peer discovery over an
// address range, the wave diffusion protocol, and snapshot coordination.
// It owns no business logic; ledger mutations go through the command
// layer and all shared state lives in the site package.
package cluster

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"meshbank/internal/command"
	"meshbank/internal/netx"
	"meshbank/internal/protocol"
	"meshbank/internal/site"
	"meshbank/internal/snapshot"
	"meshbank/internal/store"
)

type Node struct {
	st *site.State
	db *store.Store
	tr netx.Transport

	cmds *command.Commands

	mgrMu sync.Mutex
	mgr   *snapshot.Manager

	snapshotDir string
}

func NewNode(st *site.State, db *store.Store, tr netx.Transport, snapshotDir string) *Node {
	return &Node{
		st:          st,
		db:          db,
		tr:          tr,
		mgr:         snapshot.NewManager(),
		snapshotDir: snapshotDir,
	}
}

// Bind wires the command layer in after construction; commands diffuse
// through the node and the node replays through commands.
func (n *Node) Bind(cmds *command.Commands) { n.cmds = cmds }

func (n *Node) State() *site.State { return n.st }

func (n *Node) Start(ctx context.Context) error {
	return n.tr.Listen(ctx, n.st.Addr(), n.handle)
}

// newMessage builds an envelope originating at this site. The clock is a
// detached copy; callers tick beforehand when the emission is an event.
func (n *Node) newMessage(code protocol.Code) protocol.Message {
	return protocol.Message{
		ID:            protocol.NewMessageID(),
		Code:          code,
		SenderID:      n.st.ID(),
		SenderAddr:    n.st.Addr(),
		InitiatorID:   n.st.ID(),
		InitiatorAddr: n.st.Addr(),
		Clock:         n.st.ClockSnapshot(),
	}
}

func (n *Node) send(addr string, msg protocol.Message) {
	if err := n.tr.Send(addr, msg); err != nil {
		log.Warnf("send %s to %s failed: %v", msg.Code, addr, err)
	}
}

// handle dispatches one inbound message: merge the clock, then route by
// code.
func (n *Node) handle(msg protocol.Message) {
	if msg.SenderID == n.st.ID() {
		return // self-probe during discovery
	}
	n.st.Observe(msg.Clock)

	switch msg.Code {
	case protocol.CodeDiscovery:
		n.onDiscovery(msg)
	case protocol.CodeAcknowledgment:
		n.onAcknowledgment(msg)
	case protocol.CodeTransaction, protocol.CodeSnapshotRequest:
		n.onWave(msg)
	case protocol.CodeSnapshotResponse:
		n.onSnapshotResponse(msg)
	case protocol.CodeSnapshotAck:
		n.onSnapshotAck(msg)
	case protocol.CodeSync:
		n.onSync(msg)
	case protocol.CodeDisconnect:
		n.onDisconnect(msg)
	case protocol.CodeError:
		log.Warnf("error message from %s: %s", msg.SenderID, msg.Command)
	default:
		log.Warnf("unknown message code %q from %s", msg.Code, msg.SenderID)
	}
}

// Disconnect announces departure to every connected neighbour. Peers
// evict this site on receipt.
func (n *Node) Disconnect() {
	neighbours := n.st.ConnectedNeighbours()
	if len(neighbours) == 0 {
		return
	}
	n.st.Tick()
	msg := n.newMessage(protocol.CodeDisconnect)
	for _, addr := range neighbours {
		n.send(addr, msg)
	}
	log.Infof("disconnect sent to %d neighbours", len(neighbours))
}

func (n *Node) onDisconnect(msg protocol.Message) {
	log.Infof("peer %s (%s) disconnected", msg.SenderID, msg.SenderAddr)
	for _, initiator := range n.st.PeerDown(msg.SenderAddr) {
		n.waveComplete(initiator)
	}
}

// Info is the operator-facing view of the node.
type Info struct {
	SiteID       string           `json:"site_id"`
	Addr         string           `json:"addr"`
	Peers        []site.Peer      `json:"peers"`
	Lamport      int64            `json:"lamport"`
	Vector       map[string]int64 `json:"vector"`
	LastSnapshot string           `json:"last_snapshot,omitempty"`
}

func (n *Node) Info() Info {
	c := n.st.ClockSnapshot()
	n.mgrMu.Lock()
	last := n.mgr.LastPath
	n.mgrMu.Unlock()
	return Info{
		SiteID:       n.st.ID(),
		Addr:         n.st.Addr(),
		Peers:        n.st.Peers(),
		Lamport:      c.Lamport,
		Vector:       c.Vector,
		LastSnapshot: last,
	}
}

func (n *Node) String() string {
	return fmt.Sprintf("site %s @ %s", n.st.ID(), n.st.Addr())
}
