package cluster

import (
	log "github.com/sirupsen/logrus"

	"meshbank/internal/protocol"
)

// The wave (echo / PIF) protocol: a message rooted at an initiator
// reaches every site of the connected component exactly once along an
// implicit spanning tree, and one aggregated acknowledgment flows back up
// every edge. Per-initiator bookkeeping lives in the site state; each
// wave is independent.

// DiffuseTransaction starts a Transaction wave rooted at this site. The
// command layer calls it after the local append committed.
func (n *Node) DiffuseTransaction(tx protocol.TxRecord, intent string) {
	msg := n.newMessage(protocol.CodeTransaction)
	msg.Tx = &tx
	msg.Command = intent
	n.startWave(msg)
}

// startWave begins a self-rooted wave. With no connected neighbours the
// wave completes locally without any network round-trip.
func (n *Node) startWave(msg protocol.Message) {
	targets := n.st.WaveBegin(n.st.ID(), n.st.Addr(), msg.Code, "")
	if len(targets) == 0 {
		n.waveComplete(n.st.ID())
		return
	}
	for _, addr := range targets {
		if err := n.tr.Send(addr, msg); err != nil {
			log.Warnf("wave %s: %s unreachable, dropping edge: %v", msg.Code, addr, err)
			n.waveEdgeClosed(msg.InitiatorID, addr, nil)
		}
	}
}

// onWave handles the propagation half of the protocol for both wave
// codes. First contact adopts the sender as parent, processes the
// payload, and forwards; later contacts are answered immediately as
// duplicates.
func (n *Node) onWave(msg protocol.Message) {
	initiator := msg.InitiatorID

	if initiator == n.st.ID() {
		n.ackDuplicate(msg)
		return
	}

	parent := msg.SenderAddr
	n.st.MarkConnected(msg.SenderID, parent)
	targets, began := n.st.WaveBeginIfNew(initiator, msg.InitiatorAddr, msg.Code, parent)
	if !began {
		n.ackDuplicate(msg)
		return
	}

	// Process before forwarding. For snapshots the capture must precede
	// the forward so the cut excludes anything the subtree sends later.
	switch msg.Code {
	case protocol.CodeTransaction:
		if msg.Tx != nil {
			if err := n.cmds.Replay(*msg.Tx); err != nil {
				log.Errorf("replay %s from %s: %v", msg.Command, initiator, err)
			}
		}
	case protocol.CodeSnapshotRequest:
		n.st.WaveAddPayload(initiator, n.captureLocalSnapshot())
	}

	if len(targets) == 0 {
		// Leaf: answer the parent right away.
		n.waveComplete(initiator)
		return
	}

	fwd := msg
	fwd.SenderID = n.st.ID()
	fwd.SenderAddr = n.st.Addr()
	fwd.Clock = n.st.ClockSnapshot()
	for _, addr := range targets {
		if err := n.tr.Send(addr, fwd); err != nil {
			log.Warnf("wave %s: %s unreachable, dropping edge: %v", msg.Code, addr, err)
			n.waveEdgeClosed(initiator, addr, nil)
		}
	}
}

// ackDuplicate answers a wave heard through a second neighbour. The
// payload-free ack still closes that neighbour's edge.
func (n *Node) ackDuplicate(msg protocol.Message) {
	var ack protocol.Message
	switch msg.Code {
	case protocol.CodeSnapshotRequest:
		ack = n.newMessage(protocol.CodeSnapshotAck)
	default:
		ack = n.newMessage(protocol.CodeAcknowledgment)
	}
	ack.InitiatorID = msg.InitiatorID
	ack.InitiatorAddr = msg.InitiatorAddr
	ack.Ack = &protocol.WaveAck{Initiator: msg.InitiatorID, Duplicate: true}
	n.send(msg.SenderAddr, ack)
}

// waveEdgeClosed consumes one ack edge and finishes the wave when it was
// the last one.
func (n *Node) waveEdgeClosed(initiator, fromAddr string, snaps []protocol.SnapshotPayload) {
	if n.st.WaveRecordAck(initiator, fromAddr, snaps) {
		n.waveComplete(initiator)
	}
}

// waveComplete runs when every forwarded neighbour has answered: a rooted
// wave finishes locally, any other site sends its aggregate ack to the
// parent it first heard the wave from.
func (n *Node) waveComplete(initiator string) {
	w, ok := n.st.WaveTake(initiator)
	if !ok {
		return
	}

	if w.ParentAddr == "" {
		switch w.Code {
		case protocol.CodeSnapshotRequest:
			n.completeSnapshot(w.Snapshots)
		default:
			log.Debugf("wave %s rooted here terminated", w.Code)
		}
		return
	}

	var ack protocol.Message
	switch w.Code {
	case protocol.CodeSnapshotRequest:
		ack = n.newMessage(protocol.CodeSnapshotResponse)
		ack.Snapshots = w.Snapshots
	default:
		ack = n.newMessage(protocol.CodeAcknowledgment)
	}
	ack.InitiatorID = w.Initiator
	ack.InitiatorAddr = w.InitiatorAddr
	ack.Ack = &protocol.WaveAck{Initiator: w.Initiator}
	n.send(w.ParentAddr, ack)
}
