package cluster

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"meshbank/internal/protocol"
	"meshbank/internal/snapshot"
)

// captureLocalSnapshot freezes this site's cut: the current vector clock
// and every transaction observed so far.
func (n *Node) captureLocalSnapshot() protocol.SnapshotPayload {
	c := n.st.ClockSnapshot()
	txs, err := n.db.ListTx()
	if err != nil {
		log.Errorf("snapshot capture: %v", err)
	}
	wire := make([]protocol.TxRecord, 0, len(txs))
	for _, t := range txs {
		wire = append(wire, protocol.TxRecord{
			FromUser:    t.FromUser,
			ToUser:      t.ToUser,
			Amount:      t.Amount,
			LamportTime: t.LamportTime,
			SourceNode:  t.SourceNode,
			OptionalMsg: t.OptionalMsg,
		})
	}
	return protocol.SnapshotPayload{SiteID: n.st.ID(), Vector: c.Vector, Txs: wire}
}

// StartSnapshot initiates a snapshot round in the given mode. The local
// cut is captured and registered before any request leaves the site, so
// the initiator's own snapshot is part of every consistency check.
func (n *Node) StartSnapshot(mode snapshot.Mode) error {
	if mode == snapshot.ModeNetwork {
		return errors.New("network mode is driven by an upstream parent, not initiated locally")
	}

	n.st.Tick()
	own := n.captureLocalSnapshot()
	expected := len(n.st.ConnectedNeighbours()) + 1

	n.mgrMu.Lock()
	n.mgr.Begin(mode, expected)
	gs := n.mgr.Push(snapshot.FromPayload(own))
	n.mgrMu.Unlock()

	if gs != nil {
		// No neighbours: the round closes without a network round-trip.
		return n.finishGlobal(gs, mode)
	}

	msg := n.newMessage(protocol.CodeSnapshotRequest)
	n.startWave(msg)
	return nil
}

// onSnapshotResponse consumes a payload-bearing wave ack: a child's own
// snapshot plus those of its subtree.
func (n *Node) onSnapshotResponse(msg protocol.Message) {
	initiator := msg.InitiatorID
	if msg.Ack != nil {
		initiator = msg.Ack.Initiator
	}

	if initiator == n.st.ID() {
		// Rooted here: the snapshots feed the manager, the edge closes
		// the wave.
		n.mgrMu.Lock()
		var gs *snapshot.GlobalSnapshot
		for _, p := range msg.Snapshots {
			if g := n.mgr.Push(snapshot.FromPayload(p)); g != nil {
				gs = g
			}
		}
		mode := n.mgr.Mode
		n.mgrMu.Unlock()

		if gs != nil {
			if err := n.finishGlobal(gs, mode); err != nil {
				log.Errorf("finish snapshot: %v", err)
			}
		}
		n.waveEdgeClosed(initiator, msg.SenderAddr, nil)
		return
	}

	// Intermediate site: aggregate for our own parent.
	n.waveEdgeClosed(initiator, msg.SenderAddr, msg.Snapshots)
}

// onSnapshotAck consumes the payload-free duplicate ack of a snapshot
// wave.
func (n *Node) onSnapshotAck(msg protocol.Message) {
	if msg.Ack == nil {
		return
	}
	n.waveEdgeClosed(msg.Ack.Initiator, msg.SenderAddr, nil)
}

// completeSnapshot runs at the initiator when the wave terminated. Any
// snapshots the manager has not seen yet (delivered with the closing
// edge) are pushed; if the expected count was never reached because a
// peer vanished mid-round, the manager closes with what arrived.
func (n *Node) completeSnapshot(leftover []protocol.SnapshotPayload) {
	n.mgrMu.Lock()
	var gs *snapshot.GlobalSnapshot
	for _, p := range leftover {
		if g := n.mgr.Push(snapshot.FromPayload(p)); g != nil {
			gs = g
		}
	}
	if gs == nil {
		gs = n.mgr.Finalize()
	}
	mode := n.mgr.Mode
	n.mgrMu.Unlock()

	if gs == nil {
		return
	}
	if err := n.finishGlobal(gs, mode); err != nil {
		log.Errorf("finish snapshot: %v", err)
	}
}

// finishGlobal applies the mode-specific outcome of a completed round.
func (n *Node) finishGlobal(gs *snapshot.GlobalSnapshot, mode snapshot.Mode) error {
	switch mode {
	case snapshot.ModeFile:
		path, err := gs.Persist(n.snapshotDir, n.st.ID())
		if err != nil {
			return err
		}
		n.mgrMu.Lock()
		n.mgr.LastPath = path
		n.mgrMu.Unlock()
		return nil

	case snapshot.ModeSync:
		// Catch up locally, then ship every lagging site its gap.
		if err := n.applyMissing(gs.Missing[n.st.ID()]); err != nil {
			return err
		}
		n.sendSyncMessages(gs)
		return nil

	default:
		return errors.Errorf("unexpected snapshot mode %q at initiator", mode)
	}
}

// applyMissing replays this site's gap from the global union. Appends are
// idempotent by primary key.
func (n *Node) applyMissing(missing snapshot.TxSet) error {
	for t := range missing {
		err := n.cmds.Replay(protocol.TxRecord{
			FromUser:    t.FromUser,
			ToUser:      t.ToUser,
			Amount:      float64(t.AmountInCent) / 100,
			LamportTime: t.LamportTime,
			SourceNode:  t.SourceNode,
			OptionalMsg: t.OptionalMsg,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// sendSyncMessages delivers each lagging site the transactions it lacks.
func (n *Node) sendSyncMessages(gs *snapshot.GlobalSnapshot) {
	peersByID := map[string]string{}
	for _, p := range n.st.Peers() {
		if p.Connected && p.ID != "" {
			peersByID[p.ID] = p.Addr
		}
	}

	for siteID, missing := range gs.Missing {
		if siteID == n.st.ID() || len(missing) == 0 {
			continue
		}
		addr, ok := peersByID[siteID]
		if !ok {
			log.Warnf("sync: no address for site %s", siteID)
			continue
		}
		msg := n.newMessage(protocol.CodeSync)
		for t := range missing {
			msg.Txs = append(msg.Txs, protocol.TxRecord{
				FromUser:    t.FromUser,
				ToUser:      t.ToUser,
				Amount:      float64(t.AmountInCent) / 100,
				LamportTime: t.LamportTime,
				SourceNode:  t.SourceNode,
				OptionalMsg: t.OptionalMsg,
			})
		}
		n.send(addr, msg)
	}
}

// onSync replays a catch-up batch. Known keys are skipped.
func (n *Node) onSync(msg protocol.Message) {
	log.Infof("sync batch of %d transactions from %s", len(msg.Txs), msg.SenderID)
	for _, tx := range msg.Txs {
		if err := n.cmds.Replay(tx); err != nil {
			log.Errorf("sync replay (%d, %s): %v", tx.LamportTime, tx.SourceNode, err)
		}
	}
}
