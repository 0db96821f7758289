package cluster

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"meshbank/internal/protocol"
)

// Announce probes every port of the configured range on the given host
// with a Discovery message. Sites that answer complete the handshake and
// land in the neighbour table; silent addresses are simply not running a
// site. Probes go out concurrently; failures are expected noise.
func (n *Node) Announce(host string, startPort, endPort uint16) {
	n.st.Tick()
	msg := n.newMessage(protocol.CodeDiscovery)

	var wg sync.WaitGroup
	for port := startPort; port <= endPort; port++ {
		addr := fmt.Sprintf("%s:%d", host, port)
		if addr == n.st.Addr() {
			continue
		}
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			_ = n.tr.Send(addr, msg)
		}(addr)
	}
	wg.Wait()
	log.Infof("announced on %s:%d-%d", host, startPort, endPort)
}

// AnnounceTo greets explicitly configured peers outside the scan range.
func (n *Node) AnnounceTo(addrs ...string) {
	if len(addrs) == 0 {
		return
	}
	n.st.Tick()
	msg := n.newMessage(protocol.CodeDiscovery)
	for _, addr := range addrs {
		if addr == "" || addr == n.st.Addr() {
			continue
		}
		n.st.AddPeer("", addr)
		if err := n.tr.Send(addr, msg); err != nil {
			log.Warnf("announce to %s failed: %v", addr, err)
		}
	}
}

// onDiscovery answers an announce: record the announcer as a connected
// neighbour and return an acknowledgment bearing our identity and clock.
func (n *Node) onDiscovery(msg protocol.Message) {
	log.Debugf("discovery from %s (%s)", msg.SenderID, msg.SenderAddr)
	n.st.MarkConnected(msg.SenderID, msg.SenderAddr)
	n.send(msg.SenderAddr, n.newMessage(protocol.CodeAcknowledgment))
}

// onAcknowledgment serves double duty: a bare ack completes the discovery
// handshake, an ack with wave info closes one edge of a Transaction wave.
func (n *Node) onAcknowledgment(msg protocol.Message) {
	if msg.Ack != nil {
		n.waveEdgeClosed(msg.Ack.Initiator, msg.SenderAddr, nil)
		return
	}
	log.Debugf("discovery ack from %s (%s)", msg.SenderID, msg.SenderAddr)
	n.st.MarkConnected(msg.SenderID, msg.SenderAddr)
}
