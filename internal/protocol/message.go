package protocol

import (
	"meshbank/internal/clock"
)

type Code string

const (
	CodeDiscovery        Code = "DISCOVERY"
	CodeAcknowledgment   Code = "ACKNOWLEDGMENT"
	CodeTransaction      Code = "TRANSACTION"
	CodeSnapshotRequest  Code = "SNAPSHOT_REQUEST"
	CodeSnapshotResponse Code = "SNAPSHOT_RESPONSE"
	CodeSnapshotAck      Code = "SNAPSHOT_ACK"
	CodeSync             Code = "SYNC"
	CodeDisconnect       Code = "DISCONNECT"
	CodeError            Code = "ERROR"
)

// TxRecord is a transaction on the wire. (LamportTime, SourceNode) is the
// primary key everywhere.
type TxRecord struct {
	FromUser    string  `json:"from_user"`
	ToUser      string  `json:"to_user"`
	Amount      float64 `json:"amount"`
	LamportTime int64   `json:"lamport_time"`
	SourceNode  string  `json:"source_node"`
	OptionalMsg string  `json:"optional_msg,omitempty"`
}

// WaveAck closes one edge of a diffusion wave. Duplicate marks the ack a
// site returns when it already heard the wave through another neighbour.
type WaveAck struct {
	Initiator string `json:"initiator"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// SnapshotPayload is one site's local snapshot travelling up the spanning
// tree inside a SnapshotResponse.
type SnapshotPayload struct {
	SiteID string           `json:"site_id"`
	Vector map[string]int64 `json:"vector"`
	Txs    []TxRecord       `json:"txs"`
}

// Message is the single envelope every site exchanges. Initiator fields
// identify the wave root and survive forwarding untouched; sender fields
// are rewritten hop by hop.
type Message struct {
	ID            string      `json:"id"`
	Code          Code        `json:"code"`
	SenderID      string      `json:"sender_id"`
	SenderAddr    string      `json:"sender_addr"`
	InitiatorID   string      `json:"initiator_id"`
	InitiatorAddr string      `json:"initiator_addr"`
	Clock         clock.Clock `json:"clock"`

	// Variant payload, one of the below depending on Code.
	Tx        *TxRecord         `json:"tx,omitempty"`
	Txs       []TxRecord        `json:"txs,omitempty"`
	Ack       *WaveAck          `json:"ack,omitempty"`
	Snapshots []SnapshotPayload `json:"snapshots,omitempty"`

	// Command hints which user intent a Transaction wave replays locally.
	Command string `json:"command,omitempty"`
}

// IsWave reports whether a code propagates through the diffusion layer.
func (c Code) IsWave() bool {
	return c == CodeTransaction || c == CodeSnapshotRequest
}
