// Package snapshot aggregates per-site snapshots into a global view of
// the ledger. Local snapshots are collected by a diffusion wave; if the
// resulting cut is inconsistent, the manager back-tracks to the largest
// consistent prefix by intersecting vector clocks.
package snapshot

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"meshbank/internal/protocol"
)

type Mode string

const (
	// ModeFile serialises the global snapshot to a JSON file.
	ModeFile Mode = "file"
	// ModeNetwork aggregates on behalf of an upstream parent.
	ModeNetwork Mode = "network"
	// ModeSync applies the missing transactions to the local log.
	ModeSync Mode = "sync"
)

// TxSummary is the transaction identity plus its amount in cents; it is
// comparable, so sets of summaries are plain map keys. OptionalMsg rides
// along so a transaction replayed from a snapshot keeps its marker; being
// a function of the primary key it never splits the dedup.
type TxSummary struct {
	LamportTime  int64  `json:"lamport_time"`
	SourceNode   string `json:"source_node"`
	FromUser     string `json:"from_user"`
	ToUser       string `json:"to_user"`
	AmountInCent int64  `json:"amount_in_cent"`
	OptionalMsg  string `json:"optional_msg,omitempty"`
}

// Summarize normalises a wire transaction for snapshot comparison.
func Summarize(t protocol.TxRecord) TxSummary {
	return TxSummary{
		LamportTime:  t.LamportTime,
		SourceNode:   t.SourceNode,
		FromUser:     t.FromUser,
		ToUser:       t.ToUser,
		AmountInCent: int64(math.Round(t.Amount * 100)),
		OptionalMsg:  t.OptionalMsg,
	}
}

type TxSet map[TxSummary]struct{}

func NewTxSet(txs ...TxSummary) TxSet {
	s := make(TxSet, len(txs))
	for _, t := range txs {
		s[t] = struct{}{}
	}
	return s
}

// LocalSnapshot is one site's cut: its vector clock and the transactions
// it had observed at that instant.
type LocalSnapshot struct {
	SiteID string
	Vector map[string]int64
	TxLog  TxSet
}

// FromPayload converts a wire snapshot into a local one.
func FromPayload(p protocol.SnapshotPayload) LocalSnapshot {
	set := make(TxSet, len(p.Txs))
	for _, t := range p.Txs {
		set[Summarize(t)] = struct{}{}
	}
	return LocalSnapshot{SiteID: p.SiteID, Vector: p.Vector, TxLog: set}
}

// GlobalSnapshot is the union of transactions across a consistent cut
// plus the per-site gaps.
type GlobalSnapshot struct {
	AllTransactions TxSet
	Missing         map[string]TxSet
}

// Consistent checks the cut: for every pair (i, j), snapshot i must not
// have observed more events from site j than j itself had emitted.
func Consistent(snaps []LocalSnapshot) bool {
	for _, si := range snaps {
		for _, sj := range snaps {
			cij, iHas := si.Vector[sj.SiteID]
			cjj, jHas := sj.Vector[sj.SiteID]
			if iHas && jHas && cij > cjj {
				return false
			}
		}
	}
	return true
}

// backtrack trims the cut to the largest consistent prefix: every vector
// column is clamped to the minimum observed for that site across all
// snapshots, and transactions beyond that horizon are dropped.
func backtrack(snaps []LocalSnapshot) []LocalSnapshot {
	vmin := map[string]int64{}
	for _, s := range snaps {
		for site, v := range s.Vector {
			if cur, ok := vmin[site]; !ok || v < cur {
				vmin[site] = v
			}
		}
	}

	trimmed := make([]LocalSnapshot, 0, len(snaps))
	for _, s := range snaps {
		vec := make(map[string]int64, len(s.Vector))
		for site, v := range s.Vector {
			if v > vmin[site] {
				v = vmin[site]
			}
			vec[site] = v
		}

		keep := TxSet{}
		for t := range s.TxLog {
			if t.LamportTime <= vmin[t.SourceNode] {
				keep[t] = struct{}{}
			}
		}
		trimmed = append(trimmed, LocalSnapshot{SiteID: s.SiteID, Vector: vec, TxLog: keep})
	}
	return trimmed
}

// build computes the union and the per-site missing sets. Sites missing
// nothing are omitted.
func build(snaps []LocalSnapshot) *GlobalSnapshot {
	union := TxSet{}
	for _, s := range snaps {
		for t := range s.TxLog {
			union[t] = struct{}{}
		}
	}

	missing := map[string]TxSet{}
	for _, s := range snaps {
		diff := TxSet{}
		for t := range union {
			if _, ok := s.TxLog[t]; !ok {
				diff[t] = struct{}{}
			}
		}
		if len(diff) > 0 {
			missing[s.SiteID] = diff
		}
	}
	return &GlobalSnapshot{AllTransactions: union, Missing: missing}
}

// Manager collects local snapshots for one initiated snapshot round. One
// instance per site; Begin resets it.
type Manager struct {
	Expected int
	Received []LocalSnapshot
	Mode     Mode
	LastPath string

	open bool
}

func NewManager() *Manager {
	return &Manager{Mode: ModeFile}
}

// Begin resets the manager for a new round.
func (m *Manager) Begin(mode Mode, expected int) {
	m.Mode = mode
	m.Expected = expected
	m.Received = m.Received[:0]
	m.open = true
}

// Push adds one local snapshot. When the expected count is reached it
// returns the global snapshot, back-tracking first if the cut is
// inconsistent. Pushes outside an open round are dropped.
func (m *Manager) Push(s LocalSnapshot) *GlobalSnapshot {
	if !m.open {
		log.Debugf("snapshot from %s ignored, no round open", s.SiteID)
		return nil
	}
	log.Debugf("snapshot from %s recorded (%d/%d)", s.SiteID, len(m.Received)+1, m.Expected)
	m.Received = append(m.Received, s)
	if len(m.Received) < m.Expected {
		return nil
	}
	return m.finish()
}

// Finalize closes the round with whatever arrived. Used when the wave
// completes early because a peer disconnected mid-collection.
func (m *Manager) Finalize() *GlobalSnapshot {
	if !m.open || len(m.Received) == 0 {
		return nil
	}
	if len(m.Received) < m.Expected {
		log.Warnf("snapshot round closed with %d/%d sites", len(m.Received), m.Expected)
	}
	return m.finish()
}

func (m *Manager) finish() *GlobalSnapshot {
	snaps := m.Received
	if !Consistent(snaps) {
		log.Info("inconsistent cut, back-tracking to the last consistent prefix")
		snaps = backtrack(snaps)
	}
	m.open = false
	return build(snaps)
}

// fileSnapshot is the serialised form: sets become sorted slices so the
// output is stable.
type fileSnapshot struct {
	AllTransactions []TxSummary            `json:"all_transactions"`
	Missing         map[string][]TxSummary `json:"missing"`
}

func sortedSummaries(set TxSet) []TxSummary {
	out := make([]TxSummary, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LamportTime != out[j].LamportTime {
			return out[i].LamportTime < out[j].LamportTime
		}
		return out[i].SourceNode < out[j].SourceNode
	})
	return out
}

// Persist writes the global snapshot as pretty JSON named
// snapshot_<site>_<YYYYMMDD_HHMMSS>.json and returns the path.
func (gs *GlobalSnapshot) Persist(dir, siteID string) (string, error) {
	out := fileSnapshot{
		AllTransactions: sortedSummaries(gs.AllTransactions),
		Missing:         map[string][]TxSummary{},
	}
	for site, set := range gs.Missing {
		out.Missing[site] = sortedSummaries(set)
	}

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "marshal snapshot")
	}

	name := "snapshot_" + siteID + "_" + time.Now().Format("20060102_150405") + ".json"
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", errors.Wrap(err, "write snapshot")
	}
	log.Infof("snapshot written to %s", path)
	return path, nil
}
