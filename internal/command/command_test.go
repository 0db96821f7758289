package command

import (
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshbank/internal/protocol"
	"meshbank/internal/site"
	"meshbank/internal/store"
)

type recordingDiffuser struct {
	txs     []protocol.TxRecord
	intents []string
}

func (r *recordingDiffuser) DiffuseTransaction(tx protocol.TxRecord, intent string) {
	r.txs = append(r.txs, tx)
	r.intents = append(r.intents, intent)
}

func setup(t *testing.T) (*Commands, *store.Store, *recordingDiffuser) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "meshbank.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := site.NewState("A", "127.0.0.1:8000")
	rec := &recordingDiffuser{}
	return New(st, db, rec), db, rec
}

func TestCreateUserAndDeposit(t *testing.T) {
	// Single site: create alice, deposit 10.00.
	c, db, rec := setup(t)

	require.NoError(t, c.CreateUser("alice"))
	require.NoError(t, c.Deposit("alice", 10.00))

	balance, err := db.Balance("alice")
	require.NoError(t, err)
	assert.Equal(t, 10.00, balance)

	txs, err := db.ListTx()
	require.NoError(t, err)
	require.Len(t, txs, 2, "account marker + deposit")

	dep := txs[1]
	assert.Equal(t, store.NullUser, dep.FromUser)
	assert.Equal(t, "alice", dep.ToUser)
	assert.Equal(t, 10.00, dep.Amount)
	assert.Equal(t, "A", dep.SourceNode)

	require.Len(t, rec.intents, 2)
	assert.Equal(t, []string{IntentCreateUser, IntentDeposit}, rec.intents)
}

func TestDepositNegativeAmount(t *testing.T) {
	c, db, rec := setup(t)
	err := c.Deposit("alice", -1)
	assert.True(t, errors.Is(err, store.ErrInvalidInput))

	txs, _ := db.ListTx()
	assert.Empty(t, txs, "no state change on invalid input")
	assert.Empty(t, rec.txs, "no network emission on invalid input")
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	c, db, rec := setup(t)
	require.NoError(t, c.Deposit("alice", 5))
	rec.txs = nil

	err := c.Withdraw("alice", 10)
	assert.True(t, errors.Is(err, store.ErrInsufficientFunds))
	assert.Empty(t, rec.txs)

	balance, _ := db.Balance("alice")
	assert.Equal(t, 5.0, balance)
}

func TestTransfer(t *testing.T) {
	c, db, _ := setup(t)
	require.NoError(t, c.Deposit("alice", 10))
	require.NoError(t, c.Transfer("alice", "bob", 3.5))

	ab, _ := db.Balance("alice")
	bb, _ := db.Balance("bob")
	assert.Equal(t, 6.5, ab)
	assert.Equal(t, 3.5, bb)
}

func TestTransferToSelf(t *testing.T) {
	c, _, _ := setup(t)
	require.NoError(t, c.Deposit("alice", 10))
	err := c.Transfer("alice", "alice", 1)
	assert.True(t, errors.Is(err, store.ErrInvalidInput))
}

func TestPayGoesToOutsideWorld(t *testing.T) {
	c, db, _ := setup(t)
	require.NoError(t, c.Deposit("alice", 10))
	require.NoError(t, c.Pay("alice", 4))

	txs, err := db.ListTxForUser("alice")
	require.NoError(t, err)
	last := txs[len(txs)-1]
	assert.Equal(t, store.NullUser, last.ToUser)

	balance, _ := db.Balance("alice")
	assert.Equal(t, 6.0, balance)
}

func TestRefundRestoresBalances(t *testing.T) {
	c, db, rec := setup(t)
	require.NoError(t, c.Deposit("alice", 10))
	require.NoError(t, c.Transfer("alice", "bob", 5))

	before := map[string]float64{}
	for _, name := range []string{"alice", "bob"} {
		before[name], _ = db.Balance(name)
	}

	// Find the transfer's key and refund it.
	txs, _ := db.ListTx()
	var transfer store.Transaction
	for _, tx := range txs {
		if tx.FromUser == "alice" && tx.ToUser == "bob" {
			transfer = tx
		}
	}
	require.NotZero(t, transfer.LamportTime)
	rec.txs = nil
	require.NoError(t, c.Refund(transfer.LamportTime, transfer.SourceNode))

	ab, _ := db.Balance("alice")
	bb, _ := db.Balance("bob")
	assert.Equal(t, before["alice"]+5, ab)
	assert.Equal(t, before["bob"]-5, bb)

	// The original row is intact and the inverse is a fresh event.
	orig, err := db.GetTx(transfer.LamportTime, transfer.SourceNode)
	require.NoError(t, err)
	require.NotNil(t, orig)
	assert.Equal(t, 5.0, orig.Amount)

	require.Len(t, rec.txs, 1, "refund diffuses like any other intent")
	assert.Equal(t, "Refund", rec.txs[0].OptionalMsg)
	assert.Equal(t, "bob", rec.txs[0].FromUser)
	assert.Equal(t, "alice", rec.txs[0].ToUser)
}

func TestRefundUnknownTransaction(t *testing.T) {
	c, _, _ := setup(t)
	err := c.Refund(99, "Z")
	assert.True(t, errors.Is(err, store.ErrInvalidInput))
}

func TestReplayIsIdempotent(t *testing.T) {
	c, db, rec := setup(t)
	wire := protocol.TxRecord{FromUser: store.NullUser, ToUser: "alice", Amount: 7, LamportTime: 4, SourceNode: "B"}

	require.NoError(t, c.Replay(wire))
	require.NoError(t, c.Replay(wire), "replay of a known key succeeds silently")

	txs, _ := db.ListTx()
	assert.Len(t, txs, 1)
	assert.Empty(t, rec.txs, "replays never re-diffuse")
}

func TestLamportStrictlyIncreasesAcrossCommands(t *testing.T) {
	c, db, _ := setup(t)
	require.NoError(t, c.Deposit("alice", 1))
	require.NoError(t, c.Deposit("alice", 2))
	require.NoError(t, c.Deposit("alice", 3))

	txs, err := db.ListTx()
	require.NoError(t, err)
	require.Len(t, txs, 3)
	for i := 1; i < len(txs); i++ {
		assert.Greater(t, txs[i].LamportTime, txs[i-1].LamportTime)
	}
}
