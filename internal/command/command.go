// Package command translates user intents into local ledger mutations and
// hands the resulting transaction to the diffusion layer. Transactions
// that arrive from the network go through Replay, which appends under the
// original key and never re-diffuses.
package command

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"meshbank/internal/protocol"
	"meshbank/internal/site"
	"meshbank/internal/store"
)

// Intent names travel in the message envelope as the replay hint.
const (
	IntentCreateUser = "create_user"
	IntentDeposit    = "deposit"
	IntentWithdraw   = "withdraw"
	IntentTransfer   = "transfer"
	IntentPay        = "pay"
	IntentRefund     = "refund"
)

// Diffuser propagates a committed transaction through the overlay. The
// cluster node implements it; tests plug a recorder in.
type Diffuser interface {
	DiffuseTransaction(tx protocol.TxRecord, intent string)
}

// NopDiffuser is used by single-site setups.
type NopDiffuser struct{}

func (NopDiffuser) DiffuseTransaction(protocol.TxRecord, string) {}

type Commands struct {
	st       *site.State
	db       *store.Store
	diffuser Diffuser
}

func New(st *site.State, db *store.Store, d Diffuser) *Commands {
	if d == nil {
		d = NopDiffuser{}
	}
	return &Commands{st: st, db: db, diffuser: d}
}

// CreateUser registers a user locally and announces it to the overlay as
// a zero-amount transaction so every replica learns the account.
func (c *Commands) CreateUser(name string) error {
	if err := c.db.CreateUser(name); err != nil {
		return err
	}
	tx := store.Transaction{FromUser: store.NullUser, ToUser: name, Amount: 0, OptionalMsg: "Account created"}
	return c.commit(tx, IntentCreateUser)
}

func (c *Commands) Deposit(name string, amount float64) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	tx := store.Transaction{FromUser: store.NullUser, ToUser: name, Amount: amount, OptionalMsg: "Deposit"}
	return c.commit(tx, IntentDeposit)
}

func (c *Commands) Withdraw(name string, amount float64) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	tx := store.Transaction{FromUser: name, ToUser: store.NullUser, Amount: amount, OptionalMsg: "Withdraw"}
	return c.commit(tx, IntentWithdraw)
}

func (c *Commands) Transfer(from, to string, amount float64) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	if from == to {
		return errors.Wrap(store.ErrInvalidInput, "transfer to self")
	}
	tx := store.Transaction{FromUser: from, ToUser: to, Amount: amount}
	return c.commit(tx, IntentTransfer)
}

// Pay sends money to the outside world.
func (c *Commands) Pay(from string, amount float64) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	tx := store.Transaction{FromUser: from, ToUser: store.NullUser, Amount: amount}
	return c.commit(tx, IntentPay)
}

// Refund appends the inverse of an existing transaction as a fresh event
// under the current clock. The original row is never touched.
func (c *Commands) Refund(lamportTime int64, sourceNode string) error {
	orig, err := c.db.GetTx(lamportTime, sourceNode)
	if err != nil {
		return err
	}
	if orig == nil {
		return errors.Wrapf(store.ErrInvalidInput, "no transaction at (%d, %s)", lamportTime, sourceNode)
	}
	tx := store.Transaction{
		FromUser:    orig.ToUser,
		ToUser:      orig.FromUser,
		Amount:      orig.Amount,
		OptionalMsg: "Refund",
	}
	return c.commit(tx, IntentRefund)
}

// Replay applies a transaction received from the network. Duplicates are
// swallowed: the replica already has the row.
func (c *Commands) Replay(wire protocol.TxRecord) error {
	tx := store.Transaction{
		FromUser:    wire.FromUser,
		ToUser:      wire.ToUser,
		Amount:      wire.Amount,
		LamportTime: wire.LamportTime,
		SourceNode:  wire.SourceNode,
		OptionalMsg: wire.OptionalMsg,
	}
	err := c.db.AppendTx(tx)
	if errors.Is(err, store.ErrDuplicateKey) {
		log.Debugf("replayed known transaction (%d, %s)", tx.LamportTime, tx.SourceNode)
		return nil
	}
	return err
}

// commit funds-checks, stamps, appends and diffuses. Transactions that
// arrive from the network take the Replay path instead and never come
// through here.
func (c *Commands) commit(tx store.Transaction, intent string) error {
	if tx.FromUser != store.NullUser {
		short, err := c.db.InsufficientFunds(tx.FromUser, tx.Amount)
		if err != nil {
			return err
		}
		if short {
			return errors.Wrapf(store.ErrInsufficientFunds, "%s cannot cover %.2f", tx.FromUser, tx.Amount)
		}
	}

	lt, _ := c.st.Tick()
	tx.LamportTime = lt
	tx.SourceNode = c.st.ID()

	if err := c.db.AppendTx(tx); err != nil {
		return err
	}

	c.diffuser.DiffuseTransaction(protocol.TxRecord{
		FromUser:    tx.FromUser,
		ToUser:      tx.ToUser,
		Amount:      tx.Amount,
		LamportTime: tx.LamportTime,
		SourceNode:  tx.SourceNode,
		OptionalMsg: tx.OptionalMsg,
	}, intent)
	return nil
}

func validateAmount(amount float64) error {
	if amount < 0 {
		return errors.Wrapf(store.ErrInvalidInput, "negative amount %v", amount)
	}
	return nil
}
