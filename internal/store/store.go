// Package store is the persistence port: durable users and transactions
// keyed by (lamport_time, source_node), plus the site identity row used
// for restart recovery. Balances are a cached projection of the
// transaction log and are recomputed inside the same SQL transaction as
// every append.
package store

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"meshbank/internal/clock"
)

// NullUser is the sentinel account for the outside world: deposits come
// from it, withdrawals and payments go to it. It never appears in the
// User table.
const NullUser = "NULL"

var (
	ErrDuplicateKey      = errors.New("duplicate transaction key")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidInput      = errors.New("invalid input")
)

type Transaction struct {
	FromUser    string
	ToUser      string
	Amount      float64
	LamportTime int64
	SourceNode  string
	OptionalMsg string
}

type User struct {
	Name    string
	Balance float64
}

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the site database. SQLite runs in WAL mode with
// a single writer connection; the port is serialised by construction.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.Init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Init creates the schema. Idempotent.
func (s *Store) Init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS User (
		unique_name TEXT PRIMARY KEY,
		balance REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS Transactions (
		from_user TEXT,
		to_user TEXT NOT NULL,
		amount REAL NOT NULL,
		lamport_time INTEGER NOT NULL,
		source_node TEXT NOT NULL,
		optional_msg TEXT,
		PRIMARY KEY(lamport_time, source_node)
	);

	CREATE TABLE IF NOT EXISTS Site (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		site_id TEXT NOT NULL,
		lamport INTEGER NOT NULL,
		vector TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return errors.Wrap(err, "init schema")
}

// DropAll tears the schema down. Idempotent.
func (s *Store) DropAll() error {
	_, err := s.db.Exec(`
		DROP TABLE IF EXISTS Transactions;
		DROP TABLE IF EXISTS User;
		DROP TABLE IF EXISTS Site;
	`)
	return errors.Wrap(err, "drop tables")
}

func (s *Store) UserExists(name string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM User WHERE unique_name = ?)`, name,
	).Scan(&exists)
	return exists, errors.Wrap(err, "user exists")
}

// CreateUser registers a user with a zero balance. Idempotent.
func (s *Store) CreateUser(name string) error {
	if name == "" || name == NullUser {
		return errors.Wrapf(ErrInvalidInput, "user name %q", name)
	}
	exists, err := s.UserExists(name)
	if err != nil {
		return err
	}
	if exists {
		log.Warnf("user %q already exists", name)
		return nil
	}
	_, err = s.db.Exec(`INSERT INTO User (unique_name, balance) VALUES (?, 0)`, name)
	return errors.Wrap(err, "create user")
}

// Balance computes the derived balance straight from the log.
func (s *Store) Balance(name string) (float64, error) {
	var balance float64
	err := s.db.QueryRow(`
		SELECT
			IFNULL((SELECT SUM(amount) FROM Transactions WHERE to_user = ?1), 0) -
			IFNULL((SELECT SUM(amount) FROM Transactions WHERE from_user = ?1), 0)`,
		name,
	).Scan(&balance)
	return balance, errors.Wrap(err, "compute balance")
}

// InsufficientFunds reports whether from cannot cover amount. Never
// enforced for the NULL sentinel.
func (s *Store) InsufficientFunds(from string, amount float64) (bool, error) {
	if from == NullUser {
		return false, nil
	}
	balance, err := s.Balance(from)
	if err != nil {
		return false, err
	}
	return balance < amount, nil
}

// AppendTx appends one transaction and refreshes the balance cache of the
// affected users in the same SQL transaction. Replaying an existing
// primary key fails with ErrDuplicateKey and leaves the store untouched.
func (s *Store) AppendTx(t Transaction) error {
	if t.Amount < 0 {
		return errors.Wrapf(ErrInvalidInput, "negative amount %v", t.Amount)
	}

	dbtx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer dbtx.Rollback()

	var exists bool
	err = dbtx.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM Transactions WHERE lamport_time = ? AND source_node = ?)`,
		t.LamportTime, t.SourceNode,
	).Scan(&exists)
	if err != nil {
		return errors.Wrap(err, "check key")
	}
	if exists {
		return errors.Wrapf(ErrDuplicateKey, "(%d, %s)", t.LamportTime, t.SourceNode)
	}

	for _, name := range []string{t.FromUser, t.ToUser} {
		if name == NullUser {
			continue
		}
		_, err = dbtx.Exec(
			`INSERT INTO User (unique_name, balance) VALUES (?, 0)
			 ON CONFLICT(unique_name) DO NOTHING`, name)
		if err != nil {
			return errors.Wrap(err, "ensure user")
		}
	}

	_, err = dbtx.Exec(`
		INSERT INTO Transactions (from_user, to_user, amount, lamport_time, source_node, optional_msg)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.FromUser, t.ToUser, t.Amount, t.LamportTime, t.SourceNode, t.OptionalMsg)
	if err != nil {
		return errors.Wrap(err, "insert transaction")
	}

	for _, name := range []string{t.FromUser, t.ToUser} {
		if name == NullUser {
			continue
		}
		_, err = dbtx.Exec(`
			UPDATE User SET balance =
				IFNULL((SELECT SUM(amount) FROM Transactions WHERE to_user = ?1), 0) -
				IFNULL((SELECT SUM(amount) FROM Transactions WHERE from_user = ?1), 0)
			WHERE unique_name = ?1`, name)
		if err != nil {
			return errors.Wrap(err, "refresh balance")
		}
	}

	return errors.Wrap(dbtx.Commit(), "commit")
}

// GetTx looks a transaction up by primary key.
func (s *Store) GetTx(lamportTime int64, sourceNode string) (*Transaction, error) {
	var t Transaction
	var msg sql.NullString
	err := s.db.QueryRow(`
		SELECT from_user, to_user, amount, lamport_time, source_node, optional_msg
		FROM Transactions WHERE lamport_time = ? AND source_node = ?`,
		lamportTime, sourceNode,
	).Scan(&t.FromUser, &t.ToUser, &t.Amount, &t.LamportTime, &t.SourceNode, &msg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get transaction")
	}
	t.OptionalMsg = msg.String
	return &t, nil
}

// ListTx returns every transaction this site has observed, ordered by
// (lamport_time, source_node).
func (s *Store) ListTx() ([]Transaction, error) {
	rows, err := s.db.Query(`
		SELECT from_user, to_user, amount, lamport_time, source_node, optional_msg
		FROM Transactions ORDER BY lamport_time, source_node`)
	if err != nil {
		return nil, errors.Wrap(err, "list transactions")
	}
	defer rows.Close()
	return scanTxs(rows)
}

// ListTxForUser returns transactions where the user is either side.
func (s *Store) ListTxForUser(name string) ([]Transaction, error) {
	rows, err := s.db.Query(`
		SELECT from_user, to_user, amount, lamport_time, source_node, optional_msg
		FROM Transactions WHERE from_user = ?1 OR to_user = ?1
		ORDER BY lamport_time, source_node`, name)
	if err != nil {
		return nil, errors.Wrap(err, "list transactions for user")
	}
	defer rows.Close()
	return scanTxs(rows)
}

func scanTxs(rows *sql.Rows) ([]Transaction, error) {
	var out []Transaction
	for rows.Next() {
		var t Transaction
		var msg sql.NullString
		if err := rows.Scan(&t.FromUser, &t.ToUser, &t.Amount, &t.LamportTime, &t.SourceNode, &msg); err != nil {
			return nil, errors.Wrap(err, "scan transaction")
		}
		t.OptionalMsg = msg.String
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "iterate transactions")
}

// Users lists all accounts with their cached balances.
func (s *Store) Users() ([]User, error) {
	rows, err := s.db.Query(`SELECT unique_name, balance FROM User ORDER BY unique_name`)
	if err != nil {
		return nil, errors.Wrap(err, "list users")
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Name, &u.Balance); err != nil {
			return nil, errors.Wrap(err, "scan user")
		}
		out = append(out, u)
	}
	return out, errors.Wrap(rows.Err(), "iterate users")
}

// SaveLocalState persists the site identity and clock for restart
// recovery.
func (s *Store) SaveLocalState(siteID string, c clock.Clock) error {
	vec, err := json.Marshal(c.Vector)
	if err != nil {
		return errors.Wrap(err, "marshal vector")
	}
	_, err = s.db.Exec(`
		INSERT INTO Site (id, site_id, lamport, vector) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET site_id = excluded.site_id,
			lamport = excluded.lamport, vector = excluded.vector`,
		siteID, c.Lamport, string(vec))
	return errors.Wrap(err, "save local state")
}

// LoadLocalState reloads a previously persisted identity and clock. The
// ok result is false on a fresh database.
func (s *Store) LoadLocalState() (siteID string, c clock.Clock, ok bool, err error) {
	var lamport int64
	var vec string
	err = s.db.QueryRow(`SELECT site_id, lamport, vector FROM Site WHERE id = 1`).
		Scan(&siteID, &lamport, &vec)
	if err == sql.ErrNoRows {
		return "", clock.Clock{}, false, nil
	}
	if err != nil {
		return "", clock.Clock{}, false, errors.Wrap(err, "load local state")
	}
	vector := map[string]int64{}
	if err := json.Unmarshal([]byte(vec), &vector); err != nil {
		return "", clock.Clock{}, false, errors.Wrap(err, "unmarshal vector")
	}
	return siteID, clock.NewWithValues(siteID, lamport, vector), true, nil
}
