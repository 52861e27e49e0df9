// Package store persists orders and accounts to SQLite. It is the core's
// only database dependency: five mutations (insert, delete of an abandoned
// allocation, src_file_list update, terminal update, startup sweep) and two
// reads (account balance, order lookup).
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/orderforge/ordersvc/pkg/ordermodel"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id INTEGER PRIMARY KEY,
	user_name TEXT NOT NULL,
	token TEXT NOT NULL,
	balance REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS orders (
	id INTEGER PRIMARY KEY,
	user_id INTEGER NOT NULL,
	created_at_unix_time INTEGER NOT NULL,
	src_file_list TEXT NOT NULL DEFAULT '[]',
	is_running INTEGER NOT NULL,
	is_on_disk INTEGER NOT NULL,
	status_json TEXT
);
`

// maxInsertAttempts bounds the retry loop for the rare case two random
// 63-bit order IDs collide.
const maxInsertAttempts = 8

// Store wraps the order/account SQLite database.
type Store struct {
	db *sql.DB
}

// Open connects to (and migrates) the SQLite database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer avoids SQLITE_BUSY under our actor's light concurrency
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// InsertOrder allocates a random 63-bit order ID (top bit cleared) and
// inserts its row, retrying on a rare primary-key collision.
func (s *Store) InsertOrder(ctx context.Context, userID int64) (int64, error) {
	for attempt := 0; attempt < maxInsertAttempts; attempt++ {
		id, err := randomOrderID()
		if err != nil {
			return 0, fmt.Errorf("generating order id: %w", err)
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO orders (id, user_id, created_at_unix_time, src_file_list, is_running, is_on_disk, status_json)
			 VALUES (?, ?, unixepoch(), '[]', 1, 1, NULL)`,
			id, userID)
		if err == nil {
			return id, nil
		}
		if !isUniqueConstraintErr(err) {
			return 0, fmt.Errorf("inserting order: %w", err)
		}
	}
	return 0, fmt.Errorf("inserting order: exhausted %d attempts generating a unique id", maxInsertAttempts)
}

// DeleteOrder removes an order row outright. Used only when a requester
// abandoned AllocateOrder before receiving its ID.
func (s *Store) DeleteOrder(ctx context.Context, orderID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM orders WHERE id = ?`, orderID)
	if err != nil {
		return fmt.Errorf("deleting order %d: %w", orderID, err)
	}
	return nil
}

// AccountBalanceForOrder reads the balance of the account owning orderID.
func (s *Store) AccountBalanceForOrder(ctx context.Context, orderID int64) (float64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT a.balance FROM accounts a JOIN orders o ON o.user_id = a.id WHERE o.id = ?`, orderID)
	var balance float64
	if err := row.Scan(&balance); err != nil {
		return 0, fmt.Errorf("looking up account balance for order %d: %w", orderID, err)
	}
	return balance, nil
}

// WriteTerminalStatus writes an order's single terminal row: is_running
// flips to false and status_json carries the tagged union.
func (s *Store) WriteTerminalStatus(ctx context.Context, orderID int64, status ordermodel.JobTerminationStatus) error {
	b, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshaling terminal status for order %d: %w", orderID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE orders SET is_running = 0, status_json = ? WHERE id = ?`, string(b), orderID)
	if err != nil {
		return fmt.Errorf("writing terminal status for order %d: %w", orderID, err)
	}
	return nil
}

// SweepRunningOrders implements the startup sweep: every order still
// flagged running gets rewritten as VeryAbnormalTermination. Returns the
// number of rows rewritten.
func (s *Store) SweepRunningOrders(ctx context.Context) (int, error) {
	status := ordermodel.NewVeryAbnormalTermination("Job was marked as running across application restart")
	b, err := json.Marshal(status)
	if err != nil {
		return 0, fmt.Errorf("marshaling sweep status: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET is_running = 0, status_json = ? WHERE is_running = 1`, string(b))
	if err != nil {
		return 0, fmt.Errorf("sweeping running orders: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting swept rows: %w", err)
	}
	return int(n), nil
}

// GetOrder reads a single order row.
func (s *Store) GetOrder(ctx context.Context, orderID int64) (ordermodel.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, created_at_unix_time, src_file_list, is_running, is_on_disk, status_json
		 FROM orders WHERE id = ?`, orderID)

	var (
		o           ordermodel.Order
		srcFileList string
		statusJSON  sql.NullString
	)
	if err := row.Scan(&o.ID, &o.UserID, &o.CreatedAtUnix, &srcFileList, &o.IsRunning, &o.IsOnDisk, &statusJSON); err != nil {
		return ordermodel.Order{}, fmt.Errorf("reading order %d: %w", orderID, err)
	}
	if err := json.Unmarshal([]byte(srcFileList), &o.SrcFileList); err != nil {
		return ordermodel.Order{}, fmt.Errorf("decoding src_file_list for order %d: %w", orderID, err)
	}
	if statusJSON.Valid {
		o.StatusJSON = json.RawMessage(statusJSON.String)
	}
	return o, nil
}

// SetSrcFileList records the originally uploaded relative paths for an
// order, called once by the uploader before spawning the supervisor.
func (s *Store) SetSrcFileList(ctx context.Context, orderID int64, files []string) error {
	b, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("marshaling src_file_list for order %d: %w", orderID, err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE orders SET src_file_list = ? WHERE id = ?`, string(b), orderID)
	if err != nil {
		return fmt.Errorf("writing src_file_list for order %d: %w", orderID, err)
	}
	return nil
}

func randomOrderID() (int64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	id := int64(binary.BigEndian.Uint64(buf[:]))
	if id < 0 {
		id = -(id + 1) // clear the top bit without ever landing on MinInt64
	}
	return id, nil
}

func isUniqueConstraintErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
