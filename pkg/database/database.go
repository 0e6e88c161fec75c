// Package database provides the durable message store backing the
// delivery state machine. It is the sole mutator of persisted message
// state; sessions request mutations but never hold rows directly.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrMessageNotFound indicates the message does not exist.
var ErrMessageNotFound = errors.New("message not found")

// DeliveryState is the lifecycle stage of a persisted message. States
// are totally ordered and transitions are monotonic: a message never
// moves backward.
type DeliveryState int

const (
	StateSent DeliveryState = iota
	StateDelivered
	StateRead
)

func (s DeliveryState) String() string {
	switch s {
	case StateSent:
		return "sent"
	case StateDelivered:
		return "delivered"
	case StateRead:
		return "read"
	default:
		return fmt.Sprintf("DeliveryState(%d)", int(s))
	}
}

// Message is one persisted chat message. ID and CreatedAt are assigned
// by the store; both are monotonic with respect to insertion order.
// CreatedAt is unix milliseconds.
type Message struct {
	ID        int64
	Sender    string
	Receiver  string
	Body      string
	State     DeliveryState
	CreatedAt int64
}

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

// Open opens a connection to the SQLite database at the given path and
// initializes the schema if needed.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Multiple readers are fine in WAL mode; writes go through the
	// dedicated write connection below.
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	// Single write connection: SQLite allows one writer at a time, and
	// funnelling every write through one connection also serializes the
	// insert and state-transition mutations the delivery engine makes.
	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0) // Never expire

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, err
	}

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

func applyPragmas(conn *sql.DB) error {
	// WAL allows readers to proceed while the write connection commits.
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Wait and retry instead of failing immediately with SQLITE_BUSY.
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := conn.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	return nil
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sender TEXT NOT NULL,
		receiver TEXT NOT NULL,
		body TEXT NOT NULL,
		state INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender);
	CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver);
	`
	_, err := db.writeConn.Exec(schema)
	return err
}

// InsertMessage persists a new message in state Sent and returns the
// stored record. The write has committed by the time this returns, so
// callers may emit frames referencing the assigned id.
func (db *DB) InsertMessage(sender, receiver, body string) (*Message, error) {
	now := time.Now().UnixMilli()

	result, err := db.writeConn.Exec(
		`INSERT INTO messages (sender, receiver, body, state, created_at) VALUES (?, ?, ?, ?, ?)`,
		sender, receiver, body, StateSent, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get message id: %w", err)
	}

	return &Message{
		ID:        id,
		Sender:    sender,
		Receiver:  receiver,
		Body:      body,
		State:     StateSent,
		CreatedAt: now,
	}, nil
}

// SetState advances a message's delivery state. The update is guarded so
// state never moves backward; re-applying the current (or a lower) state
// is a no-op, not an error. The returned bool reports whether a row
// actually changed, which callers use to suppress duplicate receipts.
// An unknown id also reports false.
func (db *DB) SetState(id int64, state DeliveryState) (bool, error) {
	result, err := db.writeConn.Exec(
		`UPDATE messages SET state = ? WHERE id = ? AND state < ?`,
		state, id, state,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update message state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows > 0, nil
}

// GetSender returns the sender identity of the given message.
func (db *DB) GetSender(id int64) (string, error) {
	var sender string
	err := db.conn.QueryRow(`SELECT sender FROM messages WHERE id = ?`, id).Scan(&sender)
	if err == sql.ErrNoRows {
		return "", ErrMessageNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up sender: %w", err)
	}
	return sender, nil
}

// HistoryFor returns every message where identity is sender or receiver,
// ascending by id (which matches insertion order).
func (db *DB) HistoryFor(identity string) ([]*Message, error) {
	rows, err := db.conn.Query(
		`SELECT id, sender, receiver, body, state, created_at
		 FROM messages
		 WHERE sender = ? OR receiver = ?
		 ORDER BY id ASC`,
		identity, identity,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{}
		if err := rows.Scan(&msg.ID, &msg.Sender, &msg.Receiver, &msg.Body, &msg.State, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Close closes both database connections.
func (db *DB) Close() error {
	writeErr := db.writeConn.Close()
	readErr := db.conn.Close()
	if writeErr != nil {
		return writeErr
	}
	return readErr
}
