// Package sqlite is the durable SQLite-backed retained-message and
// credential store (spec.md §6 "Persisted state layout"), grounded on
// the teacher's database/sql + github.com/mattn/go-sqlite3 pairing
// already used for internal/auth, generalized with a schema bootstrap
// and a broker.Persister implementation.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pyr33x/goqtt-router/internal/broker"
	"github.com/pyr33x/goqtt-router/pkg/er"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	username TEXT PRIMARY KEY,
	secret   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS acl (
	client_id     TEXT NOT NULL,
	action        TEXT NOT NULL,
	topic_pattern TEXT NOT NULL,
	allow         INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS retained_messages (
	topic     TEXT PRIMARY KEY,
	qos       INTEGER NOT NULL,
	payload   BLOB NOT NULL,
	username  TEXT,
	published_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	client_id   TEXT PRIMARY KEY,
	clean_start INTEGER NOT NULL,
	expiry_at   INTEGER NOT NULL,
	state       BLOB
);
`

// Store is a broker.Persister backed by a SQLite database file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at dsn and
// bootstraps its schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &er.Err{Context: "Store", Message: err}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &er.Err{Context: "Store", Message: err}
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle, e.g. for internal/auth.New.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// SaveRetained implements broker.Persister.
func (s *Store) SaveRetained(topic string, msg broker.Message) error {
	_, err := s.db.Exec(
		`INSERT INTO retained_messages (topic, qos, payload, username, published_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(topic) DO UPDATE SET qos=excluded.qos, payload=excluded.payload,
			username=excluded.username, published_at=excluded.published_at`,
		topic, int(msg.QoS), msg.Payload, msg.Username, msg.Timestamp.Unix(),
	)
	if err != nil {
		return &er.Err{Context: "Store", Message: err}
	}
	return nil
}

// DeleteRetained implements broker.Persister.
func (s *Store) DeleteRetained(topic string) error {
	if _, err := s.db.Exec(`DELETE FROM retained_messages WHERE topic = ?`, topic); err != nil {
		return &er.Err{Context: "Store", Message: err}
	}
	return nil
}

// LoadAllRetained implements broker.Persister.
func (s *Store) LoadAllRetained() (map[string]broker.Message, error) {
	rows, err := s.db.Query(`SELECT topic, qos, payload, username, published_at FROM retained_messages`)
	if err != nil {
		return nil, &er.Err{Context: "Store", Message: err}
	}
	defer rows.Close()

	out := make(map[string]broker.Message)
	for rows.Next() {
		var (
			topicName string
			qos       int
			payload   []byte
			username  sql.NullString
			published int64
		)
		if err := rows.Scan(&topicName, &qos, &payload, &username, &published); err != nil {
			return nil, &er.Err{Context: "Store", Message: err}
		}
		out[topicName] = broker.Message{
			Topic:     topicName,
			Retain:    true,
			Payload:   payload,
			Username:  username.String,
			Timestamp: time.Unix(published, 0),
		}
	}
	return out, rows.Err()
}

// SaveSession persists a non-clean session's serialized state so it can
// survive a broker restart (spec.md §9 `session.expiry.default`).
func (s *Store) SaveSession(clientID string, cleanStart bool, expiryAt time.Time, state any) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return &er.Err{Context: "Store", Message: err}
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (client_id, clean_start, expiry_at, state) VALUES (?, ?, ?, ?)
		 ON CONFLICT(client_id) DO UPDATE SET clean_start=excluded.clean_start,
			expiry_at=excluded.expiry_at, state=excluded.state`,
		clientID, cleanStart, expiryAt.Unix(), blob,
	)
	if err != nil {
		return &er.Err{Context: "Store", Message: err}
	}
	return nil
}

// DeleteSession removes a reaped session's persisted state.
func (s *Store) DeleteSession(clientID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE client_id = ?`, clientID)
	if err != nil {
		return &er.Err{Context: "Store", Message: err}
	}
	return nil
}
