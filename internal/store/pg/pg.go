// Package pg is the Postgres variant of the durable retained-message
// store (spec.md §6), selected when retained.storage is "durable" and
// the configured DSN uses the postgres:// scheme (SPEC_FULL.md §3). It
// satisfies the same broker.Persister interface as internal/store/sqlite
// so the broker never branches on storage backend.
package pg

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pyr33x/goqtt-router/internal/broker"
	"github.com/pyr33x/goqtt-router/pkg/er"
)

const schema = `
CREATE TABLE IF NOT EXISTS retained_messages (
	topic        TEXT PRIMARY KEY,
	qos          SMALLINT NOT NULL,
	payload      BYTEA NOT NULL,
	username     TEXT,
	published_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	client_id   TEXT PRIMARY KEY,
	clean_start BOOLEAN NOT NULL,
	expiry_at   TIMESTAMPTZ NOT NULL,
	state       JSONB
);
`

// Store is a broker.Persister backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn (a postgres:// URL) and bootstraps its schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, &er.Err{Context: "Store", Message: err}
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, &er.Err{Context: "Store", Message: err}
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

// SaveRetained implements broker.Persister.
func (s *Store) SaveRetained(topic string, msg broker.Message) error {
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO retained_messages (topic, qos, payload, username, published_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (topic) DO UPDATE SET qos=excluded.qos, payload=excluded.payload,
			username=excluded.username, published_at=excluded.published_at`,
		topic, int16(msg.QoS), msg.Payload, msg.Username, msg.Timestamp,
	)
	if err != nil {
		return &er.Err{Context: "Store", Message: err}
	}
	return nil
}

// DeleteRetained implements broker.Persister.
func (s *Store) DeleteRetained(topic string) error {
	_, err := s.pool.Exec(context.Background(), `DELETE FROM retained_messages WHERE topic = $1`, topic)
	if err != nil {
		return &er.Err{Context: "Store", Message: err}
	}
	return nil
}

// LoadAllRetained implements broker.Persister.
func (s *Store) LoadAllRetained() (map[string]broker.Message, error) {
	rows, err := s.pool.Query(context.Background(),
		`SELECT topic, qos, payload, username, published_at FROM retained_messages`)
	if err != nil {
		return nil, &er.Err{Context: "Store", Message: err}
	}
	defer rows.Close()

	out := make(map[string]broker.Message)
	for rows.Next() {
		var (
			topicName string
			qos       int16
			payload   []byte
			username  *string
			published time.Time
		)
		if err := rows.Scan(&topicName, &qos, &payload, &username, &published); err != nil {
			return nil, &er.Err{Context: "Store", Message: err}
		}
		u := ""
		if username != nil {
			u = *username
		}
		out[topicName] = broker.Message{
			Topic:     topicName,
			Retain:    true,
			Payload:   payload,
			Username:  u,
			Timestamp: published,
		}
	}
	return out, rows.Err()
}

// SaveSession persists a non-clean session's serialized state.
func (s *Store) SaveSession(clientID string, cleanStart bool, expiryAt time.Time, stateJSON []byte) error {
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO sessions (client_id, clean_start, expiry_at, state) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (client_id) DO UPDATE SET clean_start=excluded.clean_start,
			expiry_at=excluded.expiry_at, state=excluded.state`,
		clientID, cleanStart, expiryAt, stateJSON,
	)
	if err != nil {
		return &er.Err{Context: "Store", Message: err}
	}
	return nil
}

// DeleteSession removes a reaped session's persisted state.
func (s *Store) DeleteSession(clientID string) error {
	_, err := s.pool.Exec(context.Background(), `DELETE FROM sessions WHERE client_id = $1`, clientID)
	if err != nil {
		return &er.Err{Context: "Store", Message: err}
	}
	return nil
}
