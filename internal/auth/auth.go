package auth

import (
	"database/sql"
	"errors"

	"github.com/pyr33x/goqtt-router/internal/broker"
	"github.com/pyr33x/goqtt-router/internal/topic"
	"github.com/pyr33x/goqtt-router/pkg/er"
	h "github.com/pyr33x/goqtt-router/pkg/hash"
)

// Store is the sqlite-backed credential and ACL store. It implements
// broker.ACLChecker directly, so a Broker can be constructed with it in
// place of an allow-all default.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Authenticate verifies username/password against the bcrypt hash
// stored for that user (spec.md §4.1).
func (s *Store) Authenticate(username, password string) error {
	var hash string

	err := s.db.QueryRow("SELECT secret FROM users WHERE username = ?", username).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &er.Err{Context: "Auth", Message: er.ErrUserNotFound}
		}
		return &er.Err{Context: "Auth", Message: er.ErrHashFailed}
	}

	if !h.VerifyPasswd(hash, password) {
		return &er.Err{Context: "Auth", Message: er.ErrInvalidPassword}
	}

	return nil
}

// CheckACL implements broker.ACLChecker: a client is authorized for
// action on topic if any of its acl rows' topic_pattern matches, per
// MQTT filter semantics (spec.md §4.8). No matching row denies by
// default — fail-closed.
func (s *Store) CheckACL(clientID, username string, action broker.ACLAction, topicName string) bool {
	actionStr := "publish"
	if action == broker.ACLSubscribe {
		actionStr = "subscribe"
	}

	rows, err := s.db.Query(
		"SELECT topic_pattern, allow FROM acl WHERE client_id = ? AND (action = ? OR action = 'both')",
		clientID, actionStr,
	)
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var pattern string
		var allow bool
		if err := rows.Scan(&pattern, &allow); err != nil {
			continue
		}
		if topic.MatchStrings(topicName, pattern) {
			return allow
		}
	}
	return false
}
