package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/sandboxd/pkg/errdefs"
	"github.com/sandboxrunner/sandboxd/pkg/policy"
	"github.com/sandboxrunner/sandboxd/pkg/sandbox"
)

var _ sandbox.Store = (*SQLiteStore)(nil)

// SavePolicy stores the policy document under its name, replacing an
// earlier document with the same name.
func (s *SQLiteStore) SavePolicy(p *policy.Policy) error {
	doc, err := policy.Marshal(p)
	if err != nil {
		return err
	}

	_, err = s.Exec(context.Background(), `
		INSERT INTO policies (name, id, sandbox_type, document, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			id = excluded.id,
			sandbox_type = excluded.sandbox_type,
			document = excluded.document,
			updated_at = excluded.updated_at`,
		p.Name(), p.ID(), string(p.Type()), string(doc), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save policy %s: %w", p.Name(), err)
	}
	return nil
}

// DeletePolicy removes the stored document. Deleting an unknown name is
// not an error.
func (s *SQLiteStore) DeletePolicy(name string) error {
	if _, err := s.Exec(context.Background(), "DELETE FROM policies WHERE name = ?", name); err != nil {
		return fmt.Errorf("failed to delete policy %s: %w", name, err)
	}
	return nil
}

// LoadPolicies parses every stored document. opts are applied to each
// policy before its document is built. A document that no longer parses
// is logged and skipped.
func (s *SQLiteStore) LoadPolicies(opts ...policy.Option) ([]*policy.Policy, error) {
	rows, err := s.Query(context.Background(), "SELECT name, document FROM policies ORDER BY name ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	defer rows.Close()

	var policies []*policy.Policy
	for rows.Next() {
		var name, doc string
		if err := rows.Scan(&name, &doc); err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		p, err := policy.Unmarshal([]byte(doc), opts...)
		if err != nil {
			log.Warn().Err(err).Str("policy", name).Msg("Skipping unreadable stored policy")
			continue
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return policies, nil
}

// PolicyDocument returns the stored YAML document for name.
func (s *SQLiteStore) PolicyDocument(ctx context.Context, name string) ([]byte, error) {
	var doc string
	err := s.QueryRow(ctx, "SELECT document FROM policies WHERE name = ?", name).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: policy %s", errdefs.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read policy %s: %w", name, err)
	}
	return []byte(doc), nil
}

// SaveTransition appends a lifecycle transition.
func (s *SQLiteStore) SaveTransition(t sandbox.Transition) error {
	_, err := s.Exec(context.Background(), `
		INSERT INTO state_transitions (id, sandbox_id, sandbox_name, from_state, to_state, reason, error_message, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SandboxID, t.SandboxName, string(t.From), string(t.To), t.Reason, t.ErrorMessage, t.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to save transition for sandbox %s: %w", t.SandboxID, err)
	}
	return nil
}

// Transitions returns the recorded transitions of a sandbox, matched by id
// or name, oldest first. limit <= 0 returns all of them.
func (s *SQLiteStore) Transitions(ctx context.Context, sandboxRef string, limit int) ([]sandbox.Transition, error) {
	query := `
		SELECT id, sandbox_id, sandbox_name, from_state, to_state, reason, error_message, occurred_at
		FROM state_transitions
		WHERE sandbox_id = ? OR sandbox_name = ?
		ORDER BY occurred_at ASC, rowid ASC`
	args := []interface{}{sandboxRef, sandboxRef}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []sandbox.Transition
	for rows.Next() {
		var (
			t          sandbox.Transition
			from, to   string
			reason     sql.NullString
			errMessage sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.SandboxID, &t.SandboxName, &from, &to, &reason, &errMessage, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.From = sandbox.State(from)
		t.To = sandbox.State(to)
		t.Reason = reason.String
		t.ErrorMessage = errMessage.String
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}
