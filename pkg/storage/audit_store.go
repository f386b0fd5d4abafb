package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sandboxrunner/sandboxd/pkg/audit"
)

// AuditQuery selects stored audit records.
type AuditQuery struct {
	// Sandbox matches the sandbox id or name. Empty matches all.
	Sandbox string
	Kinds   []audit.Kind
	Since   time.Time
	Limit   int
}

type auditSink struct {
	store *SQLiteStore
}

// AuditSink returns an audit.Sink that appends records to the
// audit_records table. Closing the sink leaves the store open.
func (s *SQLiteStore) AuditSink() audit.Sink {
	return &auditSink{store: s}
}

func (a *auditSink) Submit(ctx context.Context, rec audit.Record) error {
	_, err := a.store.Exec(ctx, `
		INSERT INTO audit_records (id, sequence, sandbox_id, sandbox_name, policy, state, kind, severity,
			subject, pid, detail, description, response, signature, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, int64(rec.Sequence), rec.SandboxID, rec.SandboxName, rec.Policy, rec.State,
		string(rec.Kind), string(rec.Severity), rec.Subject, rec.PID, rec.Detail, rec.Description,
		string(rec.Response), rec.Signature, rec.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to store audit record %s: %w", rec.ID, err)
	}
	return nil
}

func (a *auditSink) Close() error { return nil }

// AuditRecords returns matching records in sequence order.
func (s *SQLiteStore) AuditRecords(ctx context.Context, q AuditQuery) ([]audit.Record, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.Sandbox != "" {
		where = append(where, "(sandbox_id = ? OR sandbox_name = ?)")
		args = append(args, q.Sandbox, q.Sandbox)
	}
	if len(q.Kinds) > 0 {
		marks := make([]string, len(q.Kinds))
		for i, k := range q.Kinds {
			marks[i] = "?"
			args = append(args, string(k))
		}
		where = append(where, "kind IN ("+strings.Join(marks, ", ")+")")
	}
	if !q.Since.IsZero() {
		where = append(where, "occurred_at >= ?")
		args = append(args, q.Since.UTC())
	}

	query := `SELECT id, sequence, sandbox_id, sandbox_name, policy, state, kind, severity,
		subject, pid, detail, description, response, signature, occurred_at FROM audit_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at ASC, sequence ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var (
			rec                            audit.Record
			seq                            int64
			kind, severity, response       string
			pol, state, subject, desc, sig sql.NullString
			pid, detail                    sql.NullInt64
		)
		err := rows.Scan(&rec.ID, &seq, &rec.SandboxID, &rec.SandboxName, &pol, &state, &kind, &severity,
			&subject, &pid, &detail, &desc, &response, &sig, &rec.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		rec.Sequence = uint64(seq)
		rec.Policy = pol.String
		rec.State = state.String
		rec.Kind = audit.Kind(kind)
		rec.Severity = audit.Severity(severity)
		rec.Subject = subject.String
		rec.PID = int(pid.Int64)
		rec.Detail = detail.Int64
		rec.Description = desc.String
		rec.Response = audit.Response(response)
		rec.Signature = sig.String
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

// PruneAudit deletes records older than before and returns how many were
// removed.
func (s *SQLiteStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.Exec(ctx, "DELETE FROM audit_records WHERE occurred_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned audit records: %w", err)
	}
	return n, nil
}
