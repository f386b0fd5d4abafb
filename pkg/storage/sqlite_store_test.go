package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/sandboxd/pkg/audit"
	"github.com/sandboxrunner/sandboxd/pkg/errdefs"
	"github.com/sandboxrunner/sandboxd/pkg/permission"
	"github.com/sandboxrunner/sandboxd/pkg/policy"
	"github.com/sandboxrunner/sandboxd/pkg/runtime/resources"
	"github.com/sandboxrunner/sandboxd/pkg/sandbox"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	config := DefaultConfig()
	config.DatabasePath = filepath.Join(dir, "test.db")
	config.BackupDir = filepath.Join(dir, "backups")
	config.BackupKeep = 2

	store, err := NewSQLiteStore(config)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewSQLiteStore(t *testing.T) {
	store := setupTestStore(t)

	var result int
	require.NoError(t, store.QueryRow(context.Background(), "SELECT 1").Scan(&result))
	assert.Equal(t, 1, result)
	assert.NoError(t, store.CheckIntegrity(context.Background()))

	version, err := NewMigrator(store).CurrentVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestSQLiteStoreReopen(t *testing.T) {
	dir := t.TempDir()
	config := DefaultConfig()
	config.DatabasePath = filepath.Join(dir, "nested", "state.db")

	store, err := NewSQLiteStore(config)
	require.NoError(t, err)
	require.NoError(t, store.SavePolicy(testPolicy(t, "web")))
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(config)
	require.NoError(t, err)
	defer reopened.Close()

	policies, err := reopened.LoadPolicies()
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, "web", policies[0].Name())
}

func TestSQLiteStoreTransactions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	t.Run("commit", func(t *testing.T) {
		tx, err := store.BeginTransaction(ctx)
		require.NoError(t, err)
		_, err = tx.Exec("INSERT INTO policies (name, id, sandbox_type, document) VALUES (?, ?, ?, ?)", "tx-1", "id-1", "basic", "{}")
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		var count int
		require.NoError(t, store.QueryRow(ctx, "SELECT COUNT(*) FROM policies WHERE name = ?", "tx-1").Scan(&count))
		assert.Equal(t, 1, count)
	})

	t.Run("rollback", func(t *testing.T) {
		tx, err := store.BeginTransaction(ctx)
		require.NoError(t, err)
		_, err = tx.Exec("INSERT INTO policies (name, id, sandbox_type, document) VALUES (?, ?, ?, ?)", "tx-2", "id-2", "basic", "{}")
		require.NoError(t, err)
		require.NoError(t, tx.Rollback())
		require.NoError(t, tx.Rollback())

		var count int
		require.NoError(t, store.QueryRow(ctx, "SELECT COUNT(*) FROM policies WHERE name = ?", "tx-2").Scan(&count))
		assert.Zero(t, count)

		_, err = tx.Exec("SELECT 1")
		assert.Error(t, err)
		assert.Error(t, tx.Commit())
	})

	metrics := store.GetMetrics()
	assert.GreaterOrEqual(t, metrics.TransactionCount, int64(2))
	assert.Positive(t, metrics.QueryCount)
}

func TestSQLiteStoreClosed(t *testing.T) {
	store := setupTestStore(t)
	require.NoError(t, store.Close())

	_, err := store.BeginTransaction(context.Background())
	assert.Error(t, err)
	_, err = store.Exec(context.Background(), "SELECT 1")
	assert.Error(t, err)
	assert.Error(t, store.SavePolicy(testPolicy(t, "late")))
}

func TestSQLiteStoreBackup(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SavePolicy(testPolicy(t, "web")))

	var paths []string
	for i := 0; i < 3; i++ {
		path, err := store.Backup(ctx)
		require.NoError(t, err)
		paths = append(paths, path)
	}

	files, err := filepath.Glob(filepath.Join(store.backupDir, "sandboxd_*.db"))
	require.NoError(t, err)
	assert.Len(t, files, 2)
	_, err = os.Stat(paths[0])
	assert.True(t, os.IsNotExist(err))

	backup, err := NewSQLiteStore(&Config{DatabasePath: paths[2], MaxOpenConns: 1, MaxIdleConns: 1})
	require.NoError(t, err)
	defer backup.Close()
	policies, err := backup.LoadPolicies()
	require.NoError(t, err)
	require.Len(t, policies, 1)

	assert.Equal(t, int64(3), store.GetMetrics().BackupCount)
	assert.NoError(t, store.Vacuum(ctx))
}

func testPolicy(t *testing.T, name string) *policy.Policy {
	t.Helper()
	p, err := policy.New(name, policy.TypeStandard)
	require.NoError(t, err)
	require.NoError(t, p.AddPermission(permission.NetworkInternet, permission.Granted))
	require.NoError(t, p.AddPermission(permission.HardwareCamera, permission.AskUser))
	require.NoError(t, p.AddResourceLimit(resources.Memory, 64<<20, 128<<20))
	return p
}

func TestPolicyPersistence(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	web := testPolicy(t, "web")
	require.NoError(t, store.SavePolicy(web))
	require.NoError(t, store.SavePolicy(testPolicy(t, "batch")))

	policies, err := store.LoadPolicies()
	require.NoError(t, err)
	require.Len(t, policies, 2)
	assert.Equal(t, "batch", policies[0].Name())
	assert.Equal(t, "web", policies[1].Name())
	assert.Equal(t, web.ID(), policies[1].ID())

	entry, ok := policies[1].Entry(permission.HardwareCamera)
	require.True(t, ok)
	assert.Equal(t, permission.AskUser, entry.State)
	limit, ok := policies[1].Limit(resources.Memory)
	require.True(t, ok)
	assert.Equal(t, uint64(128<<20), limit.Hard)

	want, err := policy.Marshal(web)
	require.NoError(t, err)
	got, err := store.PolicyDocument(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))

	// Saving under an existing name replaces the document.
	replacement, err := policy.New("web", policy.TypeBasic)
	require.NoError(t, err)
	require.NoError(t, store.SavePolicy(replacement))
	policies, err = store.LoadPolicies()
	require.NoError(t, err)
	require.Len(t, policies, 2)
	assert.Equal(t, policy.TypeBasic, policies[1].Type())

	require.NoError(t, store.DeletePolicy("web"))
	require.NoError(t, store.DeletePolicy("web"))
	_, err = store.PolicyDocument(ctx, "web")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))
}

func TestLoadPoliciesSkipsUnreadableDocuments(t *testing.T) {
	store := setupTestStore(t)
	require.NoError(t, store.SavePolicy(testPolicy(t, "good")))
	_, err := store.Exec(context.Background(),
		"INSERT INTO policies (name, id, sandbox_type, document) VALUES (?, ?, ?, ?)", "broken", "x", "basic", "version: [")
	require.NoError(t, err)

	policies, err := store.LoadPolicies()
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, "good", policies[0].Name())
}

func TestTransitionPersistence(t *testing.T) {
	store := setupTestStore(t)
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	steps := []sandbox.Transition{
		{ID: "t1", SandboxID: "sb-1", SandboxName: "box", From: sandbox.StateCreated, To: sandbox.StateStarting, Timestamp: start, Reason: "start requested"},
		{ID: "t2", SandboxID: "sb-1", SandboxName: "box", From: sandbox.StateStarting, To: sandbox.StateError, Timestamp: start.Add(time.Second), Reason: "start failed", ErrorMessage: "spawn failed"},
		{ID: "t3", SandboxID: "sb-2", SandboxName: "other", From: sandbox.StateCreated, To: sandbox.StateStarting, Timestamp: start},
	}
	for _, tr := range steps {
		require.NoError(t, store.SaveTransition(tr))
	}

	got, err := store.Transitions(context.Background(), "box", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, sandbox.StateError, got[1].To)
	assert.Equal(t, "spawn failed", got[1].ErrorMessage)
	assert.True(t, got[1].Timestamp.Equal(start.Add(time.Second)))

	got, err = store.Transitions(context.Background(), "sb-1", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].ID)

	assert.Error(t, store.SaveTransition(steps[0]))
}

func TestAuditSink(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	sink := store.AuditSink()
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	records := []audit.Record{
		{ID: "r1", Sequence: 1, Timestamp: start, SandboxID: "sb-1", SandboxName: "box", Policy: "web", State: "running",
			Kind: audit.PermissionDenied, Severity: audit.SeverityWarning, Subject: "network-internet", PID: 1001, Response: audit.ResponseDenied},
		{ID: "r2", Sequence: 2, Timestamp: start.Add(time.Second), SandboxID: "sb-1", SandboxName: "box", Policy: "web", State: "running",
			Kind: audit.HardLimitExceeded, Severity: audit.SeverityError, Subject: "memory", Detail: 4096, Response: audit.ResponseDenied, Signature: "sig"},
		{ID: "r3", Sequence: 1, Timestamp: start.Add(2 * time.Second), SandboxID: "sb-2", SandboxName: "other",
			Kind: audit.StateTransition, Severity: audit.SeverityInfo, Response: audit.ResponseNone},
	}
	for _, rec := range records {
		require.NoError(t, sink.Submit(ctx, rec))
	}
	require.NoError(t, sink.Close())

	all, err := store.AuditRecords(ctx, AuditQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, records[1].Detail, all[1].Detail)
	assert.Equal(t, "sig", all[1].Signature)
	assert.Equal(t, 1001, all[0].PID)
	assert.True(t, all[0].Timestamp.Equal(start))

	tests := []struct {
		name  string
		query AuditQuery
		want  []string
	}{
		{"by name", AuditQuery{Sandbox: "box"}, []string{"r1", "r2"}},
		{"by id", AuditQuery{Sandbox: "sb-2"}, []string{"r3"}},
		{"by kind", AuditQuery{Kinds: []audit.Kind{audit.HardLimitExceeded, audit.StateTransition}}, []string{"r2", "r3"}},
		{"since", AuditQuery{Since: start.Add(time.Second)}, []string{"r2", "r3"}},
		{"limit", AuditQuery{Limit: 1}, []string{"r1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.AuditRecords(ctx, tt.query)
			require.NoError(t, err)
			ids := make([]string, 0, len(got))
			for _, r := range got {
				ids = append(ids, r.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	n, err := store.PruneAudit(ctx, start.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	remaining, err := store.AuditRecords(ctx, AuditQuery{})
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}
