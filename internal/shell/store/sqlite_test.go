package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/artpar/dockship/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

var baseTime = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func newTestRun(id, target string, offset time.Duration, success bool) *Run {
	run := &Run{
		ID:                id,
		Target:            target,
		Host:              "10.0.0.5",
		RemotePath:        "/opt/app",
		Project:           "app",
		Revision:          "4b825dc642cb6eb9a060e54bf8d69288fbee4904",
		Trigger:           TriggerCLI,
		Success:           success,
		FinalState:        domain.StateSucceeded,
		FilesTransferred:  12,
		BytesTransferred:  4096,
		DeletedRemoteOnly: 2,
		Services: []domain.ServiceStatus{
			{Service: "bot", Container: "app-bot-1", State: "running", Healthy: true, Status: "Up 10 seconds"},
		},
		StartedAt:  baseTime.Add(offset),
		FinishedAt: baseTime.Add(offset + 95*time.Second),
	}
	if !success {
		run.FinalState = domain.StateFailed
		run.FailedState = domain.StateBuildingStarting
		run.Reason = "Build: exit status 1"
		run.ErrorKind = "build"
		run.Services = nil
	}
	return run
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestNewSQLiteStore_FileDatabaseMigratesOnce(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "history.db")

	store, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	require.NoError(t, store.RecordRun(context.Background(), newTestRun("r1", "prod", 0, true)))
	require.NoError(t, store.Close())

	// Reopening runs migrations again and keeps the data.
	store, err = NewSQLiteStore(dsn)
	require.NoError(t, err)
	defer store.Close()

	run, err := store.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "prod", run.Target)
}

func TestWithParams(t *testing.T) {
	assert.Equal(t, "a.db?x=1&y=2", withParams("a.db", "x=1", "y=2"))
	assert.Equal(t, "file:a.db?mode=rwc&x=1", withParams("file:a.db?mode=rwc", "x=1"))
}

// =============================================================================
// Run CRUD Tests
// =============================================================================

func TestRecordRun_RoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	want := newTestRun("run-1", "prod", 0, true)

	require.NoError(t, store.RecordRun(ctx, want))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 95*time.Second, got.Duration())
}

func TestRecordRun_Failure(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordRun(ctx, newTestRun("run-f", "prod", 0, false)))

	got, err := store.GetRun(ctx, "run-f")
	require.NoError(t, err)
	assert.False(t, got.Success)
	assert.Equal(t, domain.StateFailed, got.FinalState)
	assert.Equal(t, domain.StateBuildingStarting, got.FailedState)
	assert.Equal(t, "build", got.ErrorKind)
	assert.Empty(t, got.Services)
}

func TestRecordRun_DefaultsTrigger(t *testing.T) {
	store := setupTestStore(t)
	run := newTestRun("run-t", "prod", 0, true)
	run.Trigger = ""

	require.NoError(t, store.RecordRun(context.Background(), run))

	got, err := store.GetRun(context.Background(), "run-t")
	require.NoError(t, err)
	assert.Equal(t, TriggerCLI, got.Trigger)
}

func TestRecordRun_DuplicateID(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordRun(ctx, newTestRun("dup", "prod", 0, true)))
	err := store.RecordRun(ctx, newTestRun("dup", "prod", time.Minute, true))
	assert.ErrorIs(t, err, ErrDuplicateID)

	var storeErr *StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, "RecordRun", storeErr.Op)
	assert.Equal(t, "dup", storeErr.ID)
}

func TestRecordRun_MissingID(t *testing.T) {
	store := setupTestStore(t)
	err := store.RecordRun(context.Background(), &Run{Target: "prod"})
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestGetRun_NotFound(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "GetRun run missing: run not found", err.Error())
}

// =============================================================================
// Listing Tests
// =============================================================================

func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordRun(ctx, newTestRun("p1", "prod", 0, true)))
	require.NoError(t, store.RecordRun(ctx, newTestRun("s1", "staging", time.Minute, true)))
	require.NoError(t, store.RecordRun(ctx, newTestRun("p2", "prod", 2*time.Minute, false)))
	require.NoError(t, store.RecordRun(ctx, newTestRun("p3", "prod", 3*time.Minute, true)))

	tests := []struct {
		name string
		opts ListOptions
		want []string
	}{
		{"all newest first", DefaultListOptions(), []string{"p3", "p2", "s1", "p1"}},
		{"by target", ListOptions{Target: "prod"}, []string{"p3", "p2", "p1"}},
		{"failed only", ListOptions{FailedOnly: true}, []string{"p2"}},
		{"limit", ListOptions{Limit: 2}, []string{"p3", "p2"}},
		{"offset", ListOptions{Limit: 2, Offset: 2}, []string{"s1", "p1"}},
		{"unknown target", ListOptions{Target: "dev"}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := store.ListRuns(ctx, tt.opts)
			require.NoError(t, err)
			ids := make([]string, 0, len(runs))
			for _, r := range runs {
				ids = append(ids, r.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestListOptions_Normalize(t *testing.T) {
	tests := []struct {
		name string
		in   ListOptions
		want ListOptions
	}{
		{"zero", ListOptions{}, ListOptions{Limit: 100}},
		{"too large", ListOptions{Limit: 5000}, ListOptions{Limit: 1000}},
		{"negative offset", ListOptions{Limit: 10, Offset: -1}, ListOptions{Limit: 10}},
		{"filters kept", ListOptions{Target: "prod", FailedOnly: true}, ListOptions{Limit: 100, Target: "prod", FailedOnly: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Normalize())
		})
	}
}

// =============================================================================
// Prune Tests
// =============================================================================

func TestPruneRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.RecordRun(ctx, newTestRun(fmt.Sprintf("p%d", i), "prod", time.Duration(i)*time.Minute, true)))
	}
	require.NoError(t, store.RecordRun(ctx, newTestRun("s0", "staging", 0, true)))

	deleted, err := store.PruneRuns(ctx, "prod", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	runs, err := store.ListRuns(ctx, ListOptions{Target: "prod"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "p4", runs[0].ID)
	assert.Equal(t, "p3", runs[1].ID)

	_, err = store.GetRun(ctx, "s0")
	assert.NoError(t, err, "other targets are untouched")

	deleted, err = store.PruneRuns(ctx, "prod", 0)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

// =============================================================================
// Transaction Tests
// =============================================================================

func TestWithTx_Commit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx Store) error {
		if err := tx.RecordRun(ctx, newTestRun("a", "prod", 0, true)); err != nil {
			return err
		}
		_, err := tx.PruneRuns(ctx, "prod", 10)
		return err
	})
	require.NoError(t, err)

	_, err = store.GetRun(ctx, "a")
	assert.NoError(t, err)
}

func TestWithTx_RollbackOnError(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx Store) error {
		require.NoError(t, tx.RecordRun(ctx, newTestRun("b", "prod", 0, true)))
		got, err := tx.GetRun(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, "b", got.ID)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetRun(ctx, "b")
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// Concurrency Tests
// =============================================================================

func TestRecordRun_Concurrent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			target := "prod"
			if i%2 == 1 {
				target = "staging"
			}
			assert.NoError(t, store.RecordRun(ctx, newTestRun(fmt.Sprintf("c%02d", i), target, time.Duration(i)*time.Second, true)))
		}(i)
	}
	wg.Wait()

	runs, err := store.ListRuns(ctx, DefaultListOptions())
	require.NoError(t, err)
	assert.Len(t, runs, 20)
}

// =============================================================================
// NewRun Tests
// =============================================================================

func TestNewRun(t *testing.T) {
	req := domain.DeploymentRequest{Host: "10.0.0.5", RemotePath: "/opt/app", ProjectName: "app"}
	o := domain.Outcome{
		RunID:       "run-9",
		Target:      "deploy@10.0.0.5:/opt/app",
		Success:     false,
		Reason:      "connection refused",
		FailedState: domain.StateConnecting,
		Sync:        domain.SyncResult{FilesTransferred: 1, BytesTransferred: 10, DeletedRemoteOnly: 3},
		Revision:    "abc",
		StartedAt:   baseTime,
		FinishedAt:  baseTime.Add(time.Second),
	}
	runErr := &domain.StageError{State: domain.StateConnecting, Err: domain.NewDeployError("Connect", "refused", domain.ErrUnreachable)}

	run := NewRun(o, req, "", runErr)

	assert.Equal(t, "run-9", run.ID)
	assert.Equal(t, "deploy@10.0.0.5:/opt/app", run.Target)
	assert.Equal(t, "10.0.0.5", run.Host)
	assert.Equal(t, "/opt/app", run.RemotePath)
	assert.Equal(t, "app", run.Project)
	assert.Equal(t, TriggerCLI, run.Trigger)
	assert.Equal(t, domain.StateFailed, run.FinalState)
	assert.Equal(t, domain.StateConnecting, run.FailedState)
	assert.Equal(t, "unreachable", run.ErrorKind)
	assert.Equal(t, 3, run.DeletedRemoteOnly)

	assert.Equal(t, "", NewRun(domain.Outcome{Success: true}, req, TriggerWebhook, nil).ErrorKind)
}
