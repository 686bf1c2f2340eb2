package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"originlock/internal/obs"
	"originlock/internal/storage"
)

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.Config{
		Path: filepath.Join(t.TempDir(), "journal_test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenMigratesToLatest(t *testing.T) {
	db := openTestDB(t)
	v, err := db.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	// re-running is a no-op
	require.NoError(t, db.Migrate(context.Background()))
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := storage.Open(context.Background(), storage.Config{})
	require.Error(t, err)
}

func TestJournalWritesAndHistory(t *testing.T) {
	db := openTestDB(t)
	j := storage.NewJournal(db, 16, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		j.Run(ctx)
	}()

	at := time.Unix(1700000000, 0)
	require.True(t, j.Append(storage.Entry{Kind: "requested", Origin: "https://a.example", LockID: 1, Mode: "exclusive", Scopes: []string{"x"}, OwnerID: "o1", At: at}))
	require.True(t, j.Append(storage.Entry{Kind: "granted", Origin: "https://a.example", LockID: 1, Mode: "exclusive", Scopes: []string{"x"}, LeaseID: "L1", OwnerID: "o1", At: at.Add(time.Millisecond)}))
	require.True(t, j.Append(storage.Entry{Kind: "granted", Origin: "https://b.example", LockID: 2, Mode: "shared", Scopes: []string{""}, At: at}))

	cancel()
	<-done

	assert.False(t, j.Append(storage.Entry{Kind: "late", Origin: "https://a.example"}), "closed journal rejects entries")

	hist, err := db.History(context.Background(), "https://a.example", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "granted", hist[0].Kind)
	assert.Equal(t, "L1", hist[0].LeaseID)
	assert.Equal(t, "requested", hist[1].Kind)
	assert.Equal(t, "", hist[1].LeaseID)
	assert.Equal(t, []string{"x"}, hist[1].Scopes)
	assert.True(t, hist[1].At.Equal(at))

	other, err := db.History(context.Background(), "https://b.example", 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, []string{""}, other[0].Scopes, "empty-string token survives")
}

func TestJournalDropsWhenFull(t *testing.T) {
	db := openTestDB(t)
	reg := prometheus.NewRegistry()
	m := obs.NewMetrics(reg)
	j := storage.NewJournal(db, 1, nil, m)

	assert.True(t, j.Append(storage.Entry{Kind: "a", Origin: "o"}))
	assert.False(t, j.Append(storage.Entry{Kind: "b", Origin: "o"}))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JournalDroppedTotal))
}

func TestHistoryRequiresOrigin(t *testing.T) {
	db := openTestDB(t)
	_, err := db.History(context.Background(), "", 1)
	require.Error(t, err)
}
