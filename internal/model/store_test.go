package model

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/behavauth/internal/features"
	"github.com/mbd888/behavauth/internal/testutil"
)

func exerciseSequences(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	var got []int
	for _, kind := range []SessionKind{Accepted, Accepted, Quarantined, Accepted, Quarantined} {
		seq, err := s.AppendSession(ctx, "alice", kind, []features.Vector{row()})
		require.NoError(t, err)
		got = append(got, seq)
	}
	assert.Equal(t, []int{1, 2, 1, 3, 2}, got, "accepted and quarantined number independently")

	seq, err := s.AppendSession(ctx, "bob", Accepted, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, seq, "users number independently")

	accepted, err := s.ListSessions(ctx, "alice", Accepted)
	require.NoError(t, err)
	require.Len(t, accepted, 3)
	for i, rec := range accepted {
		assert.Equal(t, i+1, rec.Seq)
		assert.Equal(t, Accepted, rec.Kind)
		assert.Len(t, rec.Rows, 1)
	}

	n, err := s.CountSessions(ctx, "alice", Quarantined)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func exerciseConcurrentAppend(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	const n = 20
	r := row()
	seqs := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := s.AppendSession(ctx, "carol", Accepted, []features.Vector{r})
			if err != nil {
				t.Errorf("append: %v", err)
				return
			}
			seqs <- seq
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int]bool)
	for seq := range seqs {
		assert.False(t, seen[seq], "duplicate sequence %d", seq)
		seen[seq] = true
	}
	for i := 1; i <= n; i++ {
		assert.True(t, seen[i], "missing sequence %d", i)
	}
}

func exerciseModels(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	art, err := s.GetModel(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, art)
	meta, err := s.GetMetadata(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, meta)

	trained := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	for _, user := range []string{"zed", "alice"} {
		require.NoError(t, s.SaveModel(ctx, user, []byte(`{"format_version":1}`), &Metadata{
			UserID: user, ModelExists: true, LastTrained: trained, ModelType: ModelType, ModelVersion: 1,
		}))
	}
	require.NoError(t, s.SaveModel(ctx, "alice", []byte(`{"format_version":2}`), &Metadata{
		UserID: "alice", ModelExists: true, LastTrained: trained, ModelType: ModelType, ModelVersion: 2,
	}))

	art, err = s.GetModel(ctx, "alice")
	require.NoError(t, err)
	assert.JSONEq(t, `{"format_version":2}`, string(art))

	all, err := s.ListMetadata(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "alice", all[0].UserID)
	assert.Equal(t, 2, all[0].ModelVersion)
	assert.True(t, all[0].LastTrained.Equal(trained))
	assert.Equal(t, "zed", all[1].UserID)
}

func exerciseDeleteUser(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.AppendSession(ctx, "dave", Accepted, []features.Vector{row()})
	require.NoError(t, err)
	require.NoError(t, s.SaveModel(ctx, "dave", []byte(`{}`), &Metadata{UserID: "dave", ModelVersion: 3}))

	require.NoError(t, s.DeleteUser(ctx, "dave"))

	n, err := s.CountSessions(ctx, "dave", Accepted)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	meta, err := s.GetMetadata(ctx, "dave")
	require.NoError(t, err)
	assert.Nil(t, meta)

	seq, err := s.AppendSession(ctx, "dave", Accepted, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, seq, "numbering restarts after reset")
}

func TestMemoryStoreSequences(t *testing.T) {
	exerciseSequences(t, NewMemoryStore())
}

func TestMemoryStoreConcurrentAppend(t *testing.T) {
	exerciseConcurrentAppend(t, NewMemoryStore())
}

func TestMemoryStoreModels(t *testing.T) {
	exerciseModels(t, NewMemoryStore())
}

func TestMemoryStoreDeleteUser(t *testing.T) {
	exerciseDeleteUser(t, NewMemoryStore())
}

func TestMemoryStorePreservesAbsentFeatures(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.AppendSession(ctx, "erin", Accepted, []features.Vector{incomplete()})
	require.NoError(t, err)
	recs, err := s.ListSessions(ctx, "erin", Accepted)
	require.NoError(t, err)
	assert.Equal(t, []string{"gyro_variance"}, recs[0].Rows[0].Missing())
}

func TestPostgresStore(t *testing.T) {
	db := testutil.PGTest(t)

	s := NewPostgresStore(db)
	require.NoError(t, s.Migrate(context.Background()))

	t.Run("sequences", func(t *testing.T) { exerciseSequences(t, s) })
	t.Run("concurrent append", func(t *testing.T) { exerciseConcurrentAppend(t, s) })
	t.Run("models", func(t *testing.T) { exerciseModels(t, s) })
	t.Run("delete user", func(t *testing.T) { exerciseDeleteUser(t, s) })

	recs, err := s.ListSessions(context.Background(), "alice", Accepted)
	require.NoError(t, err)
	assert.True(t, recs[0].Rows[0].Complete(), "rows survive the JSONB round trip")
}
