package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"magray/internal/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDims = 4

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Options{
		Path:       filepath.Join(t.TempDir(), "data", "memory.db"),
		Dimensions: testDims,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(s *Store, tier memory.Tier, text string) memory.Record {
	now := time.Now()
	return memory.Record{
		ID:         s.NewID(now),
		Text:       text,
		Embedding:  []float32{1, 2, 3, 4},
		Tier:       tier,
		CreatedAt:  now,
		TierSince:  now,
		LastAccess: now,
	}
}

func TestOpenRejectsZeroDimensions(t *testing.T) {
	_, err := Open(context.Background(), Options{Path: filepath.Join(t.TempDir(), "x.db")})
	require.Error(t, err)
	assert.ErrorIs(t, err, memory.ErrInvalidConfig)
}

func TestInsertGetLocate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := testRecord(s, memory.TierInteraction, "hello world")
	imp := 0.75
	rec.Importance = &imp
	rec.Tag = "proj"
	applied := false
	require.NoError(t, s.Insert(ctx, rec, func() error { applied = true; return nil }))
	assert.True(t, applied)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Text, got.Text)
	assert.Equal(t, rec.Embedding, got.Embedding)
	assert.Equal(t, memory.TierInteraction, got.Tier)
	assert.Equal(t, rec.CreatedAt.UnixNano(), got.CreatedAt.UnixNano())
	require.NotNil(t, got.Importance)
	assert.InDelta(t, 0.75, *got.Importance, 1e-9)
	assert.Equal(t, "proj", got.Tag)

	tier, err := s.Locate(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, memory.TierInteraction, tier)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, memory.ErrNotFound)
	_, err = s.Locate(ctx, "missing")
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestInsertApplyFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := testRecord(s, memory.TierInteraction, "doomed")
	boom := errors.New("index full")
	err := s.Insert(ctx, rec, func() error { return boom })
	assert.ErrorIs(t, err, boom)

	_, err = s.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestInsertDimensionMismatch(t *testing.T) {
	s := newTestStore(t)
	rec := testRecord(s, memory.TierInteraction, "short")
	rec.Embedding = []float32{1, 2}
	err := s.Insert(context.Background(), rec, nil)
	assert.ErrorIs(t, err, memory.ErrDimensionMismatch)
}

func TestInsertKeepsRecordInOneTier(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := testRecord(s, memory.TierInteraction, "moving")
	require.NoError(t, s.Insert(ctx, rec, nil))
	rec.Tier = memory.TierAsset
	require.NoError(t, s.Insert(ctx, rec, nil))

	n, err := s.Count(ctx, memory.TierInteraction)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	tier, err := s.Locate(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, memory.TierAsset, tier)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := testRecord(s, memory.TierInsight, "to delete")
	require.NoError(t, s.Insert(ctx, rec, nil))

	var seen memory.Tier
	tier, err := s.Delete(ctx, rec.ID, func(t memory.Tier) error { seen = t; return nil })
	require.NoError(t, err)
	assert.Equal(t, memory.TierInsight, tier)
	assert.Equal(t, memory.TierInsight, seen)

	_, err = s.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, memory.ErrNotFound)

	_, err = s.Delete(ctx, rec.ID, nil)
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestDeleteApplyFailureKeepsRecord(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := testRecord(s, memory.TierInsight, "sticky")
	require.NoError(t, s.Insert(ctx, rec, nil))

	_, err := s.Delete(ctx, rec.ID, func(memory.Tier) error { return errors.New("nope") })
	require.Error(t, err)
	_, err = s.Get(ctx, rec.ID)
	assert.NoError(t, err)
}

func TestPromote(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := testRecord(s, memory.TierInteraction, "rising")
	require.NoError(t, s.Insert(ctx, rec, nil))

	at := time.Now().Add(time.Hour)
	var moved memory.Record
	require.NoError(t, s.Promote(ctx, rec.ID, memory.TierInteraction, memory.TierInsight, at,
		func(r memory.Record) error { moved = r; return nil }))
	assert.Equal(t, memory.TierInsight, moved.Tier)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, memory.TierInsight, got.Tier)
	assert.Equal(t, at.UnixNano(), got.TierSince.UnixNano())
	assert.Equal(t, rec.CreatedAt.UnixNano(), got.CreatedAt.UnixNano())

	n, err := s.Count(ctx, memory.TierInteraction)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPromoteIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := testRecord(s, memory.TierInteraction, "stuck")
	require.NoError(t, s.Insert(ctx, rec, nil))

	err := s.Promote(ctx, rec.ID, memory.TierInteraction, memory.TierInsight, time.Now(),
		func(memory.Record) error { return errors.New("destination index rejected") })
	require.Error(t, err)

	tier, err := s.Locate(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, memory.TierInteraction, tier)
	n, err := s.Count(ctx, memory.TierInsight)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPromoteRejectsIllegalMoves(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	rec := testRecord(s, memory.TierInsight, "x")
	require.NoError(t, s.Insert(ctx, rec, nil))

	assert.Error(t, s.Promote(ctx, rec.ID, memory.TierInsight, memory.TierInteraction, time.Now(), nil))
	assert.Error(t, s.Promote(ctx, rec.ID, memory.TierInteraction, memory.TierAsset, time.Now(), nil))
	assert.Error(t, s.Promote(ctx, rec.ID, memory.TierAsset, memory.TierAsset, time.Now(), nil))
	err := s.Promote(ctx, "missing", memory.TierInsight, memory.TierAsset, time.Now(), nil)
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestTouch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := testRecord(s, memory.TierInteraction, "popular")
	require.NoError(t, s.Insert(ctx, rec, nil))

	later := rec.LastAccess.Add(time.Minute)
	require.NoError(t, s.Touch(ctx, []Access{
		{ID: rec.ID, Count: 3, At: later},
		{ID: "gone", Count: 1, At: later},
	}))
	require.NoError(t, s.Touch(ctx, []Access{{ID: rec.ID, Count: 1, At: rec.LastAccess}}))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got.AccessCount)
	assert.Equal(t, later.UnixNano(), got.LastAccess.UnixNano(), "last access never moves backwards")
}

func TestScanQuarantinesCorruptRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	good := testRecord(s, memory.TierInteraction, "good")
	require.NoError(t, s.Insert(ctx, good, nil))

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO records_interaction (id, text, embedding, created_at, tier_since, last_access) VALUES (?, ?, ?, 0, 0, 0)",
		"bad-length", "bad", []byte{1, 2, 3})
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO records_interaction (id, text, embedding, created_at, tier_since, last_access) VALUES (?, ?, ?, 0, 0, 0)",
		"bad-dims", "bad", encodeFloat32Slice([]float32{1, 2}))
	require.NoError(t, err)

	var ids []string
	require.NoError(t, s.Scan(ctx, memory.TierInteraction, func(r memory.Record) error {
		ids = append(ids, r.ID)
		return nil
	}))
	assert.Equal(t, []string{good.ID}, ids)

	q, err := s.Quarantined(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, q)
	n, err := s.Count(ctx, memory.TierInteraction)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counters, err := s.Counters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counters["quarantined"])
}

func TestScanStopsOnCallbackError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Insert(ctx, testRecord(s, memory.TierAsset, "r"), nil))
	}
	stop := errors.New("stop")
	calls := 0
	err := s.Scan(ctx, memory.TierAsset, func(memory.Record) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestIDsAndCount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	var want []string
	for i := 0; i < 5; i++ {
		rec := testRecord(s, memory.TierInsight, "r")
		want = append(want, rec.ID)
		require.NoError(t, s.Insert(ctx, rec, nil))
	}
	ids, err := s.IDs(ctx, memory.TierInsight)
	require.NoError(t, err)
	assert.ElementsMatch(t, want, ids)

	n, err := s.Count(ctx, memory.TierInsight)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestIndexMeta(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	data, err := s.LoadIndexMeta(ctx, memory.TierAsset)
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, s.SaveIndexMeta(ctx, memory.TierAsset, []byte("graph-v1")))
	require.NoError(t, s.SaveIndexMeta(ctx, memory.TierAsset, []byte("graph-v2")))
	data, err = s.LoadIndexMeta(ctx, memory.TierAsset)
	require.NoError(t, err)
	assert.Equal(t, []byte("graph-v2"), data)

	data, err = s.LoadIndexMeta(ctx, memory.TierInteraction)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestCounters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.AddCounter(ctx, "promotions", 2))
	require.NoError(t, s.AddCounter(ctx, "promotions", 3))
	require.NoError(t, s.AddCounter(ctx, "expired", 1))

	c, err := s.Counters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), c["promotions"])
	assert.Equal(t, int64(1), c["expired"])
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memory.db")
	s, err := Open(ctx, Options{Path: path, Dimensions: testDims})
	require.NoError(t, err)
	rec := testRecord(s, memory.TierAsset, "durable")
	require.NoError(t, s.Insert(ctx, rec, nil))
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Close())

	s, err = Open(ctx, Options{Path: path, Dimensions: testDims})
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "durable", got.Text)
}

func TestConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				assert.NoError(t, s.Insert(ctx, testRecord(s, memory.TierInteraction, "c"), nil))
			}
		}()
	}
	wg.Wait()

	n, err := s.Count(ctx, memory.TierInteraction)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
}

func TestNewIDIsOrdered(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	a := s.NewID(now)
	b := s.NewID(now)
	assert.Less(t, a, b)
	assert.Len(t, a, 26)
}
