// Package store persists memory records, per-tier index snapshots and engine
// counters in a single SQLite file.
//
// Each tier owns its own records table. A record lives in exactly one of them
// at any time; Insert, Promote and Delete keep that true inside one
// transaction and run a caller supplied apply hook before commit so that the
// in-memory index and the store change together or not at all.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"magray/internal/memory"
)

const lockStripes = 64

// Options configures Open.
type Options struct {
	Path       string // database file; parent directories are created
	Dimensions int    // embedding length every stored record must have
	Logger     *zap.Logger
}

// Store is the SQLite-backed persistent store. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	path   string
	dims   int
	logger *zap.Logger

	locks [lockStripes]sync.Mutex

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// Access is one batched access-metadata update for a record.
type Access struct {
	ID    string
	Count uint64
	At    time.Time
}

// Open opens or creates the store at opts.Path.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Dimensions <= 0 {
		return nil, memory.Wrap("store.open", memory.KindFatal,
			fmt.Errorf("%w: dimensions must be positive", memory.ErrInvalidConfig))
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	dsn := opts.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &Store{
		db:      db,
		path:    opts.Path,
		dims:    opts.Dimensions,
		logger:  opts.Logger.Named("store"),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, memory.Wrap("store.open", memory.KindFatal, fmt.Errorf("migrate: %w", err))
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, t := range memory.Tiers {
		schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id           TEXT PRIMARY KEY,
			text         TEXT NOT NULL,
			embedding    BLOB NOT NULL,
			created_at   INTEGER NOT NULL,
			tier_since   INTEGER NOT NULL,
			last_access  INTEGER NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			importance   REAL,
			tag          TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_tier_since ON %[1]s(tier_since);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id       INTEGER PRIMARY KEY CHECK (id = 1),
			data     BLOB NOT NULL,
			saved_at INTEGER NOT NULL
		);`, recordsTable(t), metaTable(t))
		if _, err := s.db.ExecContext(ctx, schema); err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS counters (
		name  TEXT PRIMARY KEY,
		value INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS quarantine (
		id             TEXT NOT NULL,
		tier           TEXT NOT NULL,
		reason         TEXT NOT NULL,
		text           TEXT,
		embedding      BLOB,
		quarantined_at INTEGER NOT NULL
	);`)
	return err
}

func recordsTable(t memory.Tier) string { return "records_" + t.String() }

func metaTable(t memory.Tier) string { return "index_meta_" + t.String() }

// NewID returns a fresh, time-ordered record id.
func (s *Store) NewID(now time.Time) string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Dimensions returns the embedding length the store enforces.
func (s *Store) Dimensions() int {
	return s.dims
}

func (s *Store) lockFor(id string) *sync.Mutex {
	return &s.locks[xxhash.Sum64String(id)%lockStripes]
}

// Insert writes rec into its tier. Any copy of the id in another tier is
// removed in the same transaction. apply runs before commit; an error from
// it rolls the write back and is returned unchanged.
func (s *Store) Insert(ctx context.Context, rec memory.Record, apply func() error) error {
	if !rec.Tier.Valid() {
		return memory.Wrap("store.insert", memory.KindData, fmt.Errorf("invalid tier %d", rec.Tier))
	}
	if len(rec.Embedding) != s.dims {
		return memory.Wrap("store.insert", memory.KindData,
			fmt.Errorf("%w: got %d, want %d", memory.ErrDimensionMismatch, len(rec.Embedding), s.dims))
	}

	mu := s.lockFor(rec.ID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memory.Wrap("store.insert", memory.KindTransient, err)
	}
	defer tx.Rollback()

	for _, t := range memory.Tiers {
		if t == rec.Tier {
			continue
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+recordsTable(t)+" WHERE id = ?", rec.ID); err != nil {
			return memory.Wrap("store.insert", memory.KindTransient, err)
		}
	}
	if err := insertRow(ctx, tx, rec); err != nil {
		return memory.Wrap("store.insert", memory.KindTransient, err)
	}
	if apply != nil {
		if err := apply(); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return memory.Wrap("store.insert", memory.KindTransient, err)
	}
	return nil
}

func insertRow(ctx context.Context, tx *sql.Tx, rec memory.Record) error {
	var importance sql.NullFloat64
	if rec.Importance != nil {
		importance = sql.NullFloat64{Float64: *rec.Importance, Valid: true}
	}
	_, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO "+recordsTable(rec.Tier)+
			" (id, text, embedding, created_at, tier_since, last_access, access_count, importance, tag)"+
			" VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		rec.ID, rec.Text, encodeFloat32Slice(rec.Embedding),
		unixNano(rec.CreatedAt), unixNano(rec.TierSince), unixNano(rec.LastAccess),
		int64(rec.AccessCount), importance, rec.Tag)
	return err
}

// Get returns the record with id from whichever tier holds it.
func (s *Store) Get(ctx context.Context, id string) (memory.Record, error) {
	for _, t := range memory.Tiers {
		rec, err := s.getFrom(ctx, s.db, t, id)
		if errors.Is(err, memory.ErrNotFound) {
			continue
		}
		return rec, err
	}
	return memory.Record{}, memory.Wrap("store.get", memory.KindUnknown, fmt.Errorf("%w: %s", memory.ErrNotFound, id))
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getFrom(ctx context.Context, q queryer, t memory.Tier, id string) (memory.Record, error) {
	row := q.QueryRowContext(ctx,
		"SELECT id, text, embedding, created_at, tier_since, last_access, access_count, importance, tag FROM "+
			recordsTable(t)+" WHERE id = ?", id)
	rec, err := s.scanRecord(row, t)
	if errors.Is(err, sql.ErrNoRows) {
		return memory.Record{}, memory.ErrNotFound
	}
	if err != nil {
		return memory.Record{}, memory.Wrap("store.get", memory.KindData, err)
	}
	return rec, nil
}

// Locate returns the tier currently holding id.
func (s *Store) Locate(ctx context.Context, id string) (memory.Tier, error) {
	for _, t := range memory.Tiers {
		var one int
		err := s.db.QueryRowContext(ctx, "SELECT 1 FROM "+recordsTable(t)+" WHERE id = ?", id).Scan(&one)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, memory.Wrap("store.locate", memory.KindTransient, err)
		}
	}
	return 0, memory.Wrap("store.locate", memory.KindUnknown, fmt.Errorf("%w: %s", memory.ErrNotFound, id))
}

// Delete removes id from whichever tier holds it and returns that tier.
// apply receives the tier before commit; an error from it rolls back.
func (s *Store) Delete(ctx context.Context, id string, apply func(memory.Tier) error) (memory.Tier, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, memory.Wrap("store.delete", memory.KindTransient, err)
	}
	defer tx.Rollback()

	for _, t := range memory.Tiers {
		res, err := tx.ExecContext(ctx, "DELETE FROM "+recordsTable(t)+" WHERE id = ?", id)
		if err != nil {
			return 0, memory.Wrap("store.delete", memory.KindTransient, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		if apply != nil {
			if err := apply(t); err != nil {
				return 0, err
			}
		}
		if err := tx.Commit(); err != nil {
			return 0, memory.Wrap("store.delete", memory.KindTransient, err)
		}
		return t, nil
	}
	return 0, memory.Wrap("store.delete", memory.KindUnknown, fmt.Errorf("%w: %s", memory.ErrNotFound, id))
}

// Promote moves id from one tier to the next in a single transaction and
// stamps its tier entry time with at. apply receives the moved record before
// commit; an error from it rolls the move back.
func (s *Store) Promote(ctx context.Context, id string, from, to memory.Tier, at time.Time, apply func(memory.Record) error) error {
	if next, ok := from.Next(); !ok || next != to {
		return memory.Wrap("store.promote", memory.KindData, fmt.Errorf("illegal move %s -> %s", from, to))
	}

	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memory.Wrap("store.promote", memory.KindTransient, err)
	}
	defer tx.Rollback()

	rec, err := s.getFrom(ctx, tx, from, id)
	if err != nil {
		return memory.Wrap("store.promote", memory.KindOf(err), err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+recordsTable(from)+" WHERE id = ?", id); err != nil {
		return memory.Wrap("store.promote", memory.KindTransient, err)
	}
	rec.Tier = to
	rec.TierSince = at
	if err := insertRow(ctx, tx, rec); err != nil {
		return memory.Wrap("store.promote", memory.KindTransient, err)
	}
	if apply != nil {
		if err := apply(rec); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return memory.Wrap("store.promote", memory.KindTransient, err)
	}
	return nil
}

// Touch applies a batch of access updates. Ids that no longer exist are
// ignored.
func (s *Store) Touch(ctx context.Context, accesses []Access) error {
	if len(accesses) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memory.Wrap("store.touch", memory.KindTransient, err)
	}
	defer tx.Rollback()

	for _, t := range memory.Tiers {
		stmt, err := tx.PrepareContext(ctx, "UPDATE "+recordsTable(t)+
			" SET access_count = access_count + ?, last_access = MAX(last_access, ?) WHERE id = ?")
		if err != nil {
			return memory.Wrap("store.touch", memory.KindTransient, err)
		}
		for _, a := range accesses {
			if _, err := stmt.ExecContext(ctx, int64(a.Count), unixNano(a.At), a.ID); err != nil {
				stmt.Close()
				return memory.Wrap("store.touch", memory.KindTransient, err)
			}
		}
		stmt.Close()
	}
	if err := tx.Commit(); err != nil {
		return memory.Wrap("store.touch", memory.KindTransient, err)
	}
	return nil
}

// Scan calls fn for every decodable record in tier. Rows that fail to decode
// or carry an embedding of the wrong length are moved to quarantine and
// skipped. An error from fn stops the scan and is returned.
func (s *Store) Scan(ctx context.Context, tier memory.Tier, fn func(memory.Record) error) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, text, embedding, created_at, tier_since, last_access, access_count, importance, tag FROM "+
			recordsTable(tier)+" ORDER BY id")
	if err != nil {
		return memory.Wrap("store.scan", memory.KindTransient, err)
	}

	type bad struct {
		id     string
		reason string
	}
	var quarantine []bad
	for rows.Next() {
		rec, err := s.scanRecord(rows, tier)
		if err != nil {
			var ce *corruptError
			if errors.As(err, &ce) {
				quarantine = append(quarantine, bad{id: ce.id, reason: ce.reason})
				continue
			}
			rows.Close()
			return memory.Wrap("store.scan", memory.KindTransient, err)
		}
		if err := fn(rec); err != nil {
			rows.Close()
			return err
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return memory.Wrap("store.scan", memory.KindTransient, err)
	}
	rows.Close()

	for _, b := range quarantine {
		if err := s.quarantine(ctx, tier, b.id, b.reason); err != nil {
			s.logger.Error("Quarantine failed", zap.String("id", b.id), zap.Error(err))
			continue
		}
		s.logger.Warn("Quarantined corrupt record",
			zap.String("id", b.id), zap.Stringer("tier", tier), zap.String("reason", b.reason))
	}
	return nil
}

func (s *Store) quarantine(ctx context.Context, tier memory.Tier, id, reason string) error {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO quarantine (id, tier, reason, text, embedding, quarantined_at)"+
			" SELECT id, ?, ?, text, embedding, ? FROM "+recordsTable(tier)+" WHERE id = ?",
		tier.String(), reason, time.Now().UnixNano(), id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+recordsTable(tier)+" WHERE id = ?", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO counters (name, value) VALUES ('quarantined', 1)"+
			" ON CONFLICT(name) DO UPDATE SET value = value + 1"); err != nil {
		return err
	}
	return tx.Commit()
}

// Quarantined returns how many rows have been moved to quarantine.
func (s *Store) Quarantined(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM quarantine").Scan(&n); err != nil {
		return 0, memory.Wrap("store.quarantined", memory.KindTransient, err)
	}
	return n, nil
}

// IDs returns every record id in tier.
func (s *Store) IDs(ctx context.Context, tier memory.Tier) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM "+recordsTable(tier))
	if err != nil {
		return nil, memory.Wrap("store.ids", memory.KindTransient, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, memory.Wrap("store.ids", memory.KindTransient, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Count returns the number of records in tier.
func (s *Store) Count(ctx context.Context, tier memory.Tier) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+recordsTable(tier)).Scan(&n); err != nil {
		return 0, memory.Wrap("store.count", memory.KindTransient, err)
	}
	return n, nil
}

// SaveIndexMeta stores the serialised index for tier.
func (s *Store) SaveIndexMeta(ctx context.Context, tier memory.Tier, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO "+metaTable(tier)+" (id, data, saved_at) VALUES (1, ?, ?)",
		data, time.Now().UnixNano())
	if err != nil {
		return memory.Wrap("store.save_index", memory.KindTransient, err)
	}
	return nil
}

// LoadIndexMeta returns the serialised index for tier, or nil if none has
// been saved.
func (s *Store) LoadIndexMeta(ctx context.Context, tier memory.Tier) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM "+metaTable(tier)+" WHERE id = 1").Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, memory.Wrap("store.load_index", memory.KindTransient, err)
	}
	return data, nil
}

// AddCounter adds delta to the named counter.
func (s *Store) AddCounter(ctx context.Context, name string, delta int64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO counters (name, value) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET value = value + excluded.value",
		name, delta)
	if err != nil {
		return memory.Wrap("store.counter", memory.KindTransient, err)
	}
	return nil
}

// Counters returns every persisted counter.
func (s *Store) Counters(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, value FROM counters")
	if err != nil {
		return nil, memory.Wrap("store.counters", memory.KindTransient, err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var name string
		var v int64
		if err := rows.Scan(&name, &v); err != nil {
			return nil, memory.Wrap("store.counters", memory.KindTransient, err)
		}
		out[name] = v
	}
	return out, rows.Err()
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Flush checkpoints the write-ahead log into the main database file.
func (s *Store) Flush(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return memory.Wrap("store.flush", memory.KindTransient, err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type corruptError struct {
	id     string
	reason string
}

func (e *corruptError) Error() string {
	return fmt.Sprintf("%v: %s: %s", memory.ErrCorrupt, e.id, e.reason)
}

func (e *corruptError) Unwrap() error { return memory.ErrCorrupt }

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanRecord(row rowScanner, tier memory.Tier) (memory.Record, error) {
	var (
		rec        memory.Record
		emb        []byte
		created    int64
		since      int64
		last       int64
		count      int64
		importance sql.NullFloat64
	)
	if err := row.Scan(&rec.ID, &rec.Text, &emb, &created, &since, &last, &count, &importance, &rec.Tag); err != nil {
		return memory.Record{}, err
	}
	if len(emb)%4 != 0 {
		return memory.Record{}, &corruptError{id: rec.ID, reason: "embedding blob is not float32 aligned"}
	}
	if len(emb)/4 != s.dims {
		return memory.Record{}, &corruptError{id: rec.ID,
			reason: fmt.Sprintf("embedding has %d dimensions, want %d", len(emb)/4, s.dims)}
	}
	rec.Embedding = decodeFloat32Slice(emb)
	for _, f := range rec.Embedding {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return memory.Record{}, &corruptError{id: rec.ID, reason: "embedding contains non-finite values"}
		}
	}
	rec.Tier = tier
	rec.CreatedAt = fromUnixNano(created)
	rec.TierSince = fromUnixNano(since)
	rec.LastAccess = fromUnixNano(last)
	if count > 0 {
		rec.AccessCount = uint64(count)
	}
	if importance.Valid {
		v := importance.Float64
		rec.Importance = &v
	}
	return rec, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// encodeFloat32Slice converts []float32 to little-endian bytes.
func encodeFloat32Slice(f []float32) []byte {
	buf := make([]byte, len(f)*4)
	for i, v := range f {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeFloat32Slice(b []byte) []float32 {
	f := make([]float32, len(b)/4)
	for i := range f {
		f[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return f
}
