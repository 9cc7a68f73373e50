// Package contextstore reads recorded incremental high-water marks.
// Every lookup runs inside a short-lived Session that callers must Close.
package contextstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"hierplan/internal/metadata"
	"hierplan/internal/sqlutil"
)

// DefaultTable holds one row per recorded high-water mark.
const DefaultTable = "incremental_high_water_marks"

// ErrSessionClosed is returned when a closed session is used.
var ErrSessionClosed = errors.New("context store session closed")

// Store opens sessions against the processing-context store.
type Store interface {
	Open(ctx context.Context) (Session, error)
}

// Session is a scoped handle on the store.
type Session interface {
	// LastHighWaterMark returns the most recent mark recorded for cfg.
	// ok is false when nothing has been recorded yet.
	LastHighWaterMark(ctx context.Context, cfg metadata.IncrementalConfiguration) (mark time.Time, ok bool, err error)
	Close() error
}

// Conner is the subset of *sql.DB used by SQLStore.
type Conner interface {
	Conn(ctx context.Context) (*sql.Conn, error)
}

// SQLStore reads marks from a MySQL table, one pooled connection per session.
type SQLStore struct {
	db    Conner
	table string
}

// NewSQLStore returns a Store reading from table, or DefaultTable when empty.
func NewSQLStore(db Conner, table string) *SQLStore {
	if table == "" {
		table = DefaultTable
	}
	return &SQLStore{db: db, table: table}
}

// Open reserves a connection for the session.
func (s *SQLStore) Open(ctx context.Context) (Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open context store session: %w", err)
	}
	return &sqlSession{conn: conn, table: s.table}, nil
}

type sqlSession struct {
	conn  *sql.Conn
	table string

	mu     sync.Mutex
	closed bool
}

func (s *sqlSession) LastHighWaterMark(ctx context.Context, cfg metadata.IncrementalConfiguration) (mark time.Time, ok bool, err error) {
	ctx, span := otel.Tracer("hierplan/contextstore").Start(ctx, "contextstore.high_water_mark")
	span.SetAttributes(
		attribute.Int64("contextstore.configuration_id", cfg.ID),
		attribute.String("contextstore.column", cfg.ColumnName),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Bool("contextstore.found", ok))
		span.End()
	}()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return time.Time{}, false, ErrSessionClosed
	}

	query, args, err := sq.Select("high_water_mark").
		From(sqlutil.QuoteIdentifier(s.table)).
		Where(sq.Eq{"incremental_configuration_id": cfg.ID}).
		OrderBy("high_water_mark DESC").
		Limit(1).
		PlaceholderFormat(sq.Question).
		ToSql()
	if err != nil {
		return time.Time{}, false, err
	}

	var value sql.NullTime
	err = s.conn.QueryRowContext(ctx, query, args...).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read high-water mark for configuration %d: %w", cfg.ID, err)
	}
	if !value.Valid {
		return time.Time{}, false, nil
	}
	return value.Time, true, nil
}

func (s *sqlSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// MemoryStore serves marks from a fixed map keyed by configuration id.
// It backs catalog-driven runs and deployments without a context store.
type MemoryStore struct {
	marks map[int64]time.Time
}

// NewMemoryStore copies marks into a new store. A nil map yields an empty store.
func NewMemoryStore(marks map[int64]time.Time) *MemoryStore {
	copied := make(map[int64]time.Time, len(marks))
	for id, ts := range marks {
		copied[id] = ts
	}
	return &MemoryStore{marks: copied}
}

// Open returns a session over the store's marks.
func (m *MemoryStore) Open(context.Context) (Session, error) {
	return &memorySession{marks: m.marks}, nil
}

type memorySession struct {
	marks  map[int64]time.Time
	closed bool
}

func (s *memorySession) LastHighWaterMark(_ context.Context, cfg metadata.IncrementalConfiguration) (time.Time, bool, error) {
	if s.closed {
		return time.Time{}, false, ErrSessionClosed
	}
	mark, ok := s.marks[cfg.ID]
	return mark, ok, nil
}

func (s *memorySession) Close() error {
	s.closed = true
	return nil
}
