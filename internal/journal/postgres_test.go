package journal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ---------------------------------------------------------------------------
// Test helpers: mock DB types
// ---------------------------------------------------------------------------

type mockRows struct {
	data [][]any
	idx  int
	err  error
}

func (r *mockRows) Close()                                       {}
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *int:
			*d = v.(int)
		case *int64:
			*d = v.(int64)
		case *bool:
			*d = v.(bool)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

type mockDB struct {
	queryFunc func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc  func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

// ---------------------------------------------------------------------------
// Unit tests
// ---------------------------------------------------------------------------

func TestPostgresStore_Record(t *testing.T) {
	t.Parallel()

	var gotSQL string
	var gotArgs []any
	db := &mockDB{execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		gotSQL, gotArgs = sql, args
		return pgconn.CommandTag{}, nil
	}}
	s := NewPostgresStore(db)

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := s.Record(context.Background(), Entry{
		TurnID:     "turn-1",
		SessionID:  "abc123",
		Transport:  "streaming",
		Epoch:      7,
		SpeechMs:   960,
		Status:     StatusOK,
		ReplyBytes: 4800,
		FirstAudio: 350 * time.Millisecond,
		Duration:   2 * time.Second,
		StartedAt:  started,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !strings.Contains(gotSQL, "INSERT INTO dialog_turns") {
		t.Errorf("unexpected SQL: %s", gotSQL)
	}
	if len(gotArgs) != 13 {
		t.Fatalf("args = %d, want 13", len(gotArgs))
	}
	if gotArgs[0] != "turn-1" || gotArgs[3] != int64(7) || gotArgs[7] != "ok" {
		t.Errorf("args = %v", gotArgs)
	}
	if gotArgs[10] != int64(350) || gotArgs[11] != int64(2000) {
		t.Errorf("durations = %v, %v; want 350, 2000", gotArgs[10], gotArgs[11])
	}
	if gotArgs[12] != started {
		t.Errorf("started_at = %v", gotArgs[12])
	}
}

func TestPostgresStore_RecordError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	s := NewPostgresStore(&mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, boom
	}})
	err := s.Record(context.Background(), Entry{TurnID: "t"})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped %v", err, boom)
	}
}

func TestPostgresStore_Recent(t *testing.T) {
	t.Parallel()

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var gotLimit any
	db := &mockDB{queryFunc: func(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
		gotLimit = args[0]
		return &mockRows{data: [][]any{
			{"t2", "abc123", "streaming", int64(3), 640, false, "lights on", "aborted", "local_command", 0, int64(0), int64(120), started},
			{"t1", "abc123", "streaming", int64(2), 900, true, "hello", "ok", "", 9600, int64(410), int64(3100), started.Add(-time.Minute)},
		}}, nil
	}}
	s := NewPostgresStore(db)

	entries, err := s.Recent(context.Background(), 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if gotLimit != defaultMemoryCapacity {
		t.Errorf("limit = %v, want %d", gotLimit, defaultMemoryCapacity)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if e := entries[0]; e.Status != StatusAborted || e.Reason != "local_command" || e.Epoch != 3 {
		t.Errorf("entries[0] = %+v", e)
	}
	if e := entries[1]; e.FirstAudio != 410*time.Millisecond || e.Duration != 3100*time.Millisecond || !e.Forced {
		t.Errorf("entries[1] = %+v", e)
	}
}

func TestPostgresStore_RecentRowsError(t *testing.T) {
	t.Parallel()

	boom := errors.New("stream broken")
	s := NewPostgresStore(&mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
		return &mockRows{err: boom}, nil
	}})
	if _, err := s.Recent(context.Background(), 5); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

// ---------------------------------------------------------------------------
// Integration test
// ---------------------------------------------------------------------------

// testDSN returns the test database DSN from the environment, or skips the
// test if FAWN_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("FAWN_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FAWN_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func TestPostgresStore_Integration(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()

	s, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)
	if _, err := s.db.Exec(ctx, `TRUNCATE dialog_turns`); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	for i := range 3 {
		e := Entry{
			TurnID:    fmt.Sprintf("it-%d", i),
			Transport: "request_response",
			Status:    StatusOK,
			StartedAt: now.Add(time.Duration(i) * time.Second),
		}
		if err := s.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	// Overwrite the newest turn with its final status.
	if err := s.Record(ctx, Entry{TurnID: "it-2", Transport: "request_response", Status: StatusFailed, Reason: "status", StartedAt: now.Add(2 * time.Second)}); err != nil {
		t.Fatalf("Record overwrite: %v", err)
	}

	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].TurnID != "it-2" || got[0].Status != StatusFailed || got[1].TurnID != "it-1" {
		t.Errorf("Recent = %+v", got)
	}
}
