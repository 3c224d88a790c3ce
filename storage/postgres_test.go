package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"bazos_harvest/models"
	"bazos_harvest/retry"
)

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakeTx struct {
	exec      func(sql string, args ...any) (pgconn.CommandTag, error)
	commitErr error
	rolledBack bool
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.exec(sql, args...)
}
func (t *fakeTx) Commit(ctx context.Context) error   { return t.commitErr }
func (t *fakeTx) Rollback(ctx context.Context) error { t.rolledBack = true; return nil }

type fakePool struct {
	begin    func(ctx context.Context) (dbTx, error)
	queryRow func(sql string, args ...any) pgx.Row
	exec     func(sql string, args ...any) (pgconn.CommandTag, error)
	pingErr  error
	closed   bool
}

func (p *fakePool) Begin(ctx context.Context) (dbTx, error) {
	if p.begin == nil {
		return &fakeTx{exec: okExec}, nil
	}
	return p.begin(ctx)
}

func (p *fakePool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if p.exec == nil {
		return okExec(sql, args...)
	}
	return p.exec(sql, args...)
}

func (p *fakePool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (p *fakePool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if p.queryRow == nil {
		return fakeRow{scan: func(dest ...any) error { return nil }}
	}
	return p.queryRow(sql, args...)
}

func (p *fakePool) Ping(ctx context.Context) error { return p.pingErr }
func (p *fakePool) Close()                         { p.closed = true }

func okExec(sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
	}
}

// newTestGateway wires a gateway around an initial fake pool; subsequent
// pools are handed out by connect when the gateway rebuilds.
func newTestGateway(initial dbPool, replacements ...dbPool) (*Gateway, *int) {
	connects := 0
	g := &Gateway{
		policy: fastPolicy(3),
		pool:   initial,
		state:  PoolHealthy,
	}
	g.connect = func(ctx context.Context) (dbPool, error) {
		if connects < len(replacements) {
			p := replacements[connects]
			connects++
			return p, nil
		}
		connects++
		return &fakePool{}, nil
	}
	return g, &connects
}

func sampleListings(n int) []models.Listing {
	price := 1500
	listings := make([]models.Listing, n)
	for i := range listings {
		listings[i] = models.Listing{
			SourceID:   fmt.Sprintf("10000%d", i),
			RunID:      7,
			SourceName: "bazos_scraper",
			Title:      "Skoda Octavia",
			Category:   "auto",
			Price:      &price,
			Images:     []string{"https://example.com/1.jpg"},
			ScrapedAt:  time.Now(),
		}
	}
	return listings
}

func TestBuildUpsert(t *testing.T) {
	query, args, err := buildUpsert(sampleListings(2))
	if err != nil {
		t.Fatalf("buildUpsert failed: %v", err)
	}
	if len(args) != 2*listingColumns {
		t.Fatalf("expected %d args, got %d", 2*listingColumns, len(args))
	}
	if !strings.Contains(query, "$44") {
		t.Fatalf("expected placeholders up to $44 for two rows")
	}
	if strings.Contains(query, "$45") {
		t.Fatalf("placeholders run past the argument list")
	}
	if !strings.Contains(query, "ON CONFLICT (id, run_id, source_name) DO UPDATE") {
		t.Fatalf("missing conflict clause")
	}
	if strings.Contains(query, "created_at") {
		t.Fatalf("upsert must not touch created_at")
	}
}

func TestUpsertBatchRetriesTransient(t *testing.T) {
	failures := 2
	pool := &fakePool{
		begin: func(ctx context.Context) (dbTx, error) {
			return &fakeTx{exec: func(sql string, args ...any) (pgconn.CommandTag, error) {
				if failures > 0 {
					failures--
					return pgconn.CommandTag{}, errors.New("write tcp: connection reset by peer")
				}
				return pgconn.NewCommandTag("INSERT 0 2"), nil
			}}, nil
		},
	}
	g, _ := newTestGateway(pool)

	n, err := g.UpsertBatch(context.Background(), sampleListings(2))
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows affected, got %d", n)
	}
}

func TestUpsertBatchExhaustionIsReported(t *testing.T) {
	pool := &fakePool{
		begin: func(ctx context.Context) (dbTx, error) {
			return nil, errors.New("dial tcp: i/o timeout")
		},
	}
	g, _ := newTestGateway(pool)

	_, err := g.UpsertBatch(context.Background(), sampleListings(1))
	if !errors.Is(err, retry.ErrExhausted) {
		t.Fatalf("expected exhaustion error, got %v", err)
	}
}

func TestUnhealthyPoolIsRebuiltBetweenAttempts(t *testing.T) {
	// First pool: upsert fails and the health check fails too, so the
	// gateway must rebuild. Replacement pool: everything succeeds.
	bad := &fakePool{
		begin: func(ctx context.Context) (dbTx, error) {
			return nil, errors.New("conn closed")
		},
		queryRow: func(sql string, args ...any) pgx.Row {
			return fakeRow{scan: func(dest ...any) error {
				return errors.New("conn closed")
			}}
		},
	}
	good := &fakePool{
		begin: func(ctx context.Context) (dbTx, error) {
			return &fakeTx{exec: func(sql string, args ...any) (pgconn.CommandTag, error) {
				return pgconn.NewCommandTag("INSERT 0 1"), nil
			}}, nil
		},
	}
	g, connects := newTestGateway(bad, good)

	n, err := g.UpsertBatch(context.Background(), sampleListings(1))
	if err != nil {
		t.Fatalf("expected success after rebuild, got %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
	if *connects != 1 {
		t.Fatalf("expected exactly one pool rebuild, got %d", *connects)
	}
	if !bad.closed {
		t.Fatal("old pool must be closed on rebuild")
	}
	if g.State() != PoolHealthy {
		t.Fatalf("expected healthy state after rebuild, got %s", g.State())
	}
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	attempts := 0
	pool := &fakePool{
		begin: func(ctx context.Context) (dbTx, error) {
			attempts++
			return nil, &pgconn.PgError{Code: "23505", Message: "duplicate key"}
		},
	}
	g, _ := newTestGateway(pool)

	_, err := g.UpsertBatch(context.Background(), sampleListings(1))
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("constraint violation should not be retried, got %d attempts", attempts)
	}
	if errors.Is(err, retry.ErrExhausted) {
		t.Fatalf("permanent failure must not be reported as exhaustion: %v", err)
	}
}

func TestHealthCheckStates(t *testing.T) {
	pool := &fakePool{
		queryRow: func(sql string, args ...any) pgx.Row {
			return fakeRow{scan: func(dest ...any) error { return errors.New("connection refused") }}
		},
	}
	g, _ := newTestGateway(pool)

	if err := g.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected health check failure")
	}
	if g.State() != PoolUnhealthy {
		t.Fatalf("expected unhealthy, got %s", g.State())
	}

	if err := g.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if g.State() != PoolHealthy {
		t.Fatalf("expected healthy after refresh, got %s", g.State())
	}
}

func TestCreateRunFillsID(t *testing.T) {
	pool := &fakePool{
		queryRow: func(sql string, args ...any) pgx.Row {
			return fakeRow{scan: func(dest ...any) error {
				if id, ok := dest[0].(*int64); ok {
					*id = 42
					return nil
				}
				return errors.New("unexpected scan target")
			}}
		},
	}
	g, _ := newTestGateway(pool)

	run := &models.IngestionRun{
		RunToken:   "tok-1",
		StartTime:  time.Now(),
		Categories: []string{"auto"},
		Status:     models.RunStatusRunning,
	}
	if err := g.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("create run failed: %v", err)
	}
	if run.ID != 42 {
		t.Fatalf("expected run ID 42, got %d", run.ID)
	}
}

func TestIsTransient(t *testing.T) {
	timeoutErr := &net.OpError{Op: "read", Err: &timeoutNetErr{}}

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"syntax error", &pgconn.PgError{Code: "42601"}, false},
		{"net timeout", timeoutErr, true},
		{"reset string", errors.New("read tcp: connection reset by peer"), true},
		{"conn closed", errors.New("conn closed"), true},
		{"plain failure", errors.New("something else"), false},
	}
	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

type timeoutNetErr struct{}

func (timeoutNetErr) Error() string   { return "i/o timeout" }
func (timeoutNetErr) Timeout() bool   { return true }
func (timeoutNetErr) Temporary() bool { return true }
