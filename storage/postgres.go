package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	_ "embed"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"bazos_harvest/config"
	"bazos_harvest/models"
	"bazos_harvest/retry"
)

//go:embed schema.sql
var schemaSQL string

// PoolState tracks the health of the connection pool as an explicit state
// machine: refresh is a transition, not an ad hoc flag.
type PoolState int32

const (
	PoolHealthy PoolState = iota
	PoolUnhealthy
	PoolRefreshing
)

func (s PoolState) String() string {
	switch s {
	case PoolHealthy:
		return "healthy"
	case PoolUnhealthy:
		return "unhealthy"
	case PoolRefreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// dbTx is the slice of pgx.Tx the gateway needs; pgx.Tx satisfies it.
type dbTx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// dbPool abstracts *pgxpool.Pool so pool failures can be injected in tests.
type dbPool interface {
	Begin(ctx context.Context) (dbTx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

type poolWrap struct{ *pgxpool.Pool }

func (w poolWrap) Begin(ctx context.Context) (dbTx, error) {
	return w.Pool.Begin(ctx)
}

// Gateway owns the pooled Postgres connections and exposes health-checked,
// retried persistence operations. All listing writes go through UpsertBatch
// so re-ingesting the same (id, run, source) triple overwrites instead of
// duplicating.
type Gateway struct {
	cfg    config.DatabaseConfig
	policy retry.Policy

	connect func(ctx context.Context) (dbPool, error)

	mu    sync.Mutex
	pool  dbPool
	state PoolState
}

func NewGateway(ctx context.Context, cfg config.DatabaseConfig) (*Gateway, error) {
	g := &Gateway{
		cfg: cfg,
		policy: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			Multiplier:  2.0,
		},
		connect: func(ctx context.Context) (dbPool, error) {
			return connectPool(ctx, cfg)
		},
	}

	pool, err := g.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect pool: %w", err)
	}
	g.pool = pool
	g.state = PoolHealthy
	return g, nil
}

func connectPool(ctx context.Context, cfg config.DatabaseConfig) (dbPool, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	pc.MaxConns = int32(cfg.PoolSize)
	pc.MinConns = 1
	pc.MaxConnLifetime = 30 * time.Minute
	pc.MaxConnIdleTime = 5 * time.Minute
	pc.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	// TCP keep-alive probes detect silently-dead peers before a connection
	// is handed out for a query.
	// net.KeepAliveConfig (Idle/Interval/Count) needs Go 1.23+; on this
	// toolchain Dialer.KeepAlive sets both the idle time and probe interval.
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: cfg.KeepaliveInterval,
	}
	pc.ConnConfig.DialFunc = dialer.DialContext

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return poolWrap{pool}, nil
}

func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pool != nil {
		g.pool.Close()
	}
}

func (g *Gateway) State() PoolState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gateway) getPool() dbPool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pool
}

// EnsureSchema applies the embedded DDL. Idempotent.
func (g *Gateway) EnsureSchema(ctx context.Context) error {
	_, err := g.getPool().Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// HealthCheck issues a trivial round trip and classifies the pool dead on
// timeout, reset, or protocol error.
func (g *Gateway) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var one int
	if err := g.getPool().QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		g.mu.Lock()
		g.state = PoolUnhealthy
		g.mu.Unlock()
		return fmt.Errorf("health check: %w", err)
	}

	g.mu.Lock()
	g.state = PoolHealthy
	g.mu.Unlock()
	return nil
}

// Refresh discards the entire pool and reconstructs it. A single bad
// connection must not poison the pool permanently, so replacement is always
// wholesale.
func (g *Gateway) Refresh(ctx context.Context) error {
	g.mu.Lock()
	g.state = PoolRefreshing
	old := g.pool
	g.mu.Unlock()

	if old != nil {
		old.Close()
	}

	pool, err := g.connect(ctx)

	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil {
		g.pool = nil
		g.state = PoolUnhealthy
		return fmt.Errorf("rebuild pool: %w", err)
	}
	g.pool = pool
	g.state = PoolHealthy
	return nil
}

// withRetry runs op under the retry policy. After any failed attempt the
// pool is health-checked; when unhealthy it is rebuilt before the next try.
func (g *Gateway) withRetry(ctx context.Context, name string, op func(ctx context.Context, pool dbPool) error) error {
	return g.policy.DoNotify(ctx, func(ctx context.Context) error {
		pool := g.getPool()
		if pool == nil {
			return fmt.Errorf("pool unavailable")
		}
		err := op(ctx, pool)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return retry.Permanent(err)
		}
		return err
	}, func(attempt int, err error) {
		log.Printf("db: %s failed (attempt %d): %v", name, attempt, err)
		if hcErr := g.HealthCheck(ctx); hcErr != nil {
			log.Printf("db: pool unhealthy after %s failure, rebuilding", name)
			if rErr := g.Refresh(ctx); rErr != nil {
				log.Printf("db: pool rebuild failed: %v", rErr)
			}
		}
	})
}

// IsTransient reports whether err is worth retrying: connection-class and
// serialization SQLSTATEs, network timeouts, and the usual torn-connection
// strings pgx surfaces.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.Code
		if strings.HasPrefix(code, "08") { // connection exception
			return true
		}
		switch code {
		case "40001", "40P01": // serialization failure, deadlock
			return true
		case "57P01", "57P02", "57P03": // admin shutdown, crash shutdown, cannot connect now
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if pgconn.SafeToRetry(err) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"unexpected eof",
		"conn closed",
		"i/o timeout",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

const listingColumns = 22

const listingInsertPrefix = `
	INSERT INTO listings (
		id, run_id, source_name, title, url, category,
		price, price_text, description, full_description, location,
		views, date_text, is_top, image_url, contact_name, phone,
		lat, lng, images, related, scraped_at
	) VALUES `

const listingConflictClause = `
	ON CONFLICT (id, run_id, source_name) DO UPDATE SET
		title = EXCLUDED.title,
		url = EXCLUDED.url,
		category = EXCLUDED.category,
		price = EXCLUDED.price,
		price_text = EXCLUDED.price_text,
		description = EXCLUDED.description,
		full_description = EXCLUDED.full_description,
		location = EXCLUDED.location,
		views = EXCLUDED.views,
		date_text = EXCLUDED.date_text,
		is_top = EXCLUDED.is_top,
		image_url = EXCLUDED.image_url,
		contact_name = EXCLUDED.contact_name,
		phone = EXCLUDED.phone,
		lat = EXCLUDED.lat,
		lng = EXCLUDED.lng,
		images = EXCLUDED.images,
		related = EXCLUDED.related,
		scraped_at = EXCLUDED.scraped_at`

// buildUpsert renders the multi-row upsert statement and its flattened
// argument list for one batch.
func buildUpsert(listings []models.Listing) (string, []any, error) {
	var sb strings.Builder
	sb.WriteString(listingInsertPrefix)

	args := make([]any, 0, len(listings)*listingColumns)
	for i, l := range listings {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for c := 0; c < listingColumns; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*listingColumns+c+1)
		}
		sb.WriteString(")")

		var images, related []byte
		var err error
		if len(l.Images) > 0 {
			if images, err = json.Marshal(l.Images); err != nil {
				return "", nil, fmt.Errorf("marshal images for %s: %w", l.SourceID, err)
			}
		}
		if len(l.Related) > 0 {
			if related, err = json.Marshal(l.Related); err != nil {
				return "", nil, fmt.Errorf("marshal related for %s: %w", l.SourceID, err)
			}
		}

		args = append(args,
			l.SourceID, l.RunID, l.SourceName, l.Title, l.URL, l.Category,
			l.Price, l.PriceText, l.Description, l.FullDescription, l.Location,
			l.Views, l.DateText, l.IsTop, l.ImageURL, l.ContactName, l.Phone,
			l.Lat, l.Lng, images, related, l.ScrapedAt,
		)
	}
	sb.WriteString(listingConflictClause)

	return sb.String(), args, nil
}

// UpsertBatch writes every listing in one parameterized statement inside a
// single transaction: either the whole batch lands or none of it does.
// Retried per the policy; exhaustion is reported to the caller, who decides
// whether the loss is fatal.
func (g *Gateway) UpsertBatch(ctx context.Context, listings []models.Listing) (int, error) {
	if len(listings) == 0 {
		return 0, nil
	}

	query, args, err := buildUpsert(listings)
	if err != nil {
		return 0, err
	}

	var affected int
	err = g.withRetry(ctx, "upsert batch", func(ctx context.Context, pool dbPool) error {
		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}

		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("exec: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit: %w", err)
		}

		affected = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// CreateRun persists a new run row and fills in its database identity.
func (g *Gateway) CreateRun(ctx context.Context, run *models.IngestionRun) error {
	query := `
		INSERT INTO ingestion_runs (
			run_token, start_time, categories, max_listings,
			search_query, location_filter, price_min, price_max, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	return g.withRetry(ctx, "create run", func(ctx context.Context, pool dbPool) error {
		return pool.QueryRow(ctx, query,
			run.RunToken, run.StartTime, run.Categories, run.MaxListings,
			run.SearchQuery, run.LocationFilter, run.PriceMin, run.PriceMax,
			string(run.Status),
		).Scan(&run.ID)
	})
}

// FinalizeRun sets the terminal status, end time and total exactly once.
func (g *Gateway) FinalizeRun(ctx context.Context, runID int64, status models.RunStatus, total int) error {
	query := `
		UPDATE ingestion_runs
		SET status = $2, total_listings = $3, end_time = $4
		WHERE id = $1`

	return g.withRetry(ctx, "finalize run", func(ctx context.Context, pool dbPool) error {
		_, err := pool.Exec(ctx, query, runID, string(status), total, time.Now())
		return err
	})
}

// LatestListings reads the latest-per-(id, source) snapshot view, optionally
// filtered by category and source.
func (g *Gateway) LatestListings(ctx context.Context, category, source string, limit int) ([]models.Listing, error) {
	query := `
		SELECT id, run_id, source_name, title, url, category,
			price, price_text, description, full_description, location,
			views, date_text, is_top, image_url, contact_name, phone,
			lat, lng, images, related, scraped_at
		FROM latest_listings
		WHERE ($1 = '' OR category = $1)
		  AND ($2 = '' OR source_name = $2)
		ORDER BY scraped_at DESC
		LIMIT $3`

	rows, err := g.getPool().Query(ctx, query, category, source, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []models.Listing
	for rows.Next() {
		var l models.Listing
		var images, related []byte
		if err := rows.Scan(
			&l.SourceID, &l.RunID, &l.SourceName, &l.Title, &l.URL, &l.Category,
			&l.Price, &l.PriceText, &l.Description, &l.FullDescription, &l.Location,
			&l.Views, &l.DateText, &l.IsTop, &l.ImageURL, &l.ContactName, &l.Phone,
			&l.Lat, &l.Lng, &images, &related, &l.ScrapedAt,
		); err != nil {
			return nil, err
		}
		if len(images) > 0 {
			json.Unmarshal(images, &l.Images)
		}
		if len(related) > 0 {
			json.Unmarshal(related, &l.Related)
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

// RunStats reads the per-run aggregate view for one run token.
func (g *Gateway) RunStats(ctx context.Context, runToken string) (*models.RunStats, error) {
	query := `
		SELECT run_token, start_time, end_time, status, total_listings,
			stored_rows, categories, avg_price
		FROM run_stats WHERE run_token = $1`

	var st models.RunStats
	err := g.getPool().QueryRow(ctx, query, runToken).Scan(
		&st.RunToken, &st.StartTime, &st.EndTime, &st.Status, &st.TotalListings,
		&st.StoredRows, &st.Categories, &st.AvgPrice,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// SourceStats reads the per-source aggregate view.
func (g *Gateway) SourceStats(ctx context.Context) ([]models.SourceStats, error) {
	query := `
		SELECT source_name, total_listings, total_runs, last_scraped_at
		FROM source_stats
		ORDER BY total_listings DESC`

	rows, err := g.getPool().Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []models.SourceStats
	for rows.Next() {
		var st models.SourceStats
		if err := rows.Scan(&st.SourceName, &st.TotalListings, &st.TotalRuns, &st.LastScrapedAt); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
