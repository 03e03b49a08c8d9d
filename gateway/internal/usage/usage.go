// Package usage records per-request usage events. Events are buffered in
// a channel and written to the database in batches off the request path.
package usage

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"xbrl_api/gateway/internal/config"
	"xbrl_api/gateway/internal/db"
	"xbrl_api/gateway/internal/logger"
	"xbrl_api/gateway/internal/models"
)

// Recorder buffers usage events and flushes them in batches through a
// bounded worker pool.
type Recorder struct {
	db            *db.DB
	events        chan models.UsageEvent
	pool          *ants.Pool
	batchSize     int
	flushInterval time.Duration
	dropped       atomic.Int64

	// Touch, when set, refreshes a key's last-used timestamp after its
	// usage rows land. Failures cost nothing but the refresh.
	Touch func(ctx context.Context, keyID string, now time.Time) error

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewRecorder creates and starts a usage recorder.
func NewRecorder(database *db.DB, cfg *config.UsageConfig) (*Recorder, error) {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}

	pool, err := ants.NewPool(workers, ants.WithNonblocking(false))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create usage worker pool")
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		db:            database,
		events:        make(chan models.UsageEvent, bufferSize),
		pool:          pool,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		ctx:           ctx,
		cancel:        cancel,
	}

	r.wg.Add(1)
	go r.run()

	return r, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS usage_events (
	key_id      VARCHAR(36) NOT NULL,
	user_id     VARCHAR(64) NOT NULL,
	endpoint    VARCHAR(128) NOT NULL,
	method      VARCHAR(8) NOT NULL DEFAULT '',
	status_code INT NOT NULL,
	bytes       BIGINT NOT NULL DEFAULT 0,
	latency_ms  BIGINT NOT NULL DEFAULT 0,
	cost        DOUBLE PRECISION NOT NULL DEFAULT 0,
	occurred_at TIMESTAMP NOT NULL
)`

// InitSchema creates the usage_events table if missing. One statement
// per Exec; the mysql driver rejects multi-statement scripts by default.
func (r *Recorder) InitSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, "failed to initialize usage schema")
	}
	return r.db.CreateIndexIfMissing(ctx, "idx_usage_events_user", "usage_events", "user_id, occurred_at")
}

// Record enqueues one event. Never blocks the request path: when the
// buffer is full the event is dropped and counted, and Record reports
// false.
func (r *Recorder) Record(event models.UsageEvent) bool {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	select {
	case r.events <- event:
		return true
	default:
		if r.dropped.Add(1)%1000 == 1 {
			logger.Warn("usage buffer full, dropping events",
				zap.Int64("dropped_total", r.dropped.Load()))
		}
		return false
	}
}

// Dropped returns how many events were discarded due to a full buffer.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]models.UsageEvent, 0, r.batchSize)
	for {
		select {
		case <-r.ctx.Done():
			// Drain whatever is still queued before leaving.
			for {
				select {
				case ev := <-r.events:
					batch = append(batch, ev)
					if len(batch) >= r.batchSize {
						r.insertBatch(batch)
						batch = batch[:0]
					}
				default:
					if len(batch) > 0 {
						r.insertBatch(batch)
					}
					return
				}
			}
		case ev := <-r.events:
			batch = append(batch, ev)
			if len(batch) >= r.batchSize {
				r.submit(batch)
				batch = make([]models.UsageEvent, 0, r.batchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.submit(batch)
				batch = make([]models.UsageEvent, 0, r.batchSize)
			}
		}
	}
}

func (r *Recorder) submit(batch []models.UsageEvent) {
	if err := r.pool.Submit(func() { r.insertBatch(batch) }); err != nil {
		// Pool rejected the task; write inline rather than lose the batch.
		r.insertBatch(batch)
	}
}

func (r *Recorder) insertBatch(batch []models.UsageEvent) {
	if len(batch) == 0 {
		return
	}

	var b strings.Builder
	b.WriteString(`INSERT INTO usage_events (key_id, user_id, endpoint, method, status_code, bytes, latency_ms, cost, occurred_at) VALUES `)
	args := make([]any, 0, len(batch)*9)
	for i, ev := range batch {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args, ev.KeyID, ev.UserID, ev.Endpoint, ev.Method, ev.StatusCode,
			ev.Bytes, ev.LatencyMS, ev.Cost, ev.OccurredAt)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, r.db.Rebind(b.String()), args...); err != nil {
		logger.Error("failed to flush usage batch",
			zap.Int("events", len(batch)), zap.Error(err))
		return
	}
	r.touchKeys(ctx, batch)
}

// touchKeys refreshes last_used_at once per key seen in the batch.
func (r *Recorder) touchKeys(ctx context.Context, batch []models.UsageEvent) {
	if r.Touch == nil {
		return
	}
	latest := make(map[string]time.Time, len(batch))
	for _, ev := range batch {
		if ev.OccurredAt.After(latest[ev.KeyID]) {
			latest[ev.KeyID] = ev.OccurredAt
		}
	}
	for keyID, ts := range latest {
		if err := r.Touch(ctx, keyID, ts); err != nil {
			logger.Debug("failed to refresh key last_used_at",
				zap.String("key_id", keyID), zap.Error(err))
		}
	}
}

// Stop flushes outstanding events and shuts the recorder down. Safe to
// call more than once.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		r.cancel()
		r.wg.Wait()
		// Give in-flight batch writes a chance to land.
		_ = r.pool.ReleaseTimeout(5 * time.Second)
	})
}

// DailyTotals is a per-key usage rollup for one day.
type DailyTotals struct {
	KeyID        string  `json:"key_id"`
	Requests     int64   `json:"requests"`
	ErrorCount   int64   `json:"error_count"`
	TotalBytes   int64   `json:"total_bytes"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// GetDailyTotals aggregates a user's events for the day containing ts.
func (r *Recorder) GetDailyTotals(ctx context.Context, userID string, ts time.Time) ([]*DailyTotals, error) {
	dayStart := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	query := r.db.Rebind(`SELECT key_id,
	          COUNT(*),
	          SUM(CASE WHEN status_code >= 400 THEN 1 ELSE 0 END),
	          COALESCE(SUM(bytes), 0),
	          COALESCE(AVG(latency_ms), 0)
	          FROM usage_events
	          WHERE user_id = ? AND occurred_at >= ? AND occurred_at < ?
	          GROUP BY key_id ORDER BY key_id`)

	rows, err := r.db.QueryContext(ctx, query, userID, dayStart, dayEnd)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query usage totals")
	}
	defer rows.Close()

	var out []*DailyTotals
	for rows.Next() {
		var t DailyTotals
		if err := rows.Scan(&t.KeyID, &t.Requests, &t.ErrorCount, &t.TotalBytes, &t.AvgLatencyMS); err != nil {
			return nil, errors.Wrap(err, "failed to scan usage totals")
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}
