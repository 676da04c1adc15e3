package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/examgate/examgate-backend/internal/config"
	"github.com/examgate/examgate-backend/internal/model"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// ViolationWorker drains the queued anomaly signals into PostgreSQL in
// batches. Signals on the in-memory path already counted toward escalation;
// this worker only makes the audit trail durable.
type ViolationWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

// NewViolationWorker creates a new ViolationWorker.
func NewViolationWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *ViolationWorker {
	return &ViolationWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "violation_worker").Logger(),
	}
}

func (w *ViolationWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ViolationWorker started")

	buffer := make([]*model.ViolationJob, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		if len(buffer) > 0 {
			if len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0]
				lastFlushTime = time.Now()
			}
		}

		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistViolationsQueue).Result()
		if err != nil {
			if err == redis.Nil {
				continue // Queue empty, loop back to check flush timer
			}
			if ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			time.Sleep(3 * time.Second)
			continue
		}

		if len(result) < 2 {
			continue
		}

		var job model.ViolationJob
		if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
			// Malformed JSON can never succeed on retry. Log and discard.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed JSON")
			continue
		}

		buffer = append(buffer, &job)
	}
}

// flushSafe attempts bulk insert, then row-by-row fallback, then requeue.
func (w *ViolationWorker) flushSafe(ctx context.Context, batch []*model.ViolationJob) {
	if err := w.bulkInsert(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
		return
	}
	w.syncCounts(ctx, batch)
}

func (w *ViolationWorker) bulkInsert(ctx context.Context, batch []*model.ViolationJob) error {
	rows := make([][]interface{}, 0, len(batch))
	for _, j := range batch {
		attemptID, err := uuid.Parse(j.AttemptID)
		if err != nil {
			// Trigger fallback, which drops the bad row individually.
			return err
		}
		rows = append(rows, []interface{}{
			attemptID, j.Count, time.Unix(j.Timestamp, 0),
		})
	}

	_, err := w.pool.CopyFrom(
		ctx,
		pgx.Identifier{"attempt_violations"},
		[]string{"attempt_id", "running_count", "recorded_at"},
		pgx.CopyFromRows(rows),
	)
	return err
}

func (w *ViolationWorker) fallbackInsert(ctx context.Context, batch []*model.ViolationJob) {
	requeueList := make([]*model.ViolationJob, 0)
	synced := make([]*model.ViolationJob, 0, len(batch))

	for _, j := range batch {
		attemptID, err := uuid.Parse(j.AttemptID)
		if err != nil {
			w.log.Error().Str("attempt_id", j.AttemptID).Msg("Dropping violation with invalid UUID")
			continue
		}

		_, err = w.pool.Exec(ctx,
			`INSERT INTO attempt_violations (attempt_id, running_count, recorded_at)
			 VALUES ($1, $2, $3)`,
			attemptID, j.Count, time.Unix(j.Timestamp, 0),
		)
		if err != nil {
			w.log.Error().Err(err).Str("attempt_id", j.AttemptID).Msg("Insert failed, requeueing")
			requeueList = append(requeueList, j)
			continue
		}
		synced = append(synced, j)
	}

	w.syncCounts(ctx, synced)
	if len(requeueList) > 0 {
		w.requeue(ctx, requeueList)
	}
}

// syncCounts pushes each attempt's highest persisted running count onto the
// attempt row so a cold reload restores an accurate tally.
func (w *ViolationWorker) syncCounts(ctx context.Context, batch []*model.ViolationJob) {
	highest := make(map[string]int, len(batch))
	for _, j := range batch {
		if j.Count > highest[j.AttemptID] {
			highest[j.AttemptID] = j.Count
		}
	}
	for rawID, count := range highest {
		attemptID, err := uuid.Parse(rawID)
		if err != nil {
			continue
		}
		if _, err := w.pool.Exec(ctx,
			`UPDATE exam_attempts SET violation_count = GREATEST(violation_count, $1) WHERE id = $2`,
			count, attemptID,
		); err != nil {
			w.log.Warn().Err(err).Str("attempt_id", rawID).Msg("Failed to sync violation count")
		}
	}
}

func (w *ViolationWorker) requeue(ctx context.Context, items []*model.ViolationJob) {
	pipe := w.rdb.Pipeline()
	for _, j := range items {
		data, _ := json.Marshal(j)
		pipe.RPush(ctx, config.WorkerKey.PersistViolationsQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	// Avoid thrashing if the DB is down hard.
	time.Sleep(2 * time.Second)
}

func (w *ViolationWorker) shutdown(buffer []*model.ViolationJob) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}
