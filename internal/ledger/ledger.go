// Package ledger is the persistent, concurrency-safe record of API calls
// and subscription quotas. It models relational "tables" as bbolt buckets
// with JSON-marshaled rows, keyed by each row's ID — the same
// bucket-per-entity, marshal-on-write shape as the teacher's BoltStore,
// applied here to cost accounting instead of cluster state.
package ledger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"forge/internal/config"
	"forge/internal/metrics"
	"forge/internal/model"
)

var (
	bucketAPICalls           = []byte("api_calls")
	bucketSubscriptions      = []byte("subscriptions")
	bucketSubscriptionUsage  = []byte("subscription_usage")
	bucketTaskEvents         = []byte("task_events")
	bucketHourlyStats        = []byte("hourly_stats")
	bucketDailyStats         = []byte("daily_stats")
	bucketWorkerEfficiency   = []byte("worker_efficiency")
	bucketModelPerformance   = []byte("model_performance")
)

var allBuckets = [][]byte{
	bucketAPICalls,
	bucketSubscriptions,
	bucketSubscriptionUsage,
	bucketTaskEvents,
	bucketHourlyStats,
	bucketDailyStats,
	bucketWorkerEfficiency,
	bucketModelPerformance,
}

// Ledger is the bbolt-backed cost store.
type Ledger struct {
	db          *bolt.DB
	log         *slog.Logger
	retryDelays []time.Duration
	maxRetries  int
}

// Open opens (creating if needed) the ledger database file and its
// buckets.
func Open(cfg *config.Config, log *slog.Logger) (*Ledger, error) {
	path := cfg.LedgerPath
	if filepath.Ext(path) == "" {
		path = filepath.Join(path, "costs.db")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening ledger %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("creating bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	delays := make([]time.Duration, 0, len(cfg.LedgerRetryDelaysMS))
	for _, ms := range cfg.LedgerRetryDelaysMS {
		delays = append(delays, time.Duration(ms)*time.Millisecond)
	}

	return &Ledger{db: db, log: log, retryDelays: delays, maxRetries: cfg.LedgerMaxRetries}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// withRetry wraps op, retrying when the backing store reports a
// transient error (bbolt surfaces BUSY/LOCKED-equivalent contention as
// ErrTimeout/ErrDatabaseNotOpen on a flock wait). Retries use the
// configured backoff ladder, capped at 5s, up to maxRetries attempts;
// after exhaustion the last error is returned. Each retry logs the
// attempt index.
func (l *Ledger) withRetry(opName string, op func() error) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.LedgerOpDuration, opName)

	var err error
	attempts := l.maxRetries
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		delay := 5 * time.Second
		if attempt < len(l.retryDelays) {
			delay = l.retryDelays[attempt]
		}
		if delay > 5*time.Second {
			delay = 5 * time.Second
		}
		metrics.LedgerRetriesTotal.WithLabelValues(opName).Inc()
		l.log.Warn("ledger operation retrying", "op", opName, "attempt", attempt+1, "error", err)
		time.Sleep(delay)
	}
	return err
}

func isRetryable(err error) bool {
	return err == bolt.ErrTimeout || err == bolt.ErrDatabaseNotOpen
}

// InsertAPICalls upserts rows by ID; duplicates are silently ignored by
// skipping any ID already present in the bucket, making the operation
// idempotent.
func (l *Ledger) InsertAPICalls(rows []model.ApiCall) error {
	return l.withRetry("insert_api_calls", func() error {
		return l.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketAPICalls)
			for _, row := range rows {
				if b.Get([]byte(row.ID)) != nil {
					continue
				}
				data, err := json.Marshal(row)
				if err != nil {
					return err
				}
				if err := b.Put([]byte(row.ID), data); err != nil {
					return err
				}
				metrics.APICostUSDTotal.Add(row.CostUSD)
			}
			return nil
		})
	})
}

// Exists reports whether an api_calls row with the given ID is present.
func (l *Ledger) Exists(id string) (bool, error) {
	var found bool
	err := l.withRetry("exists", func() error {
		return l.db.View(func(tx *bolt.Tx) error {
			found = tx.Bucket(bucketAPICalls).Get([]byte(id)) != nil
			return nil
		})
	})
	return found, err
}

// GetDailyCost sums api_calls cost_usd for the given day (UTC).
func (l *Ledger) GetDailyCost(day time.Time) (float64, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	var total float64
	err := l.withRetry("get_daily_cost", func() error {
		return l.db.View(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketAPICalls).ForEach(func(_, v []byte) error {
				var call model.ApiCall
				if err := json.Unmarshal(v, &call); err != nil {
					return nil
				}
				if !call.Timestamp.Before(start) && call.Timestamp.Before(end) {
					total += call.CostUSD
				}
				return nil
			})
		})
	})
	return total, err
}

// GetLastTimestamp returns the most recent api_calls timestamp for a
// worker, or the zero time if none exist.
func (l *Ledger) GetLastTimestamp(workerID string) (time.Time, error) {
	var last time.Time
	err := l.withRetry("get_last_timestamp", func() error {
		return l.db.View(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketAPICalls).ForEach(func(_, v []byte) error {
				var call model.ApiCall
				if err := json.Unmarshal(v, &call); err != nil {
					return nil
				}
				if call.WorkerID == workerID && call.Timestamp.After(last) {
					last = call.Timestamp
				}
				return nil
			})
		})
	})
	return last, err
}

// GetAPICallsSince returns every api_calls row with timestamp >= t.
func (l *Ledger) GetAPICallsSince(t time.Time) ([]model.ApiCall, error) {
	var calls []model.ApiCall
	err := l.withRetry("get_api_calls_since", func() error {
		calls = nil
		return l.db.View(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketAPICalls).ForEach(func(_, v []byte) error {
				var call model.ApiCall
				if err := json.Unmarshal(v, &call); err != nil {
					return nil
				}
				if !call.Timestamp.Before(t) {
					calls = append(calls, call)
				}
				return nil
			})
		})
	})
	return calls, err
}

// RecordTaskEvent upserts a task_events row by ID, the same
// idempotent-if-absent pattern InsertAPICalls uses.
func (l *Ledger) RecordTaskEvent(ev model.TaskEvent) error {
	return l.withRetry("record_task_event", func() error {
		return l.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketTaskEvents)
			if b.Get([]byte(ev.ID)) != nil {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			return b.Put([]byte(ev.ID), data)
		})
	})
}

// TasksCompletedByWorker counts persisted task_events rows per worker,
// the input AggregateWorkerEfficiency needs since task completion isn't
// tracked in api_calls.
func (l *Ledger) TasksCompletedByWorker() (map[string]int, error) {
	counts := make(map[string]int)
	err := l.withRetry("tasks_completed_by_worker", func() error {
		for k := range counts {
			delete(counts, k)
		}
		return l.db.View(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketTaskEvents).ForEach(func(_, v []byte) error {
				var ev model.TaskEvent
				if err := json.Unmarshal(v, &ev); err != nil {
					return nil
				}
				counts[ev.WorkerID]++
				return nil
			})
		})
	})
	return counts, err
}

// GetTasksPerHour buckets task_events by UTC hour, truncated to the hour
// boundary, giving the tasks-per-hour throughput query.
func (l *Ledger) GetTasksPerHour() (map[time.Time]int, error) {
	counts := make(map[time.Time]int)
	err := l.withRetry("get_tasks_per_hour", func() error {
		for k := range counts {
			delete(counts, k)
		}
		return l.db.View(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketTaskEvents).ForEach(func(_, v []byte) error {
				var ev model.TaskEvent
				if err := json.Unmarshal(v, &ev); err != nil {
					return nil
				}
				counts[ev.CompletedAt.UTC().Truncate(time.Hour)]++
				return nil
			})
		})
	})
	return counts, err
}

// GetAvgCostPerTaskByModel divides each model's total api_calls cost by
// its task_events completion count.
func (l *Ledger) GetAvgCostPerTaskByModel() (map[string]float64, error) {
	costByModel := make(map[string]float64)
	tasksByModel := make(map[string]int)
	err := l.withRetry("get_avg_cost_per_task_by_model", func() error {
		for k := range costByModel {
			delete(costByModel, k)
		}
		for k := range tasksByModel {
			delete(tasksByModel, k)
		}
		return l.db.View(func(tx *bolt.Tx) error {
			if err := tx.Bucket(bucketAPICalls).ForEach(func(_, v []byte) error {
				var call model.ApiCall
				if err := json.Unmarshal(v, &call); err != nil {
					return nil
				}
				costByModel[call.Model] += call.CostUSD
				return nil
			}); err != nil {
				return err
			}
			return tx.Bucket(bucketTaskEvents).ForEach(func(_, v []byte) error {
				var ev model.TaskEvent
				if err := json.Unmarshal(v, &ev); err != nil {
					return nil
				}
				tasksByModel[ev.Model]++
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}

	avg := make(map[string]float64, len(costByModel))
	for modelName, cost := range costByModel {
		if n := tasksByModel[modelName]; n > 0 {
			avg[modelName] = cost / float64(n)
		}
	}
	return avg, nil
}

// GetRecentHourlyStats returns up to n persisted HourlyStats rollups,
// most recent hour first. n <= 0 returns every persisted row.
func (l *Ledger) GetRecentHourlyStats(n int) ([]model.HourlyStats, error) {
	var rows []model.HourlyStats
	err := l.withRetry("get_recent_hourly_stats", func() error {
		rows = nil
		return l.db.View(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketHourlyStats).ForEach(func(_, v []byte) error {
				var s model.HourlyStats
				if err := json.Unmarshal(v, &s); err != nil {
					return nil
				}
				rows = append(rows, s)
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Hour.After(rows[j].Hour) })
	if n > 0 && len(rows) > n {
		rows = rows[:n]
	}
	return rows, nil
}

// GetRecentDailyStats returns up to n persisted DailyStats rollups, most
// recent day first. n <= 0 returns every persisted row.
func (l *Ledger) GetRecentDailyStats(n int) ([]model.DailyStats, error) {
	var rows []model.DailyStats
	err := l.withRetry("get_recent_daily_stats", func() error {
		rows = nil
		return l.db.View(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketDailyStats).ForEach(func(_, v []byte) error {
				var s model.DailyStats
				if err := json.Unmarshal(v, &s); err != nil {
					return nil
				}
				rows = append(rows, s)
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Day.After(rows[j].Day) })
	if n > 0 && len(rows) > n {
		rows = rows[:n]
	}
	return rows, nil
}

// Get7DayTrends returns persisted DailyStats rollups for the trailing 7
// days ending on the UTC day containing now, oldest first.
func (l *Ledger) Get7DayTrends(now time.Time) ([]model.DailyStats, error) {
	now = now.UTC()
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	start := end.Add(-7 * 24 * time.Hour)

	var rows []model.DailyStats
	err := l.withRetry("get_7_day_trends", func() error {
		rows = nil
		return l.db.View(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketDailyStats).ForEach(func(_, v []byte) error {
				var s model.DailyStats
				if err := json.Unmarshal(v, &s); err != nil {
					return nil
				}
				if !s.Day.Before(start) && s.Day.Before(end) {
					rows = append(rows, s)
				}
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Day.Before(rows[j].Day) })
	return rows, nil
}
