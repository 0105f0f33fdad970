package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"forge/internal/model"
)

// AggregateHourlyStats recomputes and persists the HourlyStats rollup for
// the hour containing t, from the api_calls rows in that window.
func (l *Ledger) AggregateHourlyStats(t time.Time) (model.HourlyStats, error) {
	t = t.UTC()
	hour := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	end := hour.Add(time.Hour)

	stats := model.HourlyStats{Hour: hour}
	err := l.withRetry("aggregate_hourly_stats", func() error {
		stats = model.HourlyStats{Hour: hour}
		return l.db.Update(func(tx *bolt.Tx) error {
			err := tx.Bucket(bucketAPICalls).ForEach(func(_, v []byte) error {
				var call model.ApiCall
				if err := json.Unmarshal(v, &call); err != nil {
					return nil
				}
				if !call.Timestamp.Before(hour) && call.Timestamp.Before(end) {
					stats.CallCount++
					stats.TotalCostUSD += call.CostUSD
					stats.InputTokens += call.InputTokens
					stats.OutputTokens += call.OutputTokens
				}
				return nil
			})
			if err != nil {
				return err
			}
			return putRollup(tx, bucketHourlyStats, hour.Format(time.RFC3339), stats)
		})
	})
	return stats, err
}

// AggregateDailyStats recomputes and persists the DailyStats rollup for
// the UTC day containing t.
func (l *Ledger) AggregateDailyStats(t time.Time) (model.DailyStats, error) {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	end := day.Add(24 * time.Hour)

	stats := model.DailyStats{Day: day}
	err := l.withRetry("aggregate_daily_stats", func() error {
		stats = model.DailyStats{Day: day}
		return l.db.Update(func(tx *bolt.Tx) error {
			err := tx.Bucket(bucketAPICalls).ForEach(func(_, v []byte) error {
				var call model.ApiCall
				if err := json.Unmarshal(v, &call); err != nil {
					return nil
				}
				if !call.Timestamp.Before(day) && call.Timestamp.Before(end) {
					stats.CallCount++
					stats.TotalCostUSD += call.CostUSD
					stats.InputTokens += call.InputTokens
					stats.OutputTokens += call.OutputTokens
				}
				return nil
			})
			if err != nil {
				return err
			}
			return putRollup(tx, bucketDailyStats, day.Format("2006-01-02"), stats)
		})
	})
	return stats, err
}

// AggregateWorkerEfficiency recomputes per-worker cost/throughput rollups
// across every persisted api_calls row and a supplied tasks-completed
// count per worker (task completion isn't tracked in api_calls).
func (l *Ledger) AggregateWorkerEfficiency(tasksCompleted map[string]int) ([]model.WorkerEfficiency, error) {
	type acc struct {
		cost    float64
		latency int64
		calls   int
	}
	totals := make(map[string]*acc)

	err := l.withRetry("aggregate_worker_efficiency", func() error {
		for k := range totals {
			delete(totals, k)
		}
		return l.db.Update(func(tx *bolt.Tx) error {
			err := tx.Bucket(bucketAPICalls).ForEach(func(_, v []byte) error {
				var call model.ApiCall
				if err := json.Unmarshal(v, &call); err != nil {
					return nil
				}
				a, ok := totals[call.WorkerID]
				if !ok {
					a = &acc{}
					totals[call.WorkerID] = a
				}
				a.cost += call.CostUSD
				a.latency += call.LatencyMS
				a.calls++
				return nil
			})
			if err != nil {
				return err
			}
			for workerID, a := range totals {
				eff := model.WorkerEfficiency{
					WorkerID:       workerID,
					TasksCompleted: tasksCompleted[workerID],
					TotalCostUSD:   a.cost,
				}
				if tasksCompleted[workerID] > 0 {
					eff.AvgCostPerTask = a.cost / float64(tasksCompleted[workerID])
				}
				if a.calls > 0 {
					eff.AvgLatencyMS = float64(a.latency) / float64(a.calls)
				}
				if err := putRollup(tx, bucketWorkerEfficiency, workerID, eff); err != nil {
					return err
				}
			}
			return nil
		})
	})

	var out []model.WorkerEfficiency
	for workerID, a := range totals {
		eff := model.WorkerEfficiency{WorkerID: workerID, TasksCompleted: tasksCompleted[workerID], TotalCostUSD: a.cost}
		if tasksCompleted[workerID] > 0 {
			eff.AvgCostPerTask = a.cost / float64(tasksCompleted[workerID])
		}
		if a.calls > 0 {
			eff.AvgLatencyMS = float64(a.latency) / float64(a.calls)
		}
		out = append(out, eff)
	}
	return out, err
}

// AggregateModelPerformance recomputes per-model cost/throughput rollups.
func (l *Ledger) AggregateModelPerformance() ([]model.ModelPerformance, error) {
	type acc struct {
		cost      float64
		latency   int64
		calls     int
		cacheHits int
	}
	totals := make(map[string]*acc)

	err := l.withRetry("aggregate_model_performance", func() error {
		for k := range totals {
			delete(totals, k)
		}
		return l.db.Update(func(tx *bolt.Tx) error {
			err := tx.Bucket(bucketAPICalls).ForEach(func(_, v []byte) error {
				var call model.ApiCall
				if err := json.Unmarshal(v, &call); err != nil {
					return nil
				}
				a, ok := totals[call.Model]
				if !ok {
					a = &acc{}
					totals[call.Model] = a
				}
				a.cost += call.CostUSD
				a.latency += call.LatencyMS
				a.calls++
				if call.IsCacheHit {
					a.cacheHits++
				}
				return nil
			})
			if err != nil {
				return err
			}
			for modelName, a := range totals {
				perf := model.ModelPerformance{Model: modelName, CallCount: a.calls, TotalCostUSD: a.cost}
				if a.calls > 0 {
					perf.AvgLatencyMS = float64(a.latency) / float64(a.calls)
					perf.CacheHitRate = float64(a.cacheHits) / float64(a.calls)
				}
				if err := putRollup(tx, bucketModelPerformance, modelName, perf); err != nil {
					return err
				}
			}
			return nil
		})
	})

	var out []model.ModelPerformance
	for modelName, a := range totals {
		perf := model.ModelPerformance{Model: modelName, CallCount: a.calls, TotalCostUSD: a.cost}
		if a.calls > 0 {
			perf.AvgLatencyMS = float64(a.latency) / float64(a.calls)
			perf.CacheHitRate = float64(a.cacheHits) / float64(a.calls)
		}
		out = append(out, perf)
	}
	return out, err
}

func putRollup(tx *bolt.Tx, bucket []byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling rollup: %w", err)
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}
