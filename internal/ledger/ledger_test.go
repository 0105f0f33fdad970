package ledger

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"forge/internal/config"
	"forge/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		LedgerPath:          filepath.Join(dir, "costs.db"),
		LedgerRetryDelaysMS: []int{10, 20},
		LedgerMaxRetries:    3,
	}
	l, err := Open(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestInsertAPICalls_Idempotent(t *testing.T) {
	l := openTestLedger(t)
	row := model.ApiCall{ID: "call-1", WorkerID: "w-1", Timestamp: time.Now(), CostUSD: 0.5}

	require.NoError(t, l.InsertAPICalls([]model.ApiCall{row}))
	require.NoError(t, l.InsertAPICalls([]model.ApiCall{row}))

	exists, err := l.Exists("call-1")
	require.NoError(t, err)
	require.True(t, exists)

	calls, err := l.GetAPICallsSince(time.Time{})
	require.NoError(t, err)
	require.Len(t, calls, 1)
}

func TestExists_FalseForUnknownID(t *testing.T) {
	l := openTestLedger(t)
	exists, err := l.Exists("nope")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestGetDailyCost_SumsRowsWithinDay(t *testing.T) {
	l := openTestLedger(t)
	day := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	require.NoError(t, l.InsertAPICalls([]model.ApiCall{
		{ID: "a", Timestamp: day.Add(time.Hour), CostUSD: 1.0},
		{ID: "b", Timestamp: day.Add(2 * time.Hour), CostUSD: 2.5},
		{ID: "c", Timestamp: day.Add(-time.Hour), CostUSD: 99.0}, // prior day, excluded
	}))

	total, err := l.GetDailyCost(day)
	require.NoError(t, err)
	require.InDelta(t, 3.5, total, 0.0001)
}

func TestGetLastTimestamp_ReturnsMostRecentForWorker(t *testing.T) {
	l := openTestLedger(t)
	base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	require.NoError(t, l.InsertAPICalls([]model.ApiCall{
		{ID: "a", WorkerID: "w-1", Timestamp: base},
		{ID: "b", WorkerID: "w-1", Timestamp: base.Add(time.Hour)},
		{ID: "c", WorkerID: "w-2", Timestamp: base.Add(2 * time.Hour)},
	}))

	last, err := l.GetLastTimestamp("w-1")
	require.NoError(t, err)
	require.Equal(t, base.Add(time.Hour).Unix(), last.Unix())
}

func TestSubscriptionLifecycle(t *testing.T) {
	l := openTestLedger(t)
	sub := model.Subscription{Name: "claude-max", QuotaTotal: 100, Active: true}
	require.NoError(t, l.UpsertSubscription(sub))

	active, err := l.GetActiveSubscriptions()
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, l.IncrementSubscriptionUsage("claude-max", 10))
	require.NoError(t, l.IncrementSubscriptionUsage("claude-max", 5))

	active, err = l.GetActiveSubscriptions()
	require.NoError(t, err)
	require.InDelta(t, 15, active[0].QuotaUsed, 0.0001)

	require.NoError(t, l.DeactivateSubscription("claude-max"))
	active, err = l.GetActiveSubscriptions()
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestAggregateHourlyStats(t *testing.T) {
	l := openTestLedger(t)
	hour := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	require.NoError(t, l.InsertAPICalls([]model.ApiCall{
		{ID: "a", Timestamp: hour.Add(5 * time.Minute), CostUSD: 1.0, InputTokens: 100},
		{ID: "b", Timestamp: hour.Add(50 * time.Minute), CostUSD: 2.0, InputTokens: 200},
	}))

	stats, err := l.AggregateHourlyStats(hour.Add(30 * time.Minute))
	require.NoError(t, err)
	require.Equal(t, 2, stats.CallCount)
	require.InDelta(t, 3.0, stats.TotalCostUSD, 0.0001)
	require.Equal(t, 300, stats.InputTokens)
}

func TestAggregateModelPerformance(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.InsertAPICalls([]model.ApiCall{
		{ID: "a", Model: "claude-sonnet-4-5", CostUSD: 1.0, LatencyMS: 100, IsCacheHit: true},
		{ID: "b", Model: "claude-sonnet-4-5", CostUSD: 2.0, LatencyMS: 300, IsCacheHit: false},
	}))

	perf, err := l.AggregateModelPerformance()
	require.NoError(t, err)
	require.Len(t, perf, 1)
	require.Equal(t, 2, perf[0].CallCount)
	require.InDelta(t, 0.5, perf[0].CacheHitRate, 0.0001)
}

func TestRecordTaskEvent_IdempotentAndCountedByWorker(t *testing.T) {
	l := openTestLedger(t)
	ev := model.TaskEvent{ID: "w-1-1", WorkerID: "w-1", Model: "claude-sonnet-4-5", CompletedAt: time.Now()}

	require.NoError(t, l.RecordTaskEvent(ev))
	require.NoError(t, l.RecordTaskEvent(ev))

	counts, err := l.TasksCompletedByWorker()
	require.NoError(t, err)
	require.Equal(t, 1, counts["w-1"])
}

func TestGetTasksPerHour_BucketsByHour(t *testing.T) {
	l := openTestLedger(t)
	hour := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	require.NoError(t, l.RecordTaskEvent(model.TaskEvent{ID: "a", WorkerID: "w-1", CompletedAt: hour.Add(5 * time.Minute)}))
	require.NoError(t, l.RecordTaskEvent(model.TaskEvent{ID: "b", WorkerID: "w-1", CompletedAt: hour.Add(50 * time.Minute)}))

	counts, err := l.GetTasksPerHour()
	require.NoError(t, err)
	require.Equal(t, 2, counts[hour])
}

func TestGetAvgCostPerTaskByModel_DividesCostByCompletions(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.InsertAPICalls([]model.ApiCall{
		{ID: "a", Model: "claude-sonnet-4-5", CostUSD: 3.0},
		{ID: "b", Model: "claude-sonnet-4-5", CostUSD: 1.0},
	}))
	require.NoError(t, l.RecordTaskEvent(model.TaskEvent{ID: "t1", Model: "claude-sonnet-4-5", CompletedAt: time.Now()}))

	avg, err := l.GetAvgCostPerTaskByModel()
	require.NoError(t, err)
	require.InDelta(t, 4.0, avg["claude-sonnet-4-5"], 0.0001)
}

func TestGetRecentHourlyStats_MostRecentFirst(t *testing.T) {
	l := openTestLedger(t)
	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	_, err := l.AggregateHourlyStats(base)
	require.NoError(t, err)
	_, err = l.AggregateHourlyStats(base.Add(2 * time.Hour))
	require.NoError(t, err)

	rows, err := l.GetRecentHourlyStats(1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.True(t, rows[0].Hour.Equal(base.Add(2*time.Hour)))
}

func TestGet7DayTrends_ExcludesRowsOutsideWindow(t *testing.T) {
	l := openTestLedger(t)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	_, err := l.AggregateDailyStats(now)
	require.NoError(t, err)
	_, err = l.AggregateDailyStats(now.Add(-20 * 24 * time.Hour))
	require.NoError(t, err)

	rows, err := l.Get7DayTrends(now)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestWithRetry_ReturnsNonRetryableErrImmediately(t *testing.T) {
	l := openTestLedger(t)
	calls := 0
	err := l.withRetry("test_op", func() error {
		calls++
		return errCustom
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

var errCustom = fmt.Errorf("non-retryable")
