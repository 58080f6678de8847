package automation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poolcare/backend/internal/domain"
	"poolcare/backend/internal/observability"
	"poolcare/backend/internal/runmarker"
	"poolcare/backend/internal/service"
	"poolcare/backend/internal/store"
	"poolcare/backend/internal/store/memory"
)

type fakeJobs struct {
	mu          sync.Mutex
	priceCalls  int
	scanCalls   int
	scanErr     error
	scanFailed  []string
	priceResult domain.PriceChangeApplyResult
}

func (f *fakeJobs) ApplyDuePriceChanges(_ context.Context, _ time.Time) (domain.PriceChangeApplyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priceCalls++
	return f.priceResult, nil
}

func (f *fakeJobs) RunReplenishmentScan(_ context.Context, _ time.Time) (domain.ReplenishmentScanResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanCalls++
	return domain.ReplenishmentScanResult{Failed: f.scanFailed}, f.scanErr
}

func (f *fakeJobs) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.priceCalls, f.scanCalls
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func outcomes(results []JobResult) map[string]Outcome {
	out := make(map[string]Outcome, len(results))
	for _, r := range results {
		out[r.Job] = r.Outcome
	}
	return out
}

func TestRunPassRunsEachJobOncePerDay(t *testing.T) {
	jobs := &fakeJobs{priceResult: domain.PriceChangeApplyResult{Applied: []string{"pc-1"}}}
	clk := &clock{now: time.Date(2026, time.May, 4, 8, 0, 0, 0, time.UTC)}
	runner := NewRunner(jobs, runmarker.NewMemoryTracker(), Options{Clock: clk.Now})

	first := outcomes(runner.RunPass(context.Background()))
	assert.Equal(t, OutcomeRan, first[JobPriceChangeCheck])
	assert.Equal(t, OutcomeRan, first[JobStockReplenishment])

	clk.Set(clk.Now().Add(10 * time.Hour))
	second := outcomes(runner.RunPass(context.Background()))
	assert.Equal(t, OutcomeSkipped, second[JobPriceChangeCheck])
	assert.Equal(t, OutcomeSkipped, second[JobStockReplenishment])

	price, scan := jobs.calls()
	assert.Equal(t, 1, price)
	assert.Equal(t, 1, scan)

	clk.Set(time.Date(2026, time.May, 5, 0, 1, 0, 0, time.UTC))
	third := outcomes(runner.RunPass(context.Background()))
	assert.Equal(t, OutcomeRan, third[JobStockReplenishment])
	price, scan = jobs.calls()
	assert.Equal(t, 2, price)
	assert.Equal(t, 2, scan)
}

func TestRunPassReleasesMarkerWhenJobFails(t *testing.T) {
	jobs := &fakeJobs{
		scanErr:     errors.New("store unavailable"),
		priceResult: domain.PriceChangeApplyResult{Applied: []string{"pc-1"}},
	}
	clk := &clock{now: time.Date(2026, time.May, 4, 8, 0, 0, 0, time.UTC)}
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	runner := NewRunner(jobs, runmarker.NewMemoryTracker(), Options{Clock: clk.Now, Metrics: metrics})

	first := runner.RunPass(context.Background())
	results := outcomes(first)
	assert.Equal(t, OutcomeRan, results[JobPriceChangeCheck])
	assert.Equal(t, OutcomeFailed, results[JobStockReplenishment])

	jobs.mu.Lock()
	jobs.scanErr = nil
	jobs.mu.Unlock()

	retry := outcomes(runner.RunPass(context.Background()))
	assert.Equal(t, OutcomeSkipped, retry[JobPriceChangeCheck])
	assert.Equal(t, OutcomeRan, retry[JobStockReplenishment])

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AutomationRunsTotal.WithLabelValues(JobStockReplenishment, string(OutcomeFailed))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AutomationRunsTotal.WithLabelValues(JobStockReplenishment, string(OutcomeRan))))
}

func TestRunPassTreatsPartialFailuresAsRetryable(t *testing.T) {
	jobs := &fakeJobs{priceResult: domain.PriceChangeApplyResult{Failed: []string{"pc-1"}}}
	clk := &clock{now: time.Date(2026, time.May, 4, 8, 0, 0, 0, time.UTC)}
	runner := NewRunner(jobs, runmarker.NewMemoryTracker(), Options{Clock: clk.Now})

	results := outcomes(runner.RunPass(context.Background()))
	assert.Equal(t, OutcomeFailed, results[JobPriceChangeCheck])

	results = outcomes(runner.RunPass(context.Background()))
	assert.Equal(t, OutcomeFailed, results[JobPriceChangeCheck])
	price, _ := jobs.calls()
	assert.Equal(t, 2, price)
}

func TestRunPassRechecksPriceChangesWhenNothingWasDue(t *testing.T) {
	jobs := &fakeJobs{}
	clk := &clock{now: time.Date(2026, time.May, 4, 0, 5, 0, 0, time.UTC)}
	runner := NewRunner(jobs, runmarker.NewMemoryTracker(), Options{Clock: clk.Now})

	first := outcomes(runner.RunPass(context.Background()))
	assert.Equal(t, OutcomeRan, first[JobPriceChangeCheck])

	// A change becomes due at noon the same day.
	jobs.mu.Lock()
	jobs.priceResult = domain.PriceChangeApplyResult{Applied: []string{"pc-noon"}}
	jobs.mu.Unlock()
	clk.Set(time.Date(2026, time.May, 4, 12, 5, 0, 0, time.UTC))

	second := outcomes(runner.RunPass(context.Background()))
	assert.Equal(t, OutcomeRan, second[JobPriceChangeCheck])
	assert.Equal(t, OutcomeSkipped, second[JobStockReplenishment])

	third := outcomes(runner.RunPass(context.Background()))
	assert.Equal(t, OutcomeSkipped, third[JobPriceChangeCheck])

	price, scan := jobs.calls()
	assert.Equal(t, 2, price)
	assert.Equal(t, 1, scan)
}

func TestRunPassUsesBusinessCalendarDay(t *testing.T) {
	jobs := &fakeJobs{}
	loc := time.FixedZone("UTC-3", -3*60*60)
	// 01:30 UTC on May 5 is still May 4 at UTC-3.
	clk := &clock{now: time.Date(2026, time.May, 5, 1, 30, 0, 0, time.UTC)}
	runner := NewRunner(jobs, runmarker.NewMemoryTracker(), Options{Clock: clk.Now, Location: loc})

	results := runner.RunPass(context.Background())
	require.NotEmpty(t, results)
	assert.Equal(t, "2026-05-04", results[0].Day)
}

func TestConcurrentPassesRunJobsOnce(t *testing.T) {
	jobs := &fakeJobs{priceResult: domain.PriceChangeApplyResult{Applied: []string{"pc-1"}}}
	clk := &clock{now: time.Date(2026, time.May, 4, 8, 0, 0, 0, time.UTC)}
	runner := NewRunner(jobs, runmarker.NewMemoryTracker(), Options{Clock: clk.Now})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runner.RunPass(context.Background())
		}()
	}
	wg.Wait()

	price, scan := jobs.calls()
	assert.Equal(t, 1, price)
	assert.Equal(t, 1, scan)
}

func TestWatchRunsPassOnChange(t *testing.T) {
	repo := memory.New()
	jobs := &fakeJobs{}
	runner := NewRunner(jobs, runmarker.NewMemoryTracker(), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := repo.Subscribe(ctx, WatchedCollections...)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		runner.Watch(ctx, sub)
		close(done)
	}()

	client := domain.Client{ID: "cli-1", Name: "Pool", Status: domain.ClientStatusActive, Plan: domain.PlanSimple}
	require.NoError(t, repo.Commit(context.Background(), store.NewBatch().PutClient(client)))

	require.Eventually(t, func() bool {
		_, scan := jobs.calls()
		return scan == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

func TestRunPassCreatesReplenishmentQuotes(t *testing.T) {
	repo := memory.NewSeeded(domain.DefaultSettings())
	now := time.Date(2026, time.May, 4, 8, 0, 0, 0, time.UTC)
	svc := service.New(repo, service.Options{Clock: func() time.Time { return now }})
	runner := NewRunner(svc, runmarker.NewMemoryTracker(), Options{Clock: func() time.Time { return now }})

	maxQty := 10
	client := domain.Client{
		ID:     "cli-low",
		Name:   "Low Stock Pool",
		Status: domain.ClientStatusActive,
		Plan:   domain.PlanSimple,
		Stock:  []domain.StockLine{{ProductID: "prd-chlorine", Quantity: 1, MaxQuantity: &maxQty}},
	}
	require.NoError(t, repo.Commit(context.Background(), store.NewBatch().PutClient(client)))

	results := outcomes(runner.RunPass(context.Background()))
	assert.Equal(t, OutcomeRan, results[JobStockReplenishment])

	quotes, err := repo.ListQuotes(context.Background(), store.QuoteFilter{ClientID: "cli-low"})
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, 9, quotes[0].Items[0].Quantity)
}

func TestStartRejectsInvalidSchedule(t *testing.T) {
	runner := NewRunner(&fakeJobs{}, runmarker.NewMemoryTracker(), Options{})
	require.Error(t, runner.Start("not a cron spec"))

	require.NoError(t, runner.Start("*/15 * * * *"))
	assert.Error(t, runner.Start("*/15 * * * *"))
	runner.Stop()
}
