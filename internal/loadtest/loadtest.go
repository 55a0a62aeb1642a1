// Package loadtest simulates a busy service against a real local store and
// a SQLite cloud hub.
//
// Several terminals ring up orders at once while two drainers race to empty
// the outbox. The run checks the properties the queue promises under load:
// every order reaches the cloud exactly once, the outbox ends empty, and
// order numbers stay unique within the business day.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orderline/possync/internal/cloud"
	"github.com/orderline/possync/internal/fulfillment"
	"github.com/orderline/possync/internal/queue"
	"github.com/orderline/possync/internal/schema"
	"github.com/orderline/possync/internal/store"
)

// Config sizes a run.
type Config struct {
	// Dir holds the store and hub files.
	Dir string

	Terminals         int
	OrdersPerTerminal int

	// Drainers run concurrently with staging (default 2).
	Drainers int

	Logger *log.Logger
}

// LatencyStats summarises a set of timed operations.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Count int
}

// Report is the outcome of a run.
type Report struct {
	Stage LatencyStats
	Drain LatencyStats

	Staged    int
	Uploaded  int
	Conflicts int
	CloudRows int
	Elapsed   time.Duration
}

// Run executes one load test. It returns an error if any property is
// violated after the final drain.
func Run(ctx context.Context, cfg Config) (*Report, error) {
	if cfg.Terminals <= 0 || cfg.OrdersPerTerminal <= 0 {
		return nil, fmt.Errorf("terminals and orders per terminal must be positive")
	}
	if cfg.Drainers <= 0 {
		cfg.Drainers = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}

	st, err := store.Open(filepath.Join(cfg.Dir, "loadtest.db"))
	if err != nil {
		return nil, err
	}
	defer st.Close()
	if err := st.InitSchemaContext(ctx); err != nil {
		return nil, err
	}

	hub, err := cloud.OpenSQLite(ctx, filepath.Join(cfg.Dir, "loadtest-hub.db"), cloud.SQLiteOptions{Logger: cfg.Logger})
	if err != nil {
		return nil, err
	}
	defer hub.Close()

	q := queue.New(st, hub, queue.Config{Logger: cfg.Logger})
	svc := fulfillment.New(st, q, fulfillment.Config{DeviceID: "loadtest", Logger: cfg.Logger})

	start := time.Now()
	report := &Report{}

	var (
		mu          sync.Mutex
		stageTimes  []time.Duration
		drainTimes  []time.Duration
		numbers     = make(map[int]string)
		stagingDone = make(chan struct{})
	)
	record := func(r queue.Result, d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		drainTimes = append(drainTimes, d)
		report.Uploaded += r.Uploaded
		report.Conflicts += r.Conflicts
	}

	drainers, dctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Drainers; i++ {
		drainers.Go(func() error {
			for {
				select {
				case <-stagingDone:
					return nil
				case <-dctx.Done():
					return dctx.Err()
				default:
				}
				t0 := time.Now()
				r, err := q.DrainAll(dctx)
				if err != nil {
					return fmt.Errorf("drain failed: %w", err)
				}
				record(r, time.Since(t0))
				time.Sleep(time.Millisecond)
			}
		})
	}

	terminals, tctx := errgroup.WithContext(ctx)
	for term := 0; term < cfg.Terminals; term++ {
		terminals.Go(func() error {
			for j := 0; j < cfg.OrdersPerTerminal; j++ {
				t0 := time.Now()
				o, err := svc.NewOrder(tctx, fulfillment.NewOrderRequest{
					Items: []schema.LineItem{
						{Name: fmt.Sprintf("Item %d", j%7), PriceCents: int64(250 + 25*(j%9)), Quantity: 1 + j%3},
					},
					PaymentMethod: "card",
					Status:        schema.StatusPaid,
				})
				if err != nil {
					return fmt.Errorf("terminal %d order %d failed: %w", term, j, err)
				}
				d := time.Since(t0)

				mu.Lock()
				stageTimes = append(stageTimes, d)
				if prev, dup := numbers[o.OrderNumber]; dup {
					mu.Unlock()
					return fmt.Errorf("order number %d assigned to %s and %s", o.OrderNumber, prev, o.ID)
				}
				numbers[o.OrderNumber] = o.ID
				mu.Unlock()
			}
			return nil
		})
	}

	stageErr := terminals.Wait()
	close(stagingDone)
	if err := drainers.Wait(); err != nil {
		return nil, err
	}
	if stageErr != nil {
		return nil, stageErr
	}

	// Final pass picks up whatever was staged after the drainers stopped.
	t0 := time.Now()
	r, err := q.DrainAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("final drain failed: %w", err)
	}
	record(r, time.Since(t0))
	if !r.Clean {
		return nil, fmt.Errorf("final drain left %d rows", r.Remaining)
	}

	report.Staged = len(stageTimes)
	report.Stage = ComputeLatencyStats(stageTimes)
	report.Drain = ComputeLatencyStats(drainTimes)
	report.Elapsed = time.Since(start)

	pending, _, err := q.Pending(ctx)
	if err != nil {
		return nil, err
	}
	if pending != 0 {
		return nil, fmt.Errorf("outbox has %d rows after a clean drain", pending)
	}
	recs, err := hub.FetchAll(ctx, cloud.ResourceOrders)
	if err != nil {
		return nil, err
	}
	report.CloudRows = len(recs)
	if report.CloudRows != report.Staged {
		return nil, fmt.Errorf("cloud has %d orders, staged %d", report.CloudRows, report.Staged)
	}
	return report, nil
}

// ComputeLatencyStats sorts a copy of durations and reads percentiles off it.
func ComputeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(sorted),
	}
}

// Fprint writes s as an indented block under title.
func (s LatencyStats) Fprint(w io.Writer, title string) {
	fmt.Fprintf(w, "%s (%d):\n", title, s.Count)
	fmt.Fprintf(w, "  Min:   %v\n", s.Min)
	fmt.Fprintf(w, "  P50:   %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:  %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:   %v\n", s.P95)
	fmt.Fprintf(w, "  P99:   %v\n", s.P99)
	fmt.Fprintf(w, "  Max:   %v\n", s.Max)
}
