package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

var errWorkersFailed = errors.New("some workers failed")

// Report sums up the results of one run.
type Report struct {
	RunID    string
	Workload string
	Worker   int
	Duration time.Duration
	Success  int
	Error    int
	Selects  int
	Inserts  int
	Updates  int
	Rows     int64
	Results  []Result
}

func newReport(runID, workload string, duration time.Duration, results []Result) *Report {
	r := &Report{
		RunID:    runID,
		Workload: workload,
		Worker:   len(results),
		Duration: duration,
		Results:  results,
	}
	for _, res := range results {
		if res.Err != nil {
			r.Error++
			continue
		}
		r.Success++
		r.Selects += res.Selects
		r.Inserts += res.Inserts
		r.Updates += res.Updates
		r.Rows += res.Rows
	}
	return r
}

// Err returns errWorkersFailed when any worker did not commit.
func (r *Report) Err() error {
	if r.Error > 0 {
		return fmt.Errorf("%d of %d workers, %w", r.Error, r.Worker, errWorkersFailed)
	}
	return nil
}

func (r *Report) String() string {
	s := fmt.Sprintf("workload: %s, duration: %s, worker: %d, success: %d, error: %d, rows: %s, select: %d, insert: %d, update: %d",
		r.Workload, r.Duration, r.Worker, r.Success, r.Error, humanize.Comma(r.Rows), r.Selects, r.Inserts, r.Updates)

	var seconds stats.Float64Data
	for _, res := range r.Results {
		if res.Err == nil {
			seconds = append(seconds, res.Duration.Seconds())
		}
	}
	if len(seconds) == 0 {
		return s
	}

	p50, _ := seconds.Percentile(50)
	p95, _ := seconds.Percentile(95)
	longest, _ := seconds.Max()
	return fmt.Sprintf("%s, p50: %.3fs, p95: %.3fs, max: %.3fs, rows/s: %.2f",
		s, p50, p95, longest, float64(r.Rows)/r.Duration.Seconds())
}

// syncWriter serializes progress lines written by concurrent workers.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// Runner creates the schema once and then runs all workers against it.
type Runner struct {
	cfg   *Config
	out   io.Writer
	log   *slog.Logger
	runID string
	seed  int64
}

// NewRunner validates cfg and prepares a run that prints progress to out.
func NewRunner(cfg *Config, out io.Writer) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config, %w", err)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	runID := uuid.NewString()

	return &Runner{
		cfg:   cfg,
		out:   &syncWriter{w: out},
		log:   slog.Default().With(slog.String("run", runID)),
		runID: runID,
		seed:  seed,
	}, nil
}

// Setup creates the database if needed, then the tables and their seed rows,
// on a single connection.
func (r *Runner) Setup(ctx context.Context) error {
	if err := CreateDatabase(ctx, r.cfg, r.log); err != nil {
		return err
	}

	db, err := Open(ctx, r.cfg)
	if err != nil {
		return fmt.Errorf("connect database, %w", err)
	}
	defer db.Close()

	start := time.Now()
	if err := newSchema(r.cfg, newRand(r.seed), r.log).Setup(ctx, db); err != nil {
		return fmt.Errorf("setup schema, %w", err)
	}
	r.log.Info("setup done", slog.Duration("took", time.Since(start)), slog.Int64("seed", r.seed))
	return nil
}

// Run sets up the schema and starts exactly one worker per configured
// worker, each on its own goroutine and connection, then waits for all of
// them. Worker failures are reported, they do not stop the other workers.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	if err := r.Setup(ctx); err != nil {
		return nil, err
	}
	if r.cfg.Workload == "" {
		return nil, nil
	}

	wl, err := newWorkload(r.cfg)
	if err != nil {
		return nil, err
	}
	seedFaker(r.seed)
	report := r.runWorkers(ctx, wl)

	if report.Error == 0 {
		fmt.Fprintln(r.out, "All transactions completed successfully")
	}
	fmt.Fprintln(r.out, report)
	return report, nil
}

func (r *Runner) runWorkers(ctx context.Context, wl Workload) *Report {
	results := make([]Result, r.cfg.Workers)

	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Workers)

	start := time.Now()
	for i := 0; i < r.cfg.Workers; i++ {
		i := i
		w := newWorker(i, r.cfg, r.seed, r.out, r.log)
		g.Go(func() error {
			results[i] = w.Run(ctx, wl)
			return nil
		})
	}
	// workers report failures in their Result, Go never returns an error
	_ = g.Wait()

	return newReport(r.runID, r.cfg.Workload, time.Since(start), results)
}
