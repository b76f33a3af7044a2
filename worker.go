package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/exp/rand"
	"golang.org/x/exp/slog"
	"golang.org/x/time/rate"
)

// Op is the kind of a single worker command.
type Op int

const (
	OpSelect Op = iota
	OpInsert
	OpUpdate
)

func (o Op) String() string {
	switch o {
	case OpSelect:
		return "SELECT"
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// Step describes one executed command. Rows is the number of rows returned
// by a select or affected by an insert or update.
type Step struct {
	Op    Op
	Table string
	Rows  int64
}

// Workload decides what a worker does inside its transaction.
type Workload interface {
	// Commands returns how many commands the worker issues. Zero means the
	// worker runs until its duration has elapsed.
	Commands(w *Worker) int
	// Exec runs command seq inside tx.
	Exec(ctx context.Context, tx *sqlx.Tx, w *Worker, seq int) (Step, error)
	// ThinkTime is the pause before each command after the first.
	ThinkTime(w *Worker) time.Duration
}

func newWorkload(cfg *Config) (Workload, error) {
	switch cfg.Workload {
	case workloadInsert:
		return insertWorkload{}, nil
	case workloadInsertBatch:
		return batchInsertWorkload{size: cfg.BatchSize}, nil
	case workloadStress:
		return stressWorkload{}, nil
	}
	return nil, fmt.Errorf("unknown workload %q", cfg.Workload)
}

// Result is what one worker did. Err is nil only if the transaction
// committed.
type Result struct {
	Worker   int
	Commands int
	Selects  int
	Inserts  int
	Updates  int
	// Rows inserted by the worker.
	Rows     int64
	Duration time.Duration
	Err      error
}

// Ops returns the number of commands the worker executed.
func (r *Result) Ops() int {
	return r.Selects + r.Inserts + r.Updates
}

func (r *Result) record(s Step) {
	switch s.Op {
	case OpSelect:
		r.Selects++
	case OpInsert:
		r.Inserts++
		r.Rows += s.Rows
	case OpUpdate:
		r.Updates++
	}
}

// Worker owns one connection and one transaction for its whole run.
type Worker struct {
	ID int

	cfg     *Config
	rng     *rand.Rand
	limiter *rate.Limiter
	out     io.Writer
	log     *slog.Logger
}

func newWorker(id int, cfg *Config, seed int64, out io.Writer, log *slog.Logger) *Worker {
	w := &Worker{
		ID:  id,
		cfg: cfg,
		rng: newRand(seed + int64(id) + 1),
		out: out,
		log: log.With(slog.Int("worker", id)),
	}
	if cfg.Rate > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), 1)
	}
	return w
}

// Run executes the workload in a single transaction and commits once. Any
// error rolls the whole transaction back and is returned in the Result.
func (w *Worker) Run(ctx context.Context, wl Workload) Result {
	res := w.run(ctx, wl)
	if res.Err != nil {
		w.log.Error("transaction failed", slog.String("error", res.Err.Error()))
		return res
	}

	fmt.Fprintf(w.out, "Worker %d: transaction successfully completed: %f\n", w.ID, res.Duration.Seconds())
	return res
}

func (w *Worker) run(ctx context.Context, wl Workload) (res Result) {
	res.Worker = w.ID

	db, err := Open(ctx, w.cfg)
	if err != nil {
		res.Err = fmt.Errorf("connect database, %w", err)
		return
	}
	defer db.Close()

	tx, err := db.BeginTxx(ctx, db.txOptions())
	if err != nil {
		res.Err = fmt.Errorf("begin transaction, %w", err)
		return
	}
	// no-op once committed
	defer tx.Rollback()

	res.Commands = wl.Commands(w)
	if res.Commands == 0 {
		fmt.Fprintf(w.out, "Worker %d: starting transaction for %s\n", w.ID, w.cfg.Duration)
	} else {
		fmt.Fprintf(w.out, "Worker %d: starting transaction with %d commands\n", w.ID, res.Commands)
	}

	start := time.Now()
	deadline := start.Add(w.cfg.Duration.Duration)
	for seq := 0; ; seq++ {
		if res.Commands > 0 && seq >= res.Commands {
			break
		}
		if res.Commands == 0 && !time.Now().Before(deadline) {
			break
		}

		if seq > 0 {
			if err := sleepContext(ctx, wl.ThinkTime(w)); err != nil {
				res.Err = err
				return
			}
		}
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				res.Err = err
				return
			}
		}

		step, err := wl.Exec(ctx, tx, w, seq)
		if err != nil {
			res.Err = fmt.Errorf("command %d, %w", seq, err)
			return
		}
		res.record(step)
		w.log.Debug("command done",
			slog.Int("command", seq),
			slog.String("op", step.Op.String()),
			slog.String("table", step.Table),
			slog.Int64("rows", step.Rows))
	}

	if err := tx.Commit(); err != nil {
		res.Err = fmt.Errorf("commit, %w", err)
		return
	}
	res.Duration = time.Since(start)
	return
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// insertWorkload inserts one row per command into the worker's own table.
type insertWorkload struct{}

func (insertWorkload) Commands(w *Worker) int {
	if w.cfg.Duration.Duration > 0 {
		return 0
	}
	return w.cfg.Commands
}

func (insertWorkload) Exec(ctx context.Context, tx *sqlx.Tx, w *Worker, seq int) (Step, error) {
	table := tableName(w.ID)
	n, err := insertPeople(ctx, tx, table, newPerson(w.rng, w.ID, seq))
	if err != nil {
		return Step{}, fmt.Errorf("insert into %s, %w", table, err)
	}
	return Step{Op: OpInsert, Table: table, Rows: n}, nil
}

func (insertWorkload) ThinkTime(*Worker) time.Duration { return 0 }

// batchInsertWorkload inserts size rows per command into the worker's own
// table as one multi-row statement.
type batchInsertWorkload struct {
	size int
}

func (b batchInsertWorkload) Commands(w *Worker) int {
	if w.cfg.Duration.Duration > 0 {
		return 0
	}
	return w.cfg.Commands / b.size
}

func (b batchInsertWorkload) Exec(ctx context.Context, tx *sqlx.Tx, w *Worker, seq int) (Step, error) {
	table := tableName(w.ID)
	people := make([]person, 0, b.size)
	for i := 0; i < b.size; i++ {
		people = append(people, newPerson(w.rng, w.ID, seq*b.size+i))
	}

	n, err := insertPeople(ctx, tx, table, people...)
	if err != nil {
		return Step{}, fmt.Errorf("batch insert into %s, %w", table, err)
	}
	return Step{Op: OpInsert, Table: table, Rows: n}, nil
}

func (batchInsertWorkload) ThinkTime(*Worker) time.Duration { return 0 }

// stressWorkload mixes joins, inserts and updates over shared tables.
type stressWorkload struct{}

func (stressWorkload) Commands(w *Worker) int {
	return w.cfg.MinCommands + w.rng.Intn(w.cfg.MaxCommands-w.cfg.MinCommands+1)
}

func (stressWorkload) ThinkTime(w *Worker) time.Duration {
	spread := int64(w.cfg.MaxThink.Duration - w.cfg.MinThink.Duration)
	if spread <= 0 {
		return w.cfg.MinThink.Duration
	}
	return w.cfg.MinThink.Duration + time.Duration(w.rng.Int63n(spread))
}

func (s stressWorkload) Exec(ctx context.Context, tx *sqlx.Tx, w *Worker, seq int) (Step, error) {
	switch Op(w.rng.Intn(3)) {
	case OpSelect:
		return s.selectWithJoin(ctx, tx, w)
	case OpInsert:
		return s.insert(ctx, tx, w)
	default:
		return s.update(ctx, tx, w)
	}
}

func (stressWorkload) randomTable(w *Worker) string {
	return tableName(w.rng.Intn(w.cfg.Tables))
}

func (s stressWorkload) selectWithJoin(ctx context.Context, tx *sqlx.Tx, w *Worker) (Step, error) {
	var (
		query string
		a     = s.randomTable(w)
		b     = s.randomTable(w)
	)

	switch w.rng.Intn(3) {
	case 0:
		query = fmt.Sprintf(`SELECT t1.id, t1.name, t1.email, a.age, b.salary, tr.relation_type
			FROM %s t1
			JOIN %s a ON t1.id = a.id
			JOIN %s b ON t1.id = b.id
			LEFT JOIN %s tr ON t1.id = tr.table_0_id
			WHERE t1.status = 'ACTIVE'
			LIMIT 10`, tableName(0), a, b, relationsTable)
	case 1:
		query = fmt.Sprintf(`SELECT t1.name, a.email, b.salary, tr.relation_type
			FROM %s t1
			JOIN %s a ON t1.id = a.id
			JOIN %s b ON t1.id = b.id
			JOIN %s tr ON t1.id = tr.table_0_id
			WHERE b.salary > 5000
			ORDER BY b.salary DESC
			LIMIT 8`, tableName(0), a, b, relationsTable)
	default:
		query = fmt.Sprintf(`SELECT t2.id, t2.name, a.email, b.age, tr.relation_type
			FROM %s t2
			JOIN %s a ON t2.id = a.id
			JOIN %s b ON t2.id = b.id
			LEFT JOIN %s tr ON t2.id = tr.table_1_id
			WHERE b.age BETWEEN 25 AND 45
			LIMIT 12`, tableName(1), a, b, relationsTable)
	}

	rows, err := tx.QueryxContext(ctx, query)
	if err != nil {
		return Step{}, fmt.Errorf("select with join, %w", err)
	}
	defer rows.Close()

	var n int64
	for rows.Next() {
		n++
	}
	if err := rows.Err(); err != nil {
		return Step{}, fmt.Errorf("select with join, %w", err)
	}
	return Step{Op: OpSelect, Table: relationsTable, Rows: n}, nil
}

func (s stressWorkload) insert(ctx context.Context, tx *sqlx.Tx, w *Worker) (Step, error) {
	table := s.randomTable(w)
	p, err := fakePerson(w.rng)
	if err != nil {
		return Step{}, fmt.Errorf("fake person, %w", err)
	}

	n, err := insertPeople(ctx, tx, table, p)
	if err != nil {
		return Step{}, fmt.Errorf("insert into %s, %w", table, err)
	}
	return Step{Op: OpInsert, Table: table, Rows: n}, nil
}

// update targets an id in 1..MAX(id) of the table as it is now.
func (s stressWorkload) update(ctx context.Context, tx *sqlx.Tx, w *Worker) (Step, error) {
	table := s.randomTable(w)
	last, err := maxID(ctx, tx, table)
	if err != nil {
		return Step{}, err
	}
	if last == 0 {
		return Step{Op: OpUpdate, Table: table}, nil
	}

	query := tx.Rebind(fmt.Sprintf("UPDATE %s SET salary = salary * 1.1, status = ? WHERE id = ?", table))
	result, err := tx.ExecContext(ctx, query, randomStatus(w.rng), 1+w.rng.Intn(last))
	if err != nil {
		return Step{}, fmt.Errorf("update %s, %w", table, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return Step{}, err
	}
	return Step{Op: OpUpdate, Table: table, Rows: n}, nil
}
