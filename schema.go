package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/jmoiron/sqlx"
	"golang.org/x/exp/rand"
	"golang.org/x/exp/slog"
)

const relationsTable = "table_relations"

func tableName(i int) string {
	return fmt.Sprintf("table_%d", i)
}

func createTableSQL(db *DB, table string) string {
	return fmt.Sprintf(`CREATE TABLE %s (
		id %s,
		name VARCHAR(100),
		email VARCHAR(100),
		age INTEGER,
		salary DECIMAL(10,2),
		created_date TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		status VARCHAR(20)
	)`, table, db.serialKey())
}

func createRelationsSQL(db *DB) string {
	return fmt.Sprintf(`CREATE TABLE %s (
		id %s,
		table_0_id INTEGER REFERENCES %s(id),
		table_1_id INTEGER REFERENCES %s(id),
		table_2_id INTEGER REFERENCES %s(id),
		relation_type VARCHAR(50)
	)`, relationsTable, db.serialKey(), tableName(0), tableName(1), tableName(2))
}

func insertPersonSQL(table string) string {
	return fmt.Sprintf(`
		INSERT INTO %s (name, email, age, salary, status)
		VALUES (:name, :email, :age, :salary, :status)
	`, table)
}

const insertRelationSQL = `
	INSERT INTO table_relations (table_0_id, table_1_id, table_2_id, relation_type)
	VALUES (:table_0_id, :table_1_id, :table_2_id, :relation_type)
`

// maxBindVars is SQLite's default SQLITE_MAX_VARIABLE_NUMBER. PostgreSQL
// allows 65535, so the lower limit holds for every driver.
const maxBindVars = 32766

const (
	personColumns   = 5
	relationColumns = 4
)

// namedInsert inserts rows with query, splitting them into multi-row
// statements that stay under maxBindVars.
func namedInsert[T any](ctx context.Context, e sqlx.ExtContext, query string, columns int, rows []T) (int64, error) {
	chunk := maxBindVars / columns

	var total int64
	for len(rows) > 0 {
		n := len(rows)
		if n > chunk {
			n = chunk
		}

		result, err := sqlx.NamedExecContext(ctx, e, query, rows[:n])
		if err != nil {
			return total, err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return total, err
		}
		total += affected
		rows = rows[n:]
	}
	return total, nil
}

func insertPeople(ctx context.Context, e sqlx.ExtContext, table string, people ...person) (int64, error) {
	return namedInsert(ctx, e, insertPersonSQL(table), personColumns, people)
}

func insertRelations(ctx context.Context, e sqlx.ExtContext, relations []relation) (int64, error) {
	return namedInsert(ctx, e, insertRelationSQL, relationColumns, relations)
}

// tableIDs returns every id in table.
func tableIDs(ctx context.Context, q sqlx.QueryerContext, table string) ([]int, error) {
	var ids []int
	if err := sqlx.SelectContext(ctx, q, &ids, "SELECT id FROM "+table); err != nil {
		return nil, fmt.Errorf("read ids of %s, %w", table, err)
	}
	return ids, nil
}

// maxID returns the highest id in table, 0 when it is empty.
func maxID(ctx context.Context, q sqlx.QueryerContext, table string) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, q, &n, "SELECT COALESCE(MAX(id), 0) FROM "+table); err != nil {
		return 0, fmt.Errorf("max id of %s, %w", table, err)
	}
	return n, nil
}

// CountRows returns the number of rows in table.
func CountRows(ctx context.Context, q sqlx.QueryerContext, table string) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, q, &n, "SELECT COUNT(*) FROM "+table); err != nil {
		return 0, fmt.Errorf("count %s, %w", table, err)
	}
	return n, nil
}

// Schema creates and seeds the tables a run works on.
type Schema struct {
	Tables       int
	SeedRows     int
	SeedBatch    int
	Relations    bool
	RelationRows int

	rng *rand.Rand
	log *slog.Logger
}

func newSchema(cfg *Config, rng *rand.Rand, log *slog.Logger) *Schema {
	return &Schema{
		Tables:       cfg.Tables,
		SeedRows:     cfg.SeedRows,
		SeedBatch:    cfg.SeedBatch,
		Relations:    cfg.Relations,
		RelationRows: cfg.RelationRows,
		rng:          rng,
		log:          log,
	}
}

// Setup creates the tables one after another and seeds each table it
// created. Tables that already exist are left as they are, so running Setup
// twice does not add rows.
func (s *Schema) Setup(ctx context.Context, db *DB) error {
	for i := 0; i < s.Tables; i++ {
		i := i
		table := tableName(i)
		err := s.create(ctx, db, table, createTableSQL(db, table), func(tx *sqlx.Tx) (int64, error) {
			return s.seedTable(ctx, tx, i)
		})
		if err != nil {
			return err
		}
	}

	if !s.Relations {
		return nil
	}

	// the relations reference seeded rows of table_0..table_2
	return s.create(ctx, db, relationsTable, createRelationsSQL(db), func(tx *sqlx.Tx) (int64, error) {
		return s.seedRelations(ctx, tx)
	})
}

// create runs the DDL and seed of table in one transaction, so a table
// exists either with all of its seed rows or not at all.
func (s *Schema) create(ctx context.Context, db *DB, table, ddl string, seed func(*sqlx.Tx) (int64, error)) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create table %s, %w", table, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, ddl); err != nil {
		if isAlreadyExists(err, codeDuplicateTable) {
			s.log.Info("table already exists", slog.String("table", table))
			return tx.Rollback()
		}
		return fmt.Errorf("create table %s, %w", table, err)
	}

	n, err := seed(tx)
	if err != nil {
		return fmt.Errorf("seed %s, %w", table, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("create table %s, %w", table, err)
	}

	s.log.Info("table created", slog.String("table", table), slog.String("rows", humanize.Comma(n)))
	return nil
}

func (s *Schema) seedTable(ctx context.Context, tx *sqlx.Tx, t int) (int64, error) {
	table := tableName(t)

	var total int64
	batch := make([]person, 0, s.SeedBatch)
	for i := 0; i < s.SeedRows; i++ {
		batch = append(batch, seedPerson(s.rng, t, i))
		if len(batch) < s.SeedBatch && i < s.SeedRows-1 {
			continue
		}

		n, err := insertPeople(ctx, tx, table, batch...)
		if err != nil {
			return total, err
		}
		total += n
		batch = batch[:0]
	}
	return total, nil
}

// seedRelations draws the referenced ids from the rows table_0..table_2
// hold, which may differ from SeedRows when those tables already existed.
func (s *Schema) seedRelations(ctx context.Context, tx *sqlx.Tx) (int64, error) {
	if s.RelationRows == 0 {
		return 0, nil
	}

	var ids [3][]int
	for i := range ids {
		table := tableName(i)
		list, err := tableIDs(ctx, tx, table)
		if err != nil {
			return 0, err
		}
		if len(list) == 0 {
			return 0, fmt.Errorf("%s has no rows to reference", table)
		}
		ids[i] = list
	}

	var total int64
	batch := make([]relation, 0, s.SeedBatch)
	for i := 0; i < s.RelationRows; i++ {
		batch = append(batch, newRelation(s.rng, ids))
		if len(batch) < s.SeedBatch && i < s.RelationRows-1 {
			continue
		}

		n, err := insertRelations(ctx, tx, batch)
		if err != nil {
			return total, err
		}
		total += n
		batch = batch[:0]
	}
	return total, nil
}
