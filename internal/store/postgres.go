package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/sells-group/leadfunnel/internal/db"
	"github.com/sells-group/leadfunnel/internal/model"
)

// PostgresStore implements Gateway against a Postgres table with a bigint
// identity primary key named id.
type PostgresStore struct {
	pool    db.Pool
	table   string
	cols    ColumnMap
	now     func() time.Time
	closeFn func()
}

// NewPostgres wraps an open pool. table may be schema-qualified.
func NewPostgres(pool db.Pool, table string, cols ColumnMap) *PostgresStore {
	return &PostgresStore{
		pool:    pool,
		table:   table,
		cols:    cols,
		now:     time.Now,
		closeFn: pool.Close,
	}
}

// CreateLead inserts a row and reads back its id. pgx.ErrNoRows from the
// RETURNING clause yields UnknownLeadID.
func (s *PostgresStore) CreateLead(ctx context.Context, fields model.Fields) (LeadID, error) {
	cols, vals, err := s.cols.Translate(prepare(fields, time.Time{}))
	if err != nil {
		return UnknownLeadID, s.fail(OpCreate, CodeInvalidField, err)
	}

	var sql string
	if len(cols) == 0 {
		sql = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING id::text", db.SanitizeTable(s.table))
	} else {
		sql = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id::text",
			db.SanitizeTable(s.table), db.QuoteAndJoin(cols), placeholders(1, len(cols)))
	}

	var id string
	if err := s.pool.QueryRow(ctx, sql, vals...).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return UnknownLeadID, nil
		}
		return UnknownLeadID, s.fail(OpCreate, "", err)
	}
	return LeadID(id), nil
}

// UpdateLead sets fields and updated_at on the row with the given id.
func (s *PostgresStore) UpdateLead(ctx context.Context, id LeadID, fields model.Fields) error {
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return &PersistenceError{Backend: "postgres", Op: OpUpdate, Code: CodeInvalidID, Message: fmt.Sprintf("id %q is not an integer", id), Err: err}
	}

	cols, vals, err := s.cols.Translate(prepare(fields, s.now()))
	if err != nil {
		return s.fail(OpUpdate, CodeInvalidField, err)
	}

	set := make([]string, len(cols))
	for i, c := range cols {
		set[i] = fmt.Sprintf("%s = $%d", db.QuoteAndJoin([]string{c}), i+1)
	}
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d",
		db.SanitizeTable(s.table), strings.Join(set, ", "), len(cols)+1)

	tag, err := s.pool.Exec(ctx, sql, append(vals, n)...)
	if err != nil {
		return s.fail(OpUpdate, "", err)
	}
	if tag.RowsAffected() == 0 {
		return &PersistenceError{Backend: "postgres", Op: OpUpdate, Code: CodeNotFound, Message: fmt.Sprintf("no lead with id %s", id)}
	}
	return nil
}

// Migrate creates the lead table when it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, s.migrationSQL())
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) migrationSQL() string {
	defs := []string{"id BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY", "created_at TIMESTAMPTZ NOT NULL DEFAULT now()"}
	for _, f := range model.AllFields {
		c, ok := s.cols.Column(f)
		if !ok {
			continue
		}
		col := db.QuoteAndJoin([]string{c})
		switch kindOf(f) {
		case kindBool:
			defs = append(defs, col+" BOOLEAN NOT NULL DEFAULT false")
		case kindTime:
			defs = append(defs, col+" TIMESTAMPTZ")
		default:
			defs = append(defs, col+" TEXT")
		}
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", db.SanitizeTable(s.table), strings.Join(defs, ",\n\t"))
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) fail(op, code string, err error) *PersistenceError {
	pe := &PersistenceError{Backend: "postgres", Op: op, Code: code, Err: err}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		pe.Code = pgErr.Code
		pe.Message = pgErr.Message
		pe.Hint = pgErr.Hint
		pe.Details = pgErr.Detail
		return pe
	}
	if pe.Code == "" {
		pe.Code = CodeTransport
	}
	pe.Message = err.Error()
	return pe
}

// placeholders returns "$start, ..., $start+n-1".
func placeholders(start, n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = "$" + strconv.Itoa(start+i)
	}
	return strings.Join(ps, ", ")
}
