package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/leadfunnel/internal/model"
)

// SQLiteStore implements Gateway using modernc.org/sqlite, for local runs.
type SQLiteStore struct {
	db    *sql.DB
	table string
	cols  ColumnMap
	now   func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn, table string, cols ColumnMap) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, table: table, cols: cols, now: time.Now}, nil
}

func (s *SQLiteStore) CreateLead(ctx context.Context, fields model.Fields) (LeadID, error) {
	cols, vals, err := s.cols.Translate(prepare(fields, time.Time{}))
	if err != nil {
		return UnknownLeadID, s.fail(OpCreate, CodeInvalidField, err)
	}

	var q string
	if len(cols) == 0 {
		q = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", quoteIdent(s.table))
	} else {
		q = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quoteIdent(s.table), quoteIdents(cols), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
	}

	res, err := s.db.ExecContext(ctx, q, sqliteValues(vals)...)
	if err != nil {
		return UnknownLeadID, s.fail(OpCreate, "", err)
	}
	id, err := res.LastInsertId()
	if err != nil || id == 0 {
		return UnknownLeadID, nil
	}
	return LeadID(strconv.FormatInt(id, 10)), nil
}

func (s *SQLiteStore) UpdateLead(ctx context.Context, id LeadID, fields model.Fields) error {
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return &PersistenceError{Backend: "sqlite", Op: OpUpdate, Code: CodeInvalidID, Message: fmt.Sprintf("id %q is not an integer", id), Err: err}
	}

	cols, vals, err := s.cols.Translate(prepare(fields, s.now()))
	if err != nil {
		return s.fail(OpUpdate, CodeInvalidField, err)
	}
	set := make([]string, len(cols))
	for i, c := range cols {
		set[i] = quoteIdent(c) + " = ?"
	}
	q := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", quoteIdent(s.table), strings.Join(set, ", "))

	res, err := s.db.ExecContext(ctx, q, append(sqliteValues(vals), n)...)
	if err != nil {
		return s.fail(OpUpdate, "", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return &PersistenceError{Backend: "sqlite", Op: OpUpdate, Code: CodeNotFound, Message: fmt.Sprintf("no lead with id %s", id)}
	}
	return nil
}

// Migrate creates the lead table when it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	defs := []string{"id INTEGER PRIMARY KEY AUTOINCREMENT", "created_at DATETIME NOT NULL DEFAULT (datetime('now'))"}
	for _, f := range model.AllFields {
		c, ok := s.cols.Column(f)
		if !ok {
			continue
		}
		switch kindOf(f) {
		case kindBool:
			defs = append(defs, quoteIdent(c)+" INTEGER NOT NULL DEFAULT 0")
		case kindTime:
			defs = append(defs, quoteIdent(c)+" DATETIME")
		default:
			defs = append(defs, quoteIdent(c)+" TEXT")
		}
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", quoteIdent(s.table), strings.Join(defs, ",\n\t"))
	_, err := s.db.ExecContext(ctx, ddl)
	return eris.Wrap(err, "sqlite: migrate")
}

// Lead reads a stored row back as column/value pairs. Used by tests and the
// local tooling.
func (s *SQLiteStore) Lead(ctx context.Context, id LeadID) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s WHERE id = ?", quoteIdent(s.table)), string(id))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get lead")
	}
	defer rows.Close() //nolint:errcheck

	if !rows.Next() {
		return nil, eris.Wrap(rows.Err(), "sqlite: get lead: not found")
	}
	names, err := rows.Columns()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get lead columns")
	}
	vals := make([]any, len(names))
	ptrs := make([]any, len(names))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan lead")
	}
	out := make(map[string]any, len(names))
	for i, n := range names {
		out[n] = vals[i]
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) fail(op, code string, err error) *PersistenceError {
	if code == "" {
		code = CodeRejected
	}
	return &PersistenceError{Backend: "sqlite", Op: op, Code: code, Message: err.Error(), Err: err}
}

// sqliteValues converts bools and times to SQLite-native representations.
func sqliteValues(vals []any) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		switch t := v.(type) {
		case bool:
			if t {
				out[i] = 1
			} else {
				out[i] = 0
			}
		case time.Time:
			out[i] = t.UTC().Format(time.RFC3339Nano)
		default:
			out[i] = v
		}
	}
	return out
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteIdents(cols []string) string {
	q := make([]string, len(cols))
	for i, c := range cols {
		q[i] = quoteIdent(c)
	}
	return strings.Join(q, ", ")
}
