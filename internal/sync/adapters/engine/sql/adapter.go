// Package sql implements the SQL engine adapter (spec.md §4.4). Entities
// are addressed as "schema.table"; the cursor is a (limit, offset) pair,
// the simplest adapter shape the spec allows.
package sql

import (
	gosql "database/sql"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/datatrac/datatrac-sync/internal/sync/domain/engine"
	"github.com/datatrac/datatrac-sync/internal/sync/domain/model"
)

// identifierPattern is the injection guard required by spec.md §4.4: table
// and schema names must match this before they are interpolated into an
// identifier position (drivers do not parameterize identifiers).
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func validateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier %q: must match %s", name, identifierPattern.String())
	}
	return nil
}

// openTimeout bounds connection establishment (spec.md §5).
const openTimeout = 5 * time.Second

// Adapter is the SQL engine.Adapter implementation. It is safe to
// instantiate per-unit: it holds no package-level mutable state, and Open
// creates a fresh *sql.DB per call.
type Adapter struct {
	db      *gosql.DB
	dialect string
}

// New constructs an unopened SQL adapter. Matches engine.Factory.
func New() engine.Adapter {
	return &Adapter{}
}

func (a *Adapter) Open(ctx context.Context, ds *model.DataSource) error {
	dialect := ds.Dialect
	if dialect == "" {
		dialect = "postgres"
	}
	a.dialect = dialect

	driver, dsn, err := dsnFor(dialect, ds)
	if err != nil {
		return err
	}

	db, err := gosql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("sql adapter: open %s: %w", dialect, err)
	}

	openCtx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()
	if err := db.PingContext(openCtx); err != nil {
		db.Close()
		return fmt.Errorf("sql adapter: ping %s: %w", dialect, err)
	}

	a.db = db
	return nil
}

func dsnFor(dialect string, ds *model.DataSource) (driver, dsn string, err error) {
	switch dialect {
	case "postgres":
		return "postgres", fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			ds.Host, ds.Port, ds.Username, ds.Password, ds.Database,
		), nil
	case "mysql":
		return "mysql", fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			ds.Username, ds.Password, ds.Host, ds.Port, ds.Database,
		), nil
	default:
		return "", "", fmt.Errorf("sql adapter: unsupported dialect %q", dialect)
	}
}

func (a *Adapter) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

func splitEntity(entity string) (schema, table string, err error) {
	parts := strings.SplitN(entity, ".", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("sql adapter: entity %q must be schema.table", entity)
	}
	schema, table = parts[0], parts[1]
	if err := validateIdentifier(schema); err != nil {
		return "", "", err
	}
	if err := validateIdentifier(table); err != nil {
		return "", "", err
	}
	return schema, table, nil
}

func (a *Adapter) qualify(schema, table string) string {
	if a.dialect == "mysql" {
		return fmt.Sprintf("`%s`.`%s`", schema, table)
	}
	return fmt.Sprintf("%q.%q", schema, table)
}

func (a *Adapter) CountRows(ctx context.Context, entity string) (int64, error) {
	schema, table, err := splitEntity(entity)
	if err != nil {
		return 0, err
	}
	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", a.qualify(schema, table))
	if err := a.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("sql adapter: count %s: %w", entity, err)
	}
	return count, nil
}

// offsetCursor is the SQL adapter's (limit, offset) cursor.
type offsetCursor struct {
	offset int
}

func (a *Adapter) ReadBatch(ctx context.Context, entity string, cursor engine.Cursor, limit int) ([]engine.Row, engine.Cursor, error) {
	schema, table, err := splitEntity(entity)
	if err != nil {
		return nil, nil, err
	}

	offset := 0
	if cursor != nil {
		oc, ok := cursor.(offsetCursor)
		if !ok {
			return nil, nil, fmt.Errorf("sql adapter: unexpected cursor type %T", cursor)
		}
		offset = oc.offset
	}

	query := fmt.Sprintf("SELECT * FROM %s ORDER BY 1 LIMIT %d OFFSET %d", a.qualify(schema, table), limit, offset)
	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("sql adapter: read %s: %w", entity, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("sql adapter: columns %s: %w", entity, err)
	}

	var batch []engine.Row
	for rows.Next() {
		raw := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("sql adapter: scan %s: %w", entity, err)
		}
		row := make(engine.Row, len(cols))
		for i, col := range cols {
			row[col] = textualize(raw[i])
		}
		batch = append(batch, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("sql adapter: iterate %s: %w", entity, err)
	}

	// Offset advances past the page read regardless of how many rows it
	// actually held; an empty page signals end-of-entity to the caller.
	next := offsetCursor{offset: offset + len(batch)}
	return batch, next, nil
}

// textualize converts driver byte values to textual form before a Row
// leaves the adapter, per spec.md §4.4.
func textualize(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func (a *Adapter) CreateLike(ctx context.Context, source engine.Adapter, sourceEntity, targetEntity string) (bool, error) {
	targetSchema, targetTable, err := splitEntity(targetEntity)
	if err != nil {
		return false, err
	}
	sourceSchema, sourceTable, err := splitEntity(sourceEntity)
	if err != nil {
		return false, err
	}

	exists, err := a.tableExists(ctx, targetSchema, targetTable)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	srcAdapter, ok := source.(*Adapter)
	if !ok {
		return false, fmt.Errorf("sql adapter: CreateLike requires a source SQL adapter, got %T", source)
	}
	cols, err := srcAdapter.columnDefinitions(ctx, sourceSchema, sourceTable)
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf("CREATE TABLE %s (%s)", a.qualify(targetSchema, targetTable), cols)
	if _, err := a.db.ExecContext(ctx, query); err != nil {
		return false, fmt.Errorf("sql adapter: create %s: %w", targetEntity, err)
	}
	return true, nil
}

// EnsureSchema creates schema if absent, propagating charset for dialects
// that track it at the schema level (Unit Pipeline step 4).
func (a *Adapter) EnsureSchema(ctx context.Context, schema string, charset string) (bool, error) {
	if err := validateIdentifier(schema); err != nil {
		return false, err
	}

	existed, err := a.schemaExists(ctx, schema)
	if err != nil {
		return false, err
	}
	if existed {
		return false, nil
	}

	var query string
	if a.dialect == "mysql" {
		cs := charset
		if cs == "" {
			cs = "utf8mb4"
		}
		query = fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS `%s` CHARACTER SET %s", schema, cs)
	} else {
		query = fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %q", schema)
	}
	if _, err := a.db.ExecContext(ctx, query); err != nil {
		return false, fmt.Errorf("sql adapter: ensure schema %s: %w", schema, err)
	}
	return true, nil
}

func (a *Adapter) schemaExists(ctx context.Context, schema string) (bool, error) {
	var query string
	if a.dialect == "mysql" {
		query = "SELECT COUNT(*) FROM information_schema.schemata WHERE schema_name = ?"
	} else {
		query = "SELECT COUNT(*) FROM information_schema.schemata WHERE schema_name = $1"
	}
	var count int
	if err := a.db.QueryRowContext(ctx, query, schema).Scan(&count); err != nil {
		return false, fmt.Errorf("sql adapter: schema exists %s: %w", schema, err)
	}
	return count > 0, nil
}

func (a *Adapter) tableExists(ctx context.Context, schema, table string) (bool, error) {
	var query string
	if a.dialect == "mysql" {
		query = "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = ? AND table_name = ?"
	} else {
		query = "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2"
	}
	var count int
	if err := a.db.QueryRowContext(ctx, query, schema, table).Scan(&count); err != nil {
		return false, fmt.Errorf("sql adapter: table exists %s.%s: %w", schema, table, err)
	}
	return count > 0, nil
}

// columnDefinitions derives a generic DDL column list from information_schema,
// a trivial structure clone within the same engine family (spec.md §1
// Non-goals: schema translation beyond this is out of scope).
func (a *Adapter) columnDefinitions(ctx context.Context, schema, table string) (string, error) {
	var query string
	if a.dialect == "mysql" {
		query = "SELECT column_name, column_type, is_nullable FROM information_schema.columns WHERE table_schema = ? AND table_name = ? ORDER BY ordinal_position"
	} else {
		query = "SELECT column_name, data_type, is_nullable FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2 ORDER BY ordinal_position"
	}
	rows, err := a.db.QueryContext(ctx, query, schema, table)
	if err != nil {
		return "", fmt.Errorf("sql adapter: describe %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	var defs []string
	for rows.Next() {
		var name, colType, nullable string
		if err := rows.Scan(&name, &colType, &nullable); err != nil {
			return "", fmt.Errorf("sql adapter: scan column: %w", err)
		}
		def := fmt.Sprintf("%s %s", quoteIdent(a.dialect, name), colType)
		if nullable == "NO" {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	if len(defs) == 0 {
		return "", fmt.Errorf("sql adapter: %s.%s has no columns or does not exist", schema, table)
	}
	return strings.Join(defs, ", "), nil
}

func quoteIdent(dialect, name string) string {
	if dialect == "mysql" {
		return fmt.Sprintf("`%s`", name)
	}
	return fmt.Sprintf("%q", name)
}

func (a *Adapter) Truncate(ctx context.Context, entity string) error {
	schema, table, err := splitEntity(entity)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("TRUNCATE TABLE %s", a.qualify(schema, table))
	if _, err := a.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("sql adapter: truncate %s: %w", entity, err)
	}
	return nil
}

func (a *Adapter) Drop(ctx context.Context, entity string) error {
	schema, table, err := splitEntity(entity)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", a.qualify(schema, table))
	if _, err := a.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("sql adapter: drop %s: %w", entity, err)
	}
	return nil
}

func (a *Adapter) WriteBatch(ctx context.Context, entity string, rows []engine.Row) error {
	if len(rows) == 0 {
		return nil
	}
	schema, table, err := splitEntity(entity)
	if err != nil {
		return err
	}

	cols := columnOrder(rows[0])
	for _, c := range cols {
		if err := validateIdentifier(c); err != nil {
			return err
		}
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sql adapter: begin write %s: %w", entity, err)
	}
	defer tx.Rollback()

	placeholders := make([]string, len(cols))
	quotedCols := make([]string, len(cols))
	for i, c := range cols {
		quotedCols[i] = quoteIdent(a.dialect, c)
		placeholders[i] = a.placeholder(i + 1)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		a.qualify(schema, table), strings.Join(quotedCols, ", "), strings.Join(placeholders, ", "))

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("sql adapter: prepare write %s: %w", entity, err)
	}
	defer stmt.Close()

	for _, row := range rows {
		args := make([]interface{}, len(cols))
		for i, c := range cols {
			args[i] = row[c]
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("sql adapter: write row into %s: %w", entity, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sql adapter: commit write %s: %w", entity, err)
	}
	return nil
}

func (a *Adapter) placeholder(n int) string {
	if a.dialect == "mysql" {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

func columnOrder(row engine.Row) []string {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	return cols
}

// EncodeCursor renders an offsetCursor as its decimal offset. A nil cursor
// (start of entity) encodes to "".
func (a *Adapter) EncodeCursor(cursor engine.Cursor) string {
	if cursor == nil {
		return ""
	}
	oc, ok := cursor.(offsetCursor)
	if !ok {
		return ""
	}
	return strconv.Itoa(oc.offset)
}

// DecodeCursor parses a token produced by EncodeCursor back into an
// offsetCursor, so a resumed unit continues from its persisted offset
// instead of restarting at row 0.
func (a *Adapter) DecodeCursor(token string) (engine.Cursor, error) {
	if token == "" {
		return nil, nil
	}
	offset, err := strconv.Atoi(token)
	if err != nil {
		return nil, fmt.Errorf("sql adapter: invalid cursor token %q: %w", token, err)
	}
	return offsetCursor{offset: offset}, nil
}

func (a *Adapter) GetSchemaCharset(ctx context.Context, schema string) (string, error) {
	if err := validateIdentifier(schema); err != nil {
		return "utf8mb4", nil // safe default; invalid schema name is not fatal to charset lookup
	}
	if a.dialect != "mysql" {
		return "UTF8", nil
	}
	var charset string
	query := "SELECT default_character_set_name FROM information_schema.schemata WHERE schema_name = ?"
	if err := a.db.QueryRowContext(ctx, query, schema).Scan(&charset); err != nil {
		return "utf8mb4", nil // metadata lookup failure falls back to a safe default (spec.md §7)
	}
	return charset, nil
}
