// Package engine defines the capability set every sync engine adapter
// (SQL, DOC) must satisfy (spec.md §4.4): open, count, read-batch,
// create-target, truncate, drop, write-batch, close.
package engine

import (
	"context"

	"github.com/datatrac/datatrac-sync/internal/sync/domain/model"
)

// Row is one record read from, or written to, an engine. Column/field names
// are keys; values are already in a form the target adapter's WriteBatch
// can bind (byte values surfaced by a SQL driver are converted to textual
// form by the adapter before a Row ever leaves it, per spec.md §4.4).
type Row map[string]interface{}

// Cursor is an opaque, adapter-specific position marker: a (limit, offset)
// pair for the SQL adapter, a scroll handle for the DOC adapter. A nil
// Cursor means "start of the entity".
type Cursor interface{}

// Adapter is the capability set a per-unit reader or writer must provide.
// Adapters are not shared across workers: each worker instantiates its own
// reader and writer and closes them on unit completion (spec.md §5).
type Adapter interface {
	// Open establishes the underlying connection using decrypted
	// credentials, within a bounded timeout (default 5s, spec.md §5).
	Open(ctx context.Context, ds *model.DataSource) error

	// Close releases underlying network resources deterministically.
	Close() error

	// CountRows returns the total row/document count for entity, used to
	// seed TaskUnitRuntime.TotalRecords (Unit Pipeline step 6).
	CountRows(ctx context.Context, entity string) (int64, error)

	// ReadBatch reads up to limit rows/documents starting at cursor.
	// An empty page (len(rows) == 0) signals the end of the entity.
	ReadBatch(ctx context.Context, entity string, cursor Cursor, limit int) (rows []Row, next Cursor, err error)

	// EnsureSchema creates the target namespace (SQL schema / DOC database)
	// if it does not already exist, propagating charset/collation where the
	// target engine requires it (Unit Pipeline step 4). Engines with no
	// notion of a separate namespace (DOC) treat this as a no-op.
	EnsureSchema(ctx context.Context, schema string, charset string) (created bool, err error)

	// CreateLike clones entity's structure from source onto this adapter's
	// connection (Unit Pipeline step 5, targetExists=drop).
	CreateLike(ctx context.Context, source Adapter, sourceEntity, targetEntity string) (created bool, err error)

	// Truncate empties entity without touching its schema.
	Truncate(ctx context.Context, entity string) error

	// Drop drops entity if it exists; a "does not exist" condition is not
	// an error (benign, per spec.md §7 local-recovery policy).
	Drop(ctx context.Context, entity string) error

	// WriteBatch writes rows to entity using the adapter's native bulk
	// write path.
	WriteBatch(ctx context.Context, entity string, rows []Row) error

	// GetSchemaCharset derives the character set/collation for schema.
	// Implementations fall back to a safe default rather than failing the
	// unit when metadata lookup fails (spec.md §4.3 step 3, §7).
	GetSchemaCharset(ctx context.Context, schema string) (string, error)

	// EncodeCursor serializes cursor to a string suitable for persistence
	// in TaskUnitRuntime.CursorToken. A nil cursor encodes to "".
	EncodeCursor(cursor Cursor) string

	// DecodeCursor reconstructs a Cursor previously produced by
	// EncodeCursor, so a resumed unit can continue reading from where it
	// left off instead of restarting at the entity's beginning (spec.md
	// §1, §8 scenario 2). An empty token decodes to a nil Cursor.
	DecodeCursor(token string) (Cursor, error)
}

// Factory constructs a fresh, per-unit Adapter for an engine kind.
type Factory func() Adapter

// Registry maps engine kinds to adapter factories, resolved by the Unit
// Pipeline when it opens a reader/writer for a unit.
type Registry map[model.EngineKind]Factory

// NewRegistry builds the default SQL/DOC registry. Callers (the server
// wiring) may override entries, e.g. to swap in a fake adapter in tests.
func NewRegistry(sql, doc Factory) Registry {
	return Registry{
		model.EngineSQL: sql,
		model.EngineDOC: doc,
	}
}

func (r Registry) For(kind model.EngineKind) (Factory, bool) {
	f, ok := r[kind]
	return f, ok
}
