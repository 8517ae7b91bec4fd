// Package doc implements the DOC engine adapter (spec.md §4.4) over
// MongoDB. Entities are addressed as "database.collection"; the cursor is
// a scroll-style continuation built from the last-seen _id.
package doc

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/datatrac/datatrac-sync/internal/sync/domain/engine"
	"github.com/datatrac/datatrac-sync/internal/sync/domain/model"
)

const connectTimeout = 5 * time.Second

// Adapter is the DOC engine.Adapter implementation.
type Adapter struct {
	client *mongo.Client
}

// New constructs an unconnected DOC adapter. Matches engine.Factory.
func New() engine.Adapter {
	return &Adapter{}
}

func (a *Adapter) Open(ctx context.Context, ds *model.DataSource) error {
	uri := fmt.Sprintf("mongodb://%s:%s@%s:%d", ds.Username, ds.Password, ds.Host, ds.Port)
	if ds.Username == "" {
		uri = fmt.Sprintf("mongodb://%s:%d", ds.Host, ds.Port)
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return fmt.Errorf("doc adapter: connect: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return fmt.Errorf("doc adapter: ping: %w", err)
	}

	a.client = client
	return nil
}

func (a *Adapter) Close() error {
	if a.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	return a.client.Disconnect(ctx)
}

func splitEntity(entity string) (database, collection string, err error) {
	parts := strings.SplitN(entity, ".", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("doc adapter: entity %q must be database.collection", entity)
	}
	return parts[0], parts[1], nil
}

func (a *Adapter) coll(entity string) (*mongo.Collection, error) {
	database, collection, err := splitEntity(entity)
	if err != nil {
		return nil, err
	}
	return a.client.Database(database).Collection(collection), nil
}

func (a *Adapter) CountRows(ctx context.Context, entity string) (int64, error) {
	c, err := a.coll(entity)
	if err != nil {
		return 0, err
	}
	count, err := c.EstimatedDocumentCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("doc adapter: count %s: %w", entity, err)
	}
	return count, nil
}

// scrollCursor holds the last _id seen, so ReadBatch can resume with
// {_id: {$gt: last}} rather than a skip/limit scan (spec.md §4.4: the DOC
// cursor need not match the SQL adapter's shape).
type scrollCursor struct {
	lastID interface{}
}

func (a *Adapter) ReadBatch(ctx context.Context, entity string, cursor engine.Cursor, limit int) ([]engine.Row, engine.Cursor, error) {
	c, err := a.coll(entity)
	if err != nil {
		return nil, nil, err
	}

	filter := bson.M{}
	if cursor != nil {
		sc, ok := cursor.(scrollCursor)
		if !ok {
			return nil, nil, fmt.Errorf("doc adapter: unexpected cursor type %T", cursor)
		}
		if sc.lastID != nil {
			filter = bson.M{"_id": bson.M{"$gt": sc.lastID}}
		}
	}

	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(limit))
	rows, err := c.Find(ctx, filter, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("doc adapter: read %s: %w", entity, err)
	}
	defer rows.Close(ctx)

	var batch []engine.Row
	var lastID interface{}
	for rows.Next(ctx) {
		var doc bson.M
		if err := rows.Decode(&doc); err != nil {
			return nil, nil, fmt.Errorf("doc adapter: decode %s: %w", entity, err)
		}
		lastID = doc["_id"]
		batch = append(batch, engine.Row(doc))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("doc adapter: iterate %s: %w", entity, err)
	}

	next := scrollCursor{lastID: lastID}
	if lastID == nil {
		if cursor != nil {
			next = cursor.(scrollCursor)
		}
	}
	return batch, next, nil
}

// EnsureSchema is a no-op: MongoDB databases are created implicitly on
// first write and carry no charset concept (spec.md §4.3 step 4 only
// requires charset propagation for SQL targets).
func (a *Adapter) EnsureSchema(ctx context.Context, schema string, charset string) (bool, error) {
	return false, nil
}

// CreateLike creates the target collection if it does not already exist.
// MongoDB has no structure to clone, so this only satisfies the
// targetExists=drop "recreate" half of step 5.
func (a *Adapter) CreateLike(ctx context.Context, source engine.Adapter, sourceEntity, targetEntity string) (bool, error) {
	database, collection, err := splitEntity(targetEntity)
	if err != nil {
		return false, err
	}
	names, err := a.client.Database(database).ListCollectionNames(ctx, bson.M{"name": collection})
	if err != nil {
		return false, fmt.Errorf("doc adapter: list collections %s: %w", targetEntity, err)
	}
	if len(names) > 0 {
		return false, nil
	}
	if err := a.client.Database(database).CreateCollection(ctx, collection); err != nil {
		return false, fmt.Errorf("doc adapter: create collection %s: %w", targetEntity, err)
	}
	return true, nil
}

func (a *Adapter) Truncate(ctx context.Context, entity string) error {
	c, err := a.coll(entity)
	if err != nil {
		return err
	}
	if _, err := c.DeleteMany(ctx, bson.M{}); err != nil {
		return fmt.Errorf("doc adapter: truncate %s: %w", entity, err)
	}
	return nil
}

func (a *Adapter) Drop(ctx context.Context, entity string) error {
	c, err := a.coll(entity)
	if err != nil {
		return err
	}
	if err := c.Drop(ctx); err != nil {
		return fmt.Errorf("doc adapter: drop %s: %w", entity, err)
	}
	return nil
}

func (a *Adapter) WriteBatch(ctx context.Context, entity string, rows []engine.Row) error {
	if len(rows) == 0 {
		return nil
	}
	c, err := a.coll(entity)
	if err != nil {
		return err
	}

	docs := make([]interface{}, len(rows))
	for i, row := range rows {
		clone := bson.M{}
		for k, v := range row {
			if k == "_id" {
				continue // let the target assign its own _id unless the source value round-trips cleanly
			}
			clone[k] = v
		}
		if id, ok := row["_id"]; ok {
			if oid, ok := asObjectID(id); ok {
				clone["_id"] = oid
			}
		}
		docs[i] = clone
	}

	if _, err := c.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false)); err != nil {
		return fmt.Errorf("doc adapter: write batch into %s: %w", entity, err)
	}
	return nil
}

func asObjectID(v interface{}) (primitive.ObjectID, bool) {
	switch id := v.(type) {
	case primitive.ObjectID:
		return id, true
	default:
		return primitive.ObjectID{}, false
	}
}

// cursor token tags disambiguate the concrete Go type behind scrollCursor's
// interface{} _id, so DecodeCursor reconstructs a value that compares
// correctly against MongoDB's native _id type in the $gt filter.
const (
	cursorTagObjectID = "oid"
	cursorTagInt64    = "int"
	cursorTagString   = "str"
)

// EncodeCursor renders a scrollCursor as "<tag>:<value>". A nil cursor, or
// one whose lastID is nil (start of entity), encodes to "".
func (a *Adapter) EncodeCursor(cursor engine.Cursor) string {
	if cursor == nil {
		return ""
	}
	sc, ok := cursor.(scrollCursor)
	if !ok || sc.lastID == nil {
		return ""
	}
	switch v := sc.lastID.(type) {
	case primitive.ObjectID:
		return cursorTagObjectID + ":" + v.Hex()
	case int64:
		return cursorTagInt64 + ":" + strconv.FormatInt(v, 10)
	case int32:
		return cursorTagInt64 + ":" + strconv.FormatInt(int64(v), 10)
	case string:
		return cursorTagString + ":" + v
	default:
		return cursorTagString + ":" + fmt.Sprintf("%v", v)
	}
}

// DecodeCursor parses a token produced by EncodeCursor back into a
// scrollCursor carrying the correctly-typed lastID, so a resumed unit
// resumes its {_id: {$gt: last}} scroll instead of restarting at the
// beginning of the collection.
func (a *Adapter) DecodeCursor(token string) (engine.Cursor, error) {
	if token == "" {
		return nil, nil
	}
	parts := strings.SplitN(token, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("doc adapter: invalid cursor token %q", token)
	}
	tag, value := parts[0], parts[1]
	switch tag {
	case cursorTagObjectID:
		oid, err := primitive.ObjectIDFromHex(value)
		if err != nil {
			return nil, fmt.Errorf("doc adapter: invalid objectid cursor %q: %w", value, err)
		}
		return scrollCursor{lastID: oid}, nil
	case cursorTagInt64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("doc adapter: invalid int cursor %q: %w", value, err)
		}
		return scrollCursor{lastID: n}, nil
	case cursorTagString:
		return scrollCursor{lastID: value}, nil
	default:
		return nil, fmt.Errorf("doc adapter: unknown cursor tag %q", tag)
	}
}

// GetSchemaCharset has no MongoDB analogue; documents are encoded UTF-8
// uniformly, so the adapter reports a fixed value (spec.md §4.3 step 3
// only consumes this for SQL-family targets).
func (a *Adapter) GetSchemaCharset(ctx context.Context, schema string) (string, error) {
	return "utf8", nil
}
