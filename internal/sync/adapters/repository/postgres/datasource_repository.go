package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/datatrac/datatrac-sync/internal/platform/database"
	"github.com/datatrac/datatrac-sync/internal/sync/domain/model"
	"github.com/datatrac/datatrac-sync/internal/sync/domain/repository"
)

// DataSourceRepository is read-only from the core's perspective (spec.md
// §3); creation, update, deletion, and credential encryption live in the
// external data-source collaborator.
type DataSourceRepository struct {
	db *database.DB
}

func NewDataSourceRepository(db *database.DB) repository.DataSourceRepository {
	return &DataSourceRepository{db: db}
}

func (r *DataSourceRepository) FindByID(ctx context.Context, id string) (*model.DataSource, error) {
	query := `
		SELECT id, name, engine, dialect, host, port, username, password, database, default_schema
		FROM data_sources WHERE id = $1`
	var ds model.DataSource
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&ds.ID, &ds.Name, &ds.Engine, &ds.Dialect, &ds.Host, &ds.Port,
		&ds.Username, &ds.Password, &ds.Database, &ds.DefaultSchema,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find data source %s: %w", id, err)
	}
	return &ds, nil
}
