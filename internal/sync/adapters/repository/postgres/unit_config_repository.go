package postgres

import (
	"context"
	"fmt"

	"github.com/datatrac/datatrac-sync/internal/platform/database"
	"github.com/datatrac/datatrac-sync/internal/sync/domain/model"
	"github.com/datatrac/datatrac-sync/internal/sync/domain/repository"
)

// UnitConfigRepository reads task_unit_configs; rows are created when the
// task is configured and destroyed on task delete (cascade, spec.md §3).
type UnitConfigRepository struct {
	db *database.DB
}

func NewUnitConfigRepository(db *database.DB) repository.UnitConfigRepository {
	return &UnitConfigRepository{db: db}
}

func (r *UnitConfigRepository) ListByTask(ctx context.Context, taskID string) ([]*model.TaskUnitConfig, error) {
	query := `SELECT id, task_id, unit_name, unit_type FROM task_unit_configs WHERE task_id = $1 ORDER BY unit_name`
	rows, err := r.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("list unit configs for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []*model.TaskUnitConfig
	for rows.Next() {
		var c model.TaskUnitConfig
		if err := rows.Scan(&c.ID, &c.TaskID, &c.UnitName, &c.UnitType); err != nil {
			return nil, fmt.Errorf("scan unit config for task %s: %w", taskID, err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list unit configs for task %s: %w", taskID, err)
	}
	return out, nil
}
