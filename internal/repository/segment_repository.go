package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	appErrors "github.com/karibucrm/campaign-engine/internal/errors"
	"github.com/karibucrm/campaign-engine/internal/model"
)

type SegmentRepositoryInterface interface {
	GetByID(ctx context.Context, id int64) (*model.Segment, error)
}

type SegmentRepository struct {
	DB *sql.DB
}

// GetByID loads a segment; rules live in a JSONB column.
func (r *SegmentRepository) GetByID(ctx context.Context, id int64) (*model.Segment, error) {
	query := `SELECT id, name, description, rules, created_at FROM segments WHERE id=$1`
	var s model.Segment
	var rules []byte
	err := r.DB.QueryRowContext(ctx, query, id).Scan(&s.ID, &s.Name, &s.Description, &rules, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewSegmentNotFound(id)
		}
		return nil, err
	}
	if err := json.Unmarshal(rules, &s.Rules); err != nil {
		return nil, fmt.Errorf("decode rules for segment %d: %w", id, err)
	}
	return &s, nil
}

var _ SegmentRepositoryInterface = (*SegmentRepository)(nil)
