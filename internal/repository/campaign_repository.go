package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	appErrors "github.com/karibucrm/campaign-engine/internal/errors"
	"github.com/karibucrm/campaign-engine/internal/model"
)

type CampaignRepositoryInterface interface {
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
	// SetStatus records an unconditional status change (draft -> running).
	SetStatus(ctx context.Context, id int64, status model.CampaignStatus) error
	// MarkFailed transitions to failed unless the campaign is already terminal.
	MarkFailed(ctx context.Context, id int64) error
	// MarkCompleted performs the running -> completed transition and reports
	// whether this call won it; a campaign completes at most once.
	MarkCompleted(ctx context.Context, id int64, at time.Time) (bool, error)
	SetAudienceSize(ctx context.Context, id int64, size int) error
	// IncrementStat atomically bumps one counter while the campaign is
	// running and returns the post-increment counters. Returns
	// appErrors.ErrCampaignNotRunning when the campaign is missing or
	// already terminal.
	IncrementStat(ctx context.Context, id int64, field model.StatField) (model.CampaignStats, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

var statColumns = map[model.StatField]string{
	model.StatSent:      "stats_sent",
	model.StatDelivered: "stats_delivered",
	model.StatFailed:    "stats_failed",
}

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	c.CreatedAt = time.Now()
	if c.Status == "" {
		c.Status = model.StatusDraft
	}
	query := `
        INSERT INTO campaigns (name, segment_id, message, status, created_at)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING id
    `
	return r.DB.QueryRowContext(ctx, query, c.Name, c.SegmentID, c.Message, c.Status, c.CreatedAt).Scan(&c.ID)
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	query := `
        SELECT id, name, segment_id, message, status,
               stats_audience_size, stats_sent, stats_delivered, stats_failed,
               created_at, updated_at, completed_at
        FROM campaigns WHERE id=$1
    `
	var c model.Campaign
	err := r.DB.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.Name, &c.SegmentID, &c.Message, &c.Status,
		&c.Stats.AudienceSize, &c.Stats.Sent, &c.Stats.Delivered, &c.Stats.Failed,
		&c.CreatedAt, &c.UpdatedAt, &c.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return &c, nil
}

func (r *CampaignRepository) SetStatus(ctx context.Context, id int64, status model.CampaignStatus) error {
	query := `UPDATE campaigns SET status=$1, updated_at=NOW() WHERE id=$2`
	_, err := r.DB.ExecContext(ctx, query, status, id)
	return err
}

func (r *CampaignRepository) MarkFailed(ctx context.Context, id int64) error {
	query := `
        UPDATE campaigns SET status='failed', updated_at=NOW()
        WHERE id=$1 AND status NOT IN ('completed', 'failed')
    `
	_, err := r.DB.ExecContext(ctx, query, id)
	return err
}

func (r *CampaignRepository) MarkCompleted(ctx context.Context, id int64, at time.Time) (bool, error) {
	query := `
        UPDATE campaigns SET status='completed', completed_at=$2, updated_at=NOW()
        WHERE id=$1 AND status='running'
    `
	res, err := r.DB.ExecContext(ctx, query, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *CampaignRepository) SetAudienceSize(ctx context.Context, id int64, size int) error {
	query := `UPDATE campaigns SET stats_audience_size=$1, updated_at=NOW() WHERE id=$2`
	_, err := r.DB.ExecContext(ctx, query, size, id)
	return err
}

func (r *CampaignRepository) IncrementStat(ctx context.Context, id int64, field model.StatField) (model.CampaignStats, error) {
	var stats model.CampaignStats
	col, ok := statColumns[field]
	if !ok {
		return stats, fmt.Errorf("unknown stat field %q", field)
	}
	// Single conditional UPDATE so concurrent receipts cannot lose updates;
	// RETURNING doubles as the post-increment counter read.
	query := fmt.Sprintf(`
        UPDATE campaigns SET %s = %s + 1, updated_at=NOW()
        WHERE id=$1 AND status='running'
        RETURNING stats_audience_size, stats_sent, stats_delivered, stats_failed
    `, col, col)
	err := r.DB.QueryRowContext(ctx, query, id).Scan(
		&stats.AudienceSize, &stats.Sent, &stats.Delivered, &stats.Failed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return stats, appErrors.ErrCampaignNotRunning
	}
	return stats, err
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
