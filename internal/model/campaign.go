package model

import "time"

type CampaignStatus string

const (
	StatusDraft     CampaignStatus = "draft"
	StatusScheduled CampaignStatus = "scheduled"
	StatusRunning   CampaignStatus = "running"
	StatusCompleted CampaignStatus = "completed"
	StatusFailed    CampaignStatus = "failed"
)

// Terminal reports whether no further status transition is allowed.
func (s CampaignStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StatField names one of the campaign delivery counters.
type StatField string

const (
	StatSent      StatField = "sent"
	StatDelivered StatField = "delivered"
	StatFailed    StatField = "failed"
)

// CampaignStats holds the per-campaign delivery counters. For every
// completed campaign Delivered+Failed equals AudienceSize.
type CampaignStats struct {
	AudienceSize int `db:"stats_audience_size" json:"audienceSize"`
	Sent         int `db:"stats_sent" json:"sent"`
	Delivered    int `db:"stats_delivered" json:"delivered"`
	Failed       int `db:"stats_failed" json:"failed"`
}

type Campaign struct {
	ID          int64          `db:"id" json:"id"`
	Name        string         `db:"name" json:"name"`
	SegmentID   int64          `db:"segment_id" json:"segmentId"`
	Message     string         `db:"message" json:"message"`
	Status      CampaignStatus `db:"status" json:"status"`
	Stats       CampaignStats  `json:"stats"`
	CreatedAt   time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt   *time.Time     `db:"updated_at" json:"updatedAt,omitempty"`
	CompletedAt *time.Time     `db:"completed_at" json:"completedAt,omitempty"`
}
