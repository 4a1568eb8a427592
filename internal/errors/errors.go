package appErrors

import (
	"errors"
	"fmt"
)

// ErrCampaignNotFound is returned when a campaign id does not resolve.
type ErrCampaignNotFound struct {
	CampaignID int64
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

func NewCampaignNotFound(id int64) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// ErrSegmentNotFound is returned when a campaign references a segment that
// does not resolve.
type ErrSegmentNotFound struct {
	SegmentID int64
}

func (e *ErrSegmentNotFound) Error() string {
	return fmt.Sprintf("segment with ID %d not found", e.SegmentID)
}

func NewSegmentNotFound(id int64) error {
	return &ErrSegmentNotFound{SegmentID: id}
}

// ErrCampaignNotRunning signals that a counter update was rejected because
// the campaign is missing or already in a terminal state.
var ErrCampaignNotRunning = errors.New("campaign is not running")

// ErrInvalidTransition signals a campaign status change that would violate
// the draft -> running -> {completed, failed} lifecycle.
var ErrInvalidTransition = errors.New("invalid campaign status transition")
