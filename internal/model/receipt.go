package model

type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryResult is the per-customer receipt produced by the delivery stage
// and consumed by receipt aggregation.
type DeliveryResult struct {
	CampaignID int64          `json:"campaignId"`
	CustomerID int64          `json:"customerId"`
	Status     DeliveryStatus `json:"status"`
	Error      string         `json:"error,omitempty"`
}
