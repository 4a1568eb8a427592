package model

import "time"

type Customer struct {
	ID               int64      `db:"id" json:"id"`
	FirstName        string     `db:"first_name" json:"firstName"`
	LastName         string     `db:"last_name" json:"lastName"`
	Email            string     `db:"email" json:"email"`
	PhoneNumber      string     `db:"phone_number" json:"phoneNumber,omitempty"`
	CustomerSegment  string     `db:"customer_segment" json:"customerSegment"`
	TotalOrders      int        `db:"total_orders" json:"totalOrders"`
	TotalSpent       float64    `db:"total_spent" json:"totalSpent"`
	LastPurchaseDate *time.Time `db:"last_purchase_date" json:"lastPurchaseDate,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"createdAt"`
}
