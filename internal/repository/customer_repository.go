package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/karibucrm/campaign-engine/internal/model"
)

type CustomerRepositoryInterface interface {
	GetByID(ctx context.Context, id int64) (*model.Customer, error)
	ListAll(ctx context.Context) ([]model.Customer, error)
}

type CustomerRepository struct {
	DB *sql.DB
}

const customerColumns = `
        id, first_name, last_name, email, phone_number,
        customer_segment, total_orders, total_spent, last_purchase_date, created_at
`

func (r *CustomerRepository) GetByID(ctx context.Context, id int64) (*model.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE id = $1`
	row := r.DB.QueryRowContext(ctx, query, id)

	c, err := scanCustomer(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // not found
		}
		return nil, err
	}
	return &c, nil
}

func (r *CustomerRepository) ListAll(ctx context.Context) ([]model.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := []model.Customer{}
	for rows.Next() {
		c, err := scanCustomer(rows.Scan)
		if err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

func scanCustomer(scan func(dest ...any) error) (model.Customer, error) {
	var c model.Customer
	var lastPurchase sql.NullTime
	err := scan(
		&c.ID, &c.FirstName, &c.LastName, &c.Email, &c.PhoneNumber,
		&c.CustomerSegment, &c.TotalOrders, &c.TotalSpent, &lastPurchase, &c.CreatedAt,
	)
	if err != nil {
		return model.Customer{}, err
	}
	if lastPurchase.Valid {
		c.LastPurchaseDate = &lastPurchase.Time
	}
	return c, nil
}

var _ CustomerRepositoryInterface = (*CustomerRepository)(nil)
