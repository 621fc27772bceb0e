package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// DateRange bounds a statistics query, both ends inclusive
type DateRange struct {
	From time.Time
	To   time.Time
}

func (d DateRange) query() map[string]string {
	q := map[string]string{}
	if !d.From.IsZero() {
		q["from"] = d.From.Format("2006-01-02")
	}
	if !d.To.IsZero() {
		q["to"] = d.To.Format("2006-01-02")
	}
	return q
}

// StoreShare is one slice of the market share breakdown
type StoreShare struct {
	StoreName   string  `json:"store_name"`
	TotalAmount int64   `json:"total_amount"`
	Percentage  float64 `json:"percentage"`
}

// ProductStat is one entry of the top products list
type ProductStat struct {
	Name        string  `json:"name"`
	Quantity    float64 `json:"quantity"`
	TotalAmount int64   `json:"total_amount"`
}

// MarketShare returns spend per store for the group and range
func (c *Client) MarketShare(ctx context.Context, groupID string, r DateRange) ([]StoreShare, error) {
	out := make([]StoreShare, 0)
	err := c.do(ctx, request{
		method: "GET",
		path:   groupPath(groupID) + "/statistics/market-share",
		query:  r.query(),
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("getting market share: %w", err)
	}
	return out, nil
}

// TopProducts returns the most purchased products for the group and range
func (c *Client) TopProducts(ctx context.Context, groupID string, r DateRange, limit int) ([]ProductStat, error) {
	q := r.query()
	if limit > 0 {
		q["limit"] = strconv.Itoa(limit)
	}
	out := make([]ProductStat, 0)
	err := c.do(ctx, request{
		method: "GET",
		path:   groupPath(groupID) + "/statistics/top-products",
		query:  q,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("getting top products: %w", err)
	}
	return out, nil
}
