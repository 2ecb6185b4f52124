package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusActive     Status = "active"
	StatusHistorical Status = "historical"
)

type ServiceRecord struct {
	ID             string          `json:"id"`
	TechnicianName string          `json:"technician_name"`
	ServiceName    string          `json:"service_name"`
	CustomerName   string          `json:"customer_name,omitempty"`
	Price          decimal.Decimal `json:"price"`
	Date           time.Time       `json:"date"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Status is derived from CompletedAt; a record without a completion time is active.
func (r ServiceRecord) Status() Status {
	if r.CompletedAt == nil {
		return StatusActive
	}
	return StatusHistorical
}

type Technician struct {
	Name string `json:"name"`
}

type TechnicianSales struct {
	TechnicianName string          `json:"technician_name"`
	Services       int             `json:"services"`
	Total          decimal.Decimal `json:"total"`
}
