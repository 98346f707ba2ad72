package license

import (
	"time"
)

// Terms describes what is licensed and for how long. Terms read from a
// license are only trustworthy after Validate or VerifiedTerms accepted it.
type Terms struct {
	// StartDate is the inclusive lower bound of validity.
	StartDate time.Time `json:"start_date" validate:"required"`
	// EndDate is the inclusive upper bound of validity. EndDate before
	// StartDate encodes and signs but never validates; Manager refuses to
	// issue such terms.
	EndDate time.Time `json:"end_date" validate:"required,gtefield=StartDate"`
	// ProductName must match the consuming application's name exactly.
	ProductName string `json:"product_name" validate:"required"`
	// UserName identifies the licensee; it takes no part in policy.
	UserName string `json:"user_name" validate:"required"`
}

// Equal reports whether both terms denote the same instants and names,
// regardless of time zone.
func (t Terms) Equal(other Terms) bool {
	return t.StartDate.Equal(other.StartDate) &&
		t.EndDate.Equal(other.EndDate) &&
		t.ProductName == other.ProductName &&
		t.UserName == other.UserName
}

// ActiveAt reports whether now lies inside the inclusive validity window.
func (t Terms) ActiveAt(now time.Time) bool {
	return !now.After(t.EndDate) && !now.Before(t.StartDate)
}
