package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTechnician = errors.New("invalid technician")
	ErrInvalidPrice      = errors.New("invalid price")
	ErrServiceNotFound   = errors.New("service not found")
	ErrPersistence       = errors.New("persistence failure")

	ErrNoTechnicianAvailable = fmt.Errorf("%w: no technician available", ErrInvalidTechnician)
)

// IsValidation reports whether err is a user input problem that left the
// ledger unchanged.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidTechnician) || errors.Is(err, ErrInvalidPrice)
}
