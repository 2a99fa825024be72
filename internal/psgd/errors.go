package psgd

import (
	"errors"
	"fmt"

	"github.com/born-ml/kron/internal/linalg"
)

// Sentinel errors.
var (
	// ErrInvalidConfig reports a configuration value outside its range.
	ErrInvalidConfig = errors.New("psgd: invalid configuration")

	// ErrRankTooLarge is returned for tensors with more axes than the
	// contraction alphabet can label.
	ErrRankTooLarge = errors.New("psgd: tensor rank too large")

	// ErrNumericalFailure is returned when a decomposition cannot be made
	// to produce finite values.
	ErrNumericalFailure = linalg.ErrNumericalFailure
)

// InvalidArgumentError describes one rejected configuration value.
type InvalidArgumentError struct {
	Name    string
	Value   any
	Message string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("%v: %s = %v: %s", ErrInvalidConfig, e.Name, e.Value, e.Message)
}

// Unwrap makes errors.Is(err, ErrInvalidConfig) hold.
func (e *InvalidArgumentError) Unwrap() error {
	return ErrInvalidConfig
}
