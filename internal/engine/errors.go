package engine

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
)

var (
	// ErrOutOfStock matches every OutOfStockError.
	ErrOutOfStock = errors.New("out of stock")
	// ErrLedgerIntegrity is returned when a release would drive a
	// reservation counter negative.
	ErrLedgerIntegrity = errors.New("reservation ledger integrity violation")
	// ErrUnavailable is wrapped by stores around connectivity failures.
	ErrUnavailable = errors.New("store unavailable")
)

// OutOfStockError reports a reservation that would exceed physical stock.
type OutOfStockError struct {
	ProductID string
	UnitID    string
	Requested int
	Available int
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("product %s in unit %s: requested %d, available %d",
		e.ProductID, e.UnitID, e.Requested, e.Available)
}

func (e *OutOfStockError) Is(target error) bool {
	return target == ErrOutOfStock
}

// TransientError wraps a failure the caller may retry with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: temporarily unavailable: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// classify turns deadline and connectivity failures into TransientError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrUnavailable) {
		return &TransientError{Op: op, Err: err}
	}
	return err
}
