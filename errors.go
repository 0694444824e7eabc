package spherigo

import (
	"errors"
	"fmt"

	"github.com/oneminuta/spherigo/cellstore"
	"github.com/oneminuta/spherigo/indexer"
	"github.com/oneminuta/spherigo/ledger"
	"github.com/oneminuta/spherigo/sphericode"
)

var (
	// ErrInvalidQuery is returned when a search query fails validation.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrInvalidArgument is returned when a record operation carries an
	// invalid payload (unknown status, out-of-range coordinate, ...).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound unifies "record not found" and "cell not found".
	ErrNotFound = errors.New("not found")

	// ErrStorageUnavailable indicates the cell backend could not be reached.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrClosed is returned by operations on a closed Engine.
	ErrClosed = errors.New("engine closed")

	// ErrInconsistentIndex re-exports the verification error so callers
	// need not import the indexer package.
	ErrInconsistentIndex = indexer.ErrInconsistentIndex
)

// ErrInvalidRadius indicates a non-positive or non-finite search radius.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrInvalidRadius struct {
	Radius float64
	cause  error
}

func (e *ErrInvalidRadius) Error() string {
	return fmt.Sprintf("invalid radius: %g", e.Radius)
}

func (e *ErrInvalidRadius) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	return ErrInvalidQuery
}

// ErrInvalidLimit indicates a negative result limit.
type ErrInvalidLimit struct {
	Limit int
}

func (e *ErrInvalidLimit) Error() string {
	return fmt.Sprintf("invalid limit: %d", e.Limit)
}

func (e *ErrInvalidLimit) Unwrap() error { return ErrInvalidQuery }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Not found unification.
	if errors.Is(err, ledger.ErrRecordNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, cellstore.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	// Argument normalization.
	if errors.Is(err, ledger.ErrInvalidEvent) {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	if errors.Is(err, sphericode.ErrInvalidCoordinate) {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	return err
}
