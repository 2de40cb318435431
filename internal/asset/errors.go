package asset

import (
	"errors"
	"fmt"
	"strings"
)

// Domain-specific errors for asset document operations.
var (
	// ErrInvalidDocument is returned when an asset document fails structural validation.
	ErrInvalidDocument = errors.New("asset: invalid document")

	// ErrNoDocument is returned when the registry has not been loaded yet.
	ErrNoDocument = errors.New("asset: no document loaded")
)

// ValidationError lists every structural problem found in a document.
// It matches ErrInvalidDocument under errors.Is.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidDocument, strings.Join(e.Problems, "; "))
}

// Is reports whether target is ErrInvalidDocument.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidDocument
}
