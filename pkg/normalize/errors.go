package normalize

import (
	"errors"
	"fmt"
	"strings"
)

// Client-input errors. They never cause a redirect; the downstream renderer
// turns them into a 4xx page.
var (
	// ErrRequiredParamMissing is returned when a required parameter is absent and cannot be defaulted.
	ErrRequiredParamMissing = errors.New("required query parameter missing")

	// ErrValueNotAllowed is returned when a parameter value is outside its allowed set.
	ErrValueNotAllowed = errors.New("query parameter value not allowed")
)

// QueryError describes a query that failed validation.
type QueryError struct {
	Kind   Kind
	Params []string
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	return fmt.Sprintf("%v: %s", e.Unwrap(), strings.Join(e.Params, ", "))
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *QueryError) Unwrap() error {
	if e.Kind == ValueNotAllowed {
		return ErrValueNotAllowed
	}
	return ErrRequiredParamMissing
}
