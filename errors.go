package mintcache

import (
	"errors"
	"fmt"
)

// ErrEnumeration matches every *EnumerationError with errors.Is.
var ErrEnumeration = errors.New("enumeration failed")

// EnumerationError reports a failed ledger call. Callers may re-issue the
// whole request; nothing is retried internally.
type EnumerationError struct {
	Op         string // ledger method, e.g. "tokens_of"
	Collection Collection
	Err        error
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("enumeration %s on %s: %v", e.Op, e.Collection, e.Err)
}

func (e *EnumerationError) Unwrap() error { return e.Err }

// Is reports target == ErrEnumeration so callers need not know the concrete type.
func (e *EnumerationError) Is(target error) bool { return target == ErrEnumeration }
