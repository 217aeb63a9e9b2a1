package guard

import "fmt"

// Kind names one of the error categories from spec.md §7. Kind is
// exported so hosts can classify a failure without string-matching an
// error message.
type Kind string

const (
	KindConfigInvalid      Kind = "config_invalid"
	KindContextUnknown     Kind = "context_unknown"
	KindBackendUnavailable Kind = "backend_unavailable"
	KindBudgetExceeded     Kind = "budget_exceeded"
	KindConstraintViolated Kind = "constraint_violated"
	KindInternalInvariant  Kind = "internal_invariant"
)

// Error wraps an underlying cause with one of the Kinds above. Per
// spec.md §7, BudgetExceeded and ConstraintViolated are never returned
// through this type to a hook caller — they only ever surface as a
// Decision with Allowed=false and a Reason. Error exists for the
// remaining kinds, which the Guard handles internally according to the
// configured FailureMode and never forwards to a hook's return value
// either, but which other internal packages may still construct.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match on Kind alone, so errors.Is(err, guard.ErrBackendUnavailable)
// works regardless of Op/Err, the way sentinel comparisons are meant to.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinel values for errors.Is checks. Only Kind is compared; Op and
// Err are ignored on these.
var (
	ErrConfigInvalid      = &Error{Kind: KindConfigInvalid}
	ErrContextUnknown     = &Error{Kind: KindContextUnknown}
	ErrBackendUnavailable = &Error{Kind: KindBackendUnavailable}
	ErrInternalInvariant  = &Error{Kind: KindInternalInvariant}
)

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
