package txn

import (
	"errors"
	"fmt"
)

// ErrInvariant marks a transaction protocol desynchronisation between the
// peer and the ledger. It is fatal for the conversation and never retried.
var ErrInvariant = errors.New("txn: invariant violation")

// InvariantError describes one invariant violation.
type InvariantError struct {
	Op     string
	ID     int
	XID    XID
	Detail string
}

func (e *InvariantError) Error() string {
	if e == nil {
		return ErrInvariant.Error()
	}
	if e.XID.IsZero() {
		return fmt.Sprintf("%s: %s id=%d: %s", ErrInvariant, e.Op, e.ID, e.Detail)
	}
	return fmt.Sprintf("%s: %s id=%d xid=%s: %s", ErrInvariant, e.Op, e.ID, e.XID, e.Detail)
}

func (e *InvariantError) Unwrap() error { return ErrInvariant }

// IsInvariant reports whether err is an invariant violation.
func IsInvariant(err error) bool {
	return errors.Is(err, ErrInvariant)
}
