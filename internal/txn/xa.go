package txn

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Maximum XID component sizes.
const (
	MaxGTRIDSize = 64
	MaxBQUALSize = 64
)

// NullFormatID marks an XID that carries no branch.
const NullFormatID int32 = -1

// ErrInvalidXID is returned by XID.Validate.
var ErrInvalidXID = errors.New("txn: invalid xid")

// XID identifies one global-transaction branch. It is comparable and used
// directly as a map key.
type XID struct {
	FormatID int32
	GTRID    string
	BQUAL    string
}

// NewXID copies the supplied byte slices into an XID.
func NewXID(formatID int32, gtrid, bqual []byte) XID {
	return XID{FormatID: formatID, GTRID: string(gtrid), BQUAL: string(bqual)}
}

// IsZero reports whether x is the zero value.
func (x XID) IsZero() bool {
	return x == XID{}
}

// Validate checks the component sizes.
func (x XID) Validate() error {
	if x.FormatID == NullFormatID {
		return fmt.Errorf("%w: null format id", ErrInvalidXID)
	}
	if n := len(x.GTRID); n == 0 || n > MaxGTRIDSize {
		return fmt.Errorf("%w: gtrid length %d", ErrInvalidXID, n)
	}
	if n := len(x.BQUAL); n > MaxBQUALSize {
		return fmt.Errorf("%w: bqual length %d", ErrInvalidXID, n)
	}
	return nil
}

// Global returns the XID with the branch qualifier stripped.
func (x XID) Global() XID {
	return XID{FormatID: x.FormatID, GTRID: x.GTRID}
}

func (x XID) String() string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(int64(x.FormatID), 10))
	b.WriteByte(':')
	b.WriteString(hex.EncodeToString([]byte(x.GTRID)))
	b.WriteByte(':')
	b.WriteString(hex.EncodeToString([]byte(x.BQUAL)))
	return b.String()
}

// Flags are the standard XA flag bits.
type Flags uint32

const (
	TMNOFLAGS    Flags = 0x00000000
	TMJOIN       Flags = 0x00200000
	TMENDRSCAN   Flags = 0x00800000
	TMSTARTRSCAN Flags = 0x01000000
	TMSUSPEND    Flags = 0x02000000
	TMSUCCESS    Flags = 0x04000000
	TMRESUME     Flags = 0x08000000
	TMFAIL       Flags = 0x20000000
	TMONEPHASE   Flags = 0x40000000
)

// Has reports whether every bit of mask is set.
func (f Flags) Has(mask Flags) bool {
	return f&mask == mask && mask != 0
}

func (f Flags) String() string {
	if f == TMNOFLAGS {
		return "TMNOFLAGS"
	}
	names := []struct {
		flag Flags
		name string
	}{
		{TMJOIN, "TMJOIN"},
		{TMENDRSCAN, "TMENDRSCAN"},
		{TMSTARTRSCAN, "TMSTARTRSCAN"},
		{TMSUSPEND, "TMSUSPEND"},
		{TMSUCCESS, "TMSUCCESS"},
		{TMRESUME, "TMRESUME"},
		{TMFAIL, "TMFAIL"},
		{TMONEPHASE, "TMONEPHASE"},
	}
	parts := make([]string, 0, 2)
	rest := f
	for _, n := range names {
		if f.Has(n.flag) {
			parts = append(parts, n.name)
			rest &^= n.flag
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%08x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// Vote is a resource manager's answer to prepare.
type Vote uint8

const (
	// VoteCommit means the branch is prepared and must be resolved.
	VoteCommit Vote = 0
	// VoteReadOnly means the branch did no work and is already complete.
	VoteReadOnly Vote = 3
)

// LocalTransaction is a single-resource unit of work.
type LocalTransaction interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// ResourceManager performs two-phase-commit operations for global
// transaction branches.
type ResourceManager interface {
	Start(ctx context.Context, xid XID, flags Flags) error
	End(ctx context.Context, xid XID, flags Flags) error
	Prepare(ctx context.Context, xid XID) (Vote, error)
	Commit(ctx context.Context, xid XID, onePhase bool) error
	Rollback(ctx context.Context, xid XID) error
	Forget(ctx context.Context, xid XID) error
	Recover(ctx context.Context, flags Flags) ([]XID, error)
}

// ErrInvalidTransaction is returned by every operation on InvalidTransaction.
var ErrInvalidTransaction = errors.New("txn: invalid transaction")

type invalidTransaction struct{}

func (invalidTransaction) Commit(context.Context) error   { return ErrInvalidTransaction }
func (invalidTransaction) Rollback(context.Context) error { return ErrInvalidTransaction }

// InvalidTransaction is registered for ids whose transaction could not be
// created. Entries holding it are not indexed by owning conversation.
var InvalidTransaction LocalTransaction = invalidTransaction{}
