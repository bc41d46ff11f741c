package gc

import (
	"fmt"
	"time"

	gcerrors "github.com/orizon-lang/regiongc/internal/errors"
)

// Sentinel errors, matched with errors.Is
var (
	ErrOutOfMemory = gcerrors.NewStandardError(gcerrors.CategoryMemory, "OUT_OF_MEMORY", "heap exhausted", nil)
	ErrClosed      = gcerrors.NewStandardError(gcerrors.CategorySystem, "HEAP_CLOSED", "heap is closed", nil)
	ErrInvalidSpec = gcerrors.NewStandardError(gcerrors.CategoryConfig, "INVALID_OBJECT", "invalid object shape", nil)
	ErrNilHandle   = gcerrors.NewStandardError(gcerrors.CategoryConfig, "NIL_HANDLE", "nil or released handle", nil)

	ErrArchiveSealed = gcerrors.NewStandardError(gcerrors.CategoryConfig, "ARCHIVE_SEALED", "archive is sealed", nil)
)

// FatalHandler receives unrecoverable invariant violations. It must not
// return normally into the collector; the default panics.
type FatalHandler func(err error)

func defaultFatalHandler(err error) { panic(err) }

// Clock abstracts time for pause accounting and MMU throttling
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

func invalidSpec(err error) error {
	return gcerrors.Wrap(err, gcerrors.CategoryConfig, "INVALID_OBJECT", "invalid object shape")
}

func errUnparsable(r *Region, a Address) error {
	return gcerrors.InvariantViolation("UNPARSABLE_REGION", fmt.Sprintf("%v: no object header at %v", r, a))
}
