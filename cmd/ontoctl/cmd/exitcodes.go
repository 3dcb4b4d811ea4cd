package cmd

import (
	"errors"
	"fmt"

	"github.com/ontograph/ontograph/core/model"
)

// Exit codes per spec §6 "exit-code discipline": success is 0, every
// distinguished failure class gets its own nonzero code so scripts driving
// ontoctl can branch on $? instead of scraping stderr.
const (
	ExitSuccess            = 0
	ExitUsageError         = 2
	ExitDataNotFound       = 3
	ExitSchemaDropSafety   = 4
	ExitImportConflict     = 5
	ExitLockContention     = 6
	ExitStorageBackend     = 7
	ExitExecutionFailure   = 1
)

// errUsage marks an error as a usage error (bad flags/args) rather than an
// execution failure, the same distinction xataio-pgroll's cmd/errors.go
// draws with errPGRollNotInitialized.
type errUsage struct{ err error }

func (e *errUsage) Error() string { return e.err.Error() }
func (e *errUsage) Unwrap() error { return e.err }

func usageErrorf(format string, args ...any) error {
	return &errUsage{err: fmt.Errorf(format, args...)}
}

// errSchemaDropUnsafe marks the schema-drop-safety exit class: dropping the
// currently active schema version, or a hash that isn't registered.
type errSchemaDropUnsafe struct{ err error }

func (e *errSchemaDropUnsafe) Error() string { return e.err.Error() }
func (e *errSchemaDropUnsafe) Unwrap() error { return e.err }

// errImportConflict marks rows rejected by --on-conflict=abort.
type errImportConflict struct{ err error }

func (e *errImportConflict) Error() string { return e.err.Error() }
func (e *errImportConflict) Unwrap() error { return e.err }

// ExitCodeFor maps a command error to the conventional exit code spec §6
// requires, inspecting model.Error's Code where present and falling back to
// the usage/conflict/drop-safety wrapper types this package defines.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var usage *errUsage
	if errors.As(err, &usage) {
		return ExitUsageError
	}
	var dropUnsafe *errSchemaDropUnsafe
	if errors.As(err, &dropUnsafe) {
		return ExitSchemaDropSafety
	}
	var conflict *errImportConflict
	if errors.As(err, &conflict) {
		return ExitImportConflict
	}
	var me *model.Error
	if errors.As(err, &me) {
		switch me.Code {
		case model.ErrUninitializedStorage:
			return ExitDataNotFound
		case model.ErrLockContention, model.ErrLeaseExpired, model.ErrHeadMismatch, model.ErrConcurrentWrite:
			return ExitLockContention
		case model.ErrStorageBackend:
			return ExitStorageBackend
		case model.ErrSchemaOutdated:
			return ExitSchemaDropSafety
		}
	}
	return ExitExecutionFailure
}
