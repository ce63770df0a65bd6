package updater

import (
	"errors"
	"fmt"
)

// Kind classifies updater failures.
type Kind string

const (
	KindAuthorizationDenied      Kind = "authorization-denied"
	KindModificationDisabled     Kind = "modification-disabled"
	KindMissingPackageURL        Kind = "missing-package-url"
	KindLockUnavailable          Kind = "lock-unavailable"
	KindUpdateInProgress         Kind = "update-in-progress"
	KindDownloadFailed           Kind = "download-failed"
	KindSizeMismatch             Kind = "size-mismatch"
	KindCorruptArchive           Kind = "corrupt-archive"
	KindBackupFailed             Kind = "backup-failed"
	KindExtractionFailed         Kind = "extraction-failed"
	KindPostExtractionDirMissing Kind = "post-extraction-directory-missing"
	KindRollbackFailed           Kind = "rollback-failed"
	KindNoBackup                 Kind = "no-backup"
	KindBackupInvalid            Kind = "backup-invalid"
	KindRecoveryRequired         Kind = "recovery-required"
	KindFeedUnreachable          Kind = "feed-unreachable"
	KindFeedBadStatus            Kind = "feed-bad-status"
	KindFeedMalformed            Kind = "feed-malformed-response"
)

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrAuthorizationDenied      = &Error{Kind: KindAuthorizationDenied}
	ErrModificationDisabled     = &Error{Kind: KindModificationDisabled}
	ErrMissingPackageURL        = &Error{Kind: KindMissingPackageURL}
	ErrLockUnavailable          = &Error{Kind: KindLockUnavailable}
	ErrUpdateInProgress         = &Error{Kind: KindUpdateInProgress}
	ErrDownloadFailed           = &Error{Kind: KindDownloadFailed}
	ErrSizeMismatch             = &Error{Kind: KindSizeMismatch}
	ErrCorruptArchive           = &Error{Kind: KindCorruptArchive}
	ErrBackupFailed             = &Error{Kind: KindBackupFailed}
	ErrExtractionFailed         = &Error{Kind: KindExtractionFailed}
	ErrPostExtractionDirMissing = &Error{Kind: KindPostExtractionDirMissing}
	ErrRollbackFailed           = &Error{Kind: KindRollbackFailed}
	ErrNoBackup                 = &Error{Kind: KindNoBackup}
	ErrBackupInvalid            = &Error{Kind: KindBackupInvalid}
	ErrRecoveryRequired         = &Error{Kind: KindRecoveryRequired}
	ErrFeedUnreachable          = &Error{Kind: KindFeedUnreachable}
	ErrFeedBadStatus            = &Error{Kind: KindFeedBadStatus}
	ErrFeedMalformed            = &Error{Kind: KindFeedMalformed}
)

// errLockHeld is returned by tryLock when the lock belongs to someone else.
var errLockHeld = errors.New("lock is held by another update")

// Error is the error type returned by the feed client and orchestrator.
type Error struct {
	Kind Kind
	// Op is the step that failed, e.g. "download" or "restore".
	Op  string
	Err error
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Fatal reports whether the error left the installation in an unknown state.
func (e *Error) Fatal() bool { return e.Kind == KindRollbackFailed }

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsFatal reports whether err carries a rollback failure.
func IsFatal(err error) bool {
	return errors.Is(err, ErrRollbackFailed)
}

// rollbackFailure wraps a failed restore. cause is the install failure that
// triggered it, or nil for a manual rollback.
func rollbackFailure(cause, rbErr error) *Error {
	if cause == nil {
		return newError(KindRollbackFailed, "restore", rbErr)
	}
	return newError(KindRollbackFailed, "restore", fmt.Errorf("install failed and restore failed: %w", errors.Join(cause, rbErr)))
}
