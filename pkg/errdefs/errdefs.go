// Package errdefs defines the error kinds returned by the sandbox core and
// their mapping to CLI exit codes and to the OS errors seen by sandboxed
// processes.
package errdefs

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Kind identifies one failure condition.
type Kind int

const (
	KindUnknown Kind = iota
	KindAlreadyInitialised
	KindNotInitialised
	KindUnknownPermission
	KindDuplicatePermission
	KindDuplicateResource
	KindDuplicatePolicy
	KindInvalidLimit
	KindInvalidNamespaceMapping
	KindPolicyFrozen
	KindPolicyRejected
	KindTooManySandboxes
	KindInvalidState
	KindNamespaceAcquisitionFailed
	KindSecurityContextInstallFailed
	KindResourceExhausted
	KindOutOfMemory
	KindQuotaExceeded
	KindTimeout
	KindAuditDeliveryFailed
	KindNotFound
	KindPermissionDenied
	KindInvalidConfig
)

var (
	ErrAlreadyInitialised           = errors.New("manager already initialised")
	ErrNotInitialised               = errors.New("manager not initialised")
	ErrUnknownPermission            = errors.New("unknown permission")
	ErrDuplicatePermission          = errors.New("duplicate permission")
	ErrDuplicateResource            = errors.New("duplicate resource")
	ErrDuplicatePolicy              = errors.New("duplicate policy")
	ErrInvalidLimit                 = errors.New("invalid limit")
	ErrInvalidNamespaceMapping      = errors.New("invalid namespace mapping")
	ErrPolicyFrozen                 = errors.New("policy frozen")
	ErrPolicyRejected               = errors.New("policy rejected")
	ErrTooManySandboxes             = errors.New("too many sandboxes")
	ErrInvalidState                 = errors.New("invalid state")
	ErrNamespaceAcquisitionFailed   = errors.New("namespace acquisition failed")
	ErrSecurityContextInstallFailed = errors.New("security context install failed")
	ErrResourceExhausted            = errors.New("resource exhausted")
	ErrOutOfMemory                  = errors.New("out of memory")
	ErrQuotaExceeded                = errors.New("quota exceeded")
	ErrTimeout                      = errors.New("timeout")
	// ErrAuditDeliveryFailed only appears inside synthetic audit records.
	ErrAuditDeliveryFailed = errors.New("audit delivery failed")
	// ErrNotFound is returned by lookups that miss.
	ErrNotFound = errors.New("not found")
	// ErrPermissionDenied is a mediation denial on a sandboxed operation.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrInvalidConfig rejects manager options.
	ErrInvalidConfig = errors.New("invalid configuration")
)

type kindInfo struct {
	kind Kind
	name string
	err  error
	exit int
}

// Exit codes are stable; new kinds are appended.
var kinds = []kindInfo{
	{KindAlreadyInitialised, "AlreadyInitialised", ErrAlreadyInitialised, 10},
	{KindNotInitialised, "NotInitialised", ErrNotInitialised, 11},
	{KindUnknownPermission, "UnknownPermission", ErrUnknownPermission, 12},
	{KindDuplicatePermission, "DuplicatePermission", ErrDuplicatePermission, 13},
	{KindDuplicateResource, "DuplicateResource", ErrDuplicateResource, 14},
	{KindDuplicatePolicy, "DuplicatePolicy", ErrDuplicatePolicy, 15},
	{KindInvalidLimit, "InvalidLimit", ErrInvalidLimit, 16},
	{KindInvalidNamespaceMapping, "InvalidNamespaceMapping", ErrInvalidNamespaceMapping, 17},
	{KindPolicyFrozen, "PolicyFrozen", ErrPolicyFrozen, 18},
	{KindPolicyRejected, "PolicyRejected", ErrPolicyRejected, 19},
	{KindTooManySandboxes, "TooManySandboxes", ErrTooManySandboxes, 20},
	{KindInvalidState, "InvalidState", ErrInvalidState, 21},
	{KindNamespaceAcquisitionFailed, "NamespaceAcquisitionFailed", ErrNamespaceAcquisitionFailed, 22},
	{KindSecurityContextInstallFailed, "SecurityContextInstallFailed", ErrSecurityContextInstallFailed, 23},
	{KindResourceExhausted, "ResourceExhausted", ErrResourceExhausted, 24},
	{KindOutOfMemory, "OutOfMemory", ErrOutOfMemory, 25},
	{KindQuotaExceeded, "QuotaExceeded", ErrQuotaExceeded, 26},
	{KindTimeout, "Timeout", ErrTimeout, 27},
	{KindAuditDeliveryFailed, "AuditDeliveryFailed", ErrAuditDeliveryFailed, 28},
	{KindNotFound, "NotFound", ErrNotFound, 29},
	{KindPermissionDenied, "PermissionDenied", ErrPermissionDenied, 30},
	{KindInvalidConfig, "InvalidConfig", ErrInvalidConfig, 31},
}

// String returns the taxonomy name of the kind.
func (k Kind) String() string {
	for _, info := range kinds {
		if info.kind == k {
			return info.name
		}
	}
	return "Unknown"
}

// Sentinel returns the sentinel error for a kind, or nil for KindUnknown.
func (k Kind) Sentinel() error {
	for _, info := range kinds {
		if info.kind == k {
			return info.err
		}
	}
	return nil
}

// ParseKind maps a taxonomy name back to its kind.
func ParseKind(name string) Kind {
	for _, info := range kinds {
		if info.name == name {
			return info.kind
		}
	}
	return KindUnknown
}

// KindOf returns the kind of the first sentinel found in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, info := range kinds {
		if errors.Is(err, info.err) {
			return info.kind
		}
	}
	return KindUnknown
}

// ExitCode maps err to a process exit code: 0 for nil, 1 for errors outside
// the taxonomy, one distinct code per kind otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	k := KindOf(err)
	for _, info := range kinds {
		if info.kind == k {
			return info.exit
		}
	}
	return 1
}

// FromKindName rebuilds an error carrying the sentinel named by kind, used
// when an error crosses the management API.
func FromKindName(kind, message string) error {
	sentinel := ParseKind(kind).Sentinel()
	if sentinel == nil {
		return errors.New(message)
	}
	if message == "" || message == sentinel.Error() {
		return sentinel
	}
	return fmt.Errorf("%s: %w", message, sentinel)
}

// OSError attaches the errno a sandboxed process observes to a denial.
type OSError struct {
	Errno unix.Errno
	Err   error
}

func (e *OSError) Error() string {
	return fmt.Sprintf("%v (%s)", e.Err, unix.ErrnoName(e.Errno))
}

func (e *OSError) Unwrap() error {
	return e.Err
}

// WithErrno wraps err so that Errno reports errno.
func WithErrno(err error, errno unix.Errno) error {
	if err == nil {
		return nil
	}
	return &OSError{Errno: errno, Err: err}
}

// Errno returns the OS error a sandboxed process sees for err. Zero means
// the operation succeeded.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var osErr *OSError
	if errors.As(err, &osErr) {
		return osErr.Errno
	}
	switch KindOf(err) {
	case KindPermissionDenied:
		return unix.EACCES
	case KindOutOfMemory:
		return unix.ENOMEM
	case KindQuotaExceeded:
		return unix.EDQUOT
	case KindResourceExhausted:
		return unix.EAGAIN
	case KindTimeout:
		return unix.ETIMEDOUT
	case KindInvalidState:
		return unix.ESRCH
	default:
		return unix.EPERM
	}
}
