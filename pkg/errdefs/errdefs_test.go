package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", errors.New("boom"), KindUnknown},
		{"sentinel", ErrTooManySandboxes, KindTooManySandboxes},
		{"wrapped", fmt.Errorf("failed to create sandbox: %w", ErrPolicyRejected), KindPolicyRejected},
		{"errno wrapped", WithErrno(ErrOutOfMemory, unix.ENOMEM), KindOutOfMemory},
		{"config", fmt.Errorf("%w: max_sandboxes must be positive", ErrInvalidConfig), KindInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestExitCodesAreDistinct(t *testing.T) {
	seen := make(map[int]string)
	for _, info := range kinds {
		code := ExitCode(info.err)
		assert.NotZero(t, code)
		assert.NotEqual(t, 1, code)
		if prev, ok := seen[code]; ok {
			t.Fatalf("exit code %d shared by %s and %s", code, prev, info.name)
		}
		seen[code] = info.name
	}

	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("other")))
}

func TestKindNamesRoundTrip(t *testing.T) {
	for _, info := range kinds {
		assert.Equal(t, info.kind, ParseKind(info.kind.String()))
		rebuilt := FromKindName(info.name, "remote: "+info.err.Error())
		assert.ErrorIs(t, rebuilt, info.err)
	}

	assert.Equal(t, KindUnknown, ParseKind("Bogus"))
	assert.EqualError(t, FromKindName("Bogus", "boom"), "boom")
}

func TestErrno(t *testing.T) {
	assert.Equal(t, unix.Errno(0), Errno(nil))
	assert.Equal(t, unix.EACCES, Errno(fmt.Errorf("open: %w", ErrPermissionDenied)))
	assert.Equal(t, unix.ENOMEM, Errno(ErrOutOfMemory))
	assert.Equal(t, unix.EDQUOT, Errno(ErrQuotaExceeded))
	assert.Equal(t, unix.EMFILE, Errno(WithErrno(ErrResourceExhausted, unix.EMFILE)))
	assert.Equal(t, unix.EAGAIN, Errno(ErrResourceExhausted))

	assert.Nil(t, WithErrno(nil, unix.EACCES))
	assert.Contains(t, WithErrno(ErrResourceExhausted, unix.EMFILE).Error(), "EMFILE")
}
