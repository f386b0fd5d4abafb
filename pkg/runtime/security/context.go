package security

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrContextSealed is returned when a sealed context is modified.
var ErrContextSealed = errors.New("security context is sealed")

// Label is the (user, role, type, category) tuple of a security context.
type Label struct {
	User     string `json:"user" yaml:"user"`
	Role     string `json:"role" yaml:"role"`
	Type     string `json:"type" yaml:"type"`
	Category string `json:"category" yaml:"category"`
}

// String renders the label as user:role:type:category.
func (l Label) String() string {
	return strings.Join([]string{l.User, l.Role, l.Type, l.Category}, ":")
}

// ParseLabel parses user:role:type[:category].
func ParseLabel(s string) (Label, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 3 || len(parts) > 4 {
		return Label{}, fmt.Errorf("invalid security label %q", s)
	}
	l := Label{User: parts[0], Role: parts[1], Type: parts[2]}
	if len(parts) == 4 {
		l.Category = parts[3]
	}
	return l, nil
}

// Context is a labelled bundle of enforcement level, capability mask and
// syscall filter. It may be shared by several policies. Once sealed, which
// happens when a sandbox attaches it, it never changes and may be read
// without locking.
type Context struct {
	id           string
	name         string
	level        Level
	label        Label
	capabilities CapabilityMask
	noNewPrivs   bool
	filter       *SyscallFilter
	program      []byte
	sealed       atomic.Bool
}

// ContextOption configures a new context.
type ContextOption func(*Context)

// WithCapabilities replaces the level's default capability mask.
func WithCapabilities(mask CapabilityMask) ContextOption {
	return func(c *Context) { c.capabilities = mask }
}

// WithSyscallFilter installs a syscall filter.
func WithSyscallFilter(f *SyscallFilter) ContextOption {
	return func(c *Context) { c.filter = f.Clone() }
}

// WithNoNewPrivileges sets the no-new-privileges flag.
func WithNoNewPrivileges(enabled bool) ContextOption {
	return func(c *Context) { c.noNewPrivs = enabled }
}

// WithContextID fixes the context id, used when loading documents.
func WithContextID(id string) ContextOption {
	return func(c *Context) { c.id = id }
}

// NewContext creates a context for level. Levels above Standard get the
// default syscall filter and no-new-privileges unless options say
// otherwise.
func NewContext(name string, label Label, level Level, opts ...ContextOption) (*Context, error) {
	if !level.IsValid() {
		return nil, fmt.Errorf("invalid security level %d", uint8(level))
	}
	c := &Context{
		id:           uuid.New().String(),
		name:         name,
		level:        level,
		label:        label,
		capabilities: DefaultCapabilities(level),
		noNewPrivs:   level >= LevelStandard,
	}
	if level > LevelStandard {
		c.filter = DefaultSyscallFilter()
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.filter != nil {
		program, err := c.filter.Compile()
		if err != nil {
			return nil, fmt.Errorf("failed to compile syscall filter: %w", err)
		}
		c.program = program
	}
	return c, nil
}

// ID returns the unique id of the context.
func (c *Context) ID() string { return c.id }

// Name returns the context name.
func (c *Context) Name() string { return c.name }

// Level returns the enforcement level.
func (c *Context) Level() Level { return c.level }

// Label returns the security label.
func (c *Context) Label() Label { return c.label }

// Capabilities returns the capability mask.
func (c *Context) Capabilities() CapabilityMask { return c.capabilities }

// NoNewPrivileges reports the no-new-privileges flag.
func (c *Context) NoNewPrivileges() bool { return c.noNewPrivs }

// HasSyscallFilter reports whether a filter is installed.
func (c *Context) HasSyscallFilter() bool { return c.filter != nil }

// SyscallFilter returns a copy of the filter, or nil.
func (c *Context) SyscallFilter() *SyscallFilter { return c.filter.Clone() }

// FilterProgram returns a copy of the compiled filter program.
func (c *Context) FilterProgram() []byte {
	return append([]byte(nil), c.program...)
}

// Seal makes the context immutable.
func (c *Context) Seal() { c.sealed.Store(true) }

// Sealed reports whether the context was sealed.
func (c *Context) Sealed() bool { return c.sealed.Load() }

// SetLabel changes the label of an unsealed context.
func (c *Context) SetLabel(label Label) error {
	if c.Sealed() {
		return ErrContextSealed
	}
	c.label = label
	return nil
}

// SetCapabilities changes the mask of an unsealed context.
func (c *Context) SetCapabilities(mask CapabilityMask) error {
	if c.Sealed() {
		return ErrContextSealed
	}
	c.capabilities = mask
	return nil
}
