// Package security composes the isolation envelope of a sandbox: security
// levels, labelled security contexts, capability masks, syscall filters and
// namespace id mappings.
package security

import (
	"fmt"
	"strings"
)

// Level is the enforcement level of a policy or security context. Levels
// are ordered; a higher level never grants more than a lower one.
type Level uint8

const (
	LevelNone Level = iota
	LevelBasic
	LevelStandard
	LevelEnhanced
	LevelStrict
	LevelParanoid
	LevelMilitary
)

var levelNames = [...]string{
	LevelNone:     "none",
	LevelBasic:    "basic",
	LevelStandard: "standard",
	LevelEnhanced: "enhanced",
	LevelStrict:   "strict",
	LevelParanoid: "paranoid",
	LevelMilitary: "military",
}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// IsValid reports whether l is a known level.
func (l Level) IsValid() bool {
	return int(l) < len(levelNames)
}

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(name string) (Level, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range levelNames {
		if n == name {
			return Level(i), nil
		}
	}
	return LevelNone, fmt.Errorf("invalid security level %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	if !l.IsValid() {
		return nil, fmt.Errorf("invalid security level %d", uint8(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
