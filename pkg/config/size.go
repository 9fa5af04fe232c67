package config

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/invopop/jsonschema"
)

// Size is a byte count that can be written as "4KiB", "1 MB" or a plain
// number.
type Size uint64

// ParseSize parses a human-readable size.
func ParseSize(s string) (Size, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return Size(n), nil
}

// String formats the size with binary units.
func (s Size) String() string {
	return humanize.IBytes(uint64(s))
}

// MarshalYAML writes the human-readable form when it parses back to the same
// value, and the plain number otherwise.
func (s Size) MarshalYAML() (interface{}, error) {
	if back, err := humanize.ParseBytes(s.String()); err == nil && back == uint64(s) {
		return s.String(), nil
	}
	return uint64(s), nil
}

// UnmarshalYAML accepts both forms written by MarshalYAML.
func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
		*s = Size(n)
		return nil
	}
	parsed, err := ParseSize(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// JSONSchema describes Size as either a size string or a byte count.
func (Size) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Type: "string", Pattern: `^\s*[0-9.]+\s*[A-Za-z]*\s*$`},
			{Type: "integer", Minimum: "0"},
		},
		Description: `Size in bytes, e.g. "4KiB" or 4096`,
	}
}
