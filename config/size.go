package config

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Size is a byte count parsed from a string with a mandatory unit suffix.
// Units are powers of 1024: B, K, M, G, T. A bare number is a config error,
// so "4G" and "4096M" mean the same thing and "4" means nothing.
type Size int64

var sizeUnits = map[byte]int64{
	'B': 1,
	'K': 1 << 10,
	'M': 1 << 20,
	'G': 1 << 30,
	'T': 1 << 40,
}

// ParseSize parses a size string like "512M" or "40G".
func ParseSize(s string) (Size, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("size %q: expected <number><B|K|M|G|T>", s)
	}
	unit, ok := sizeUnits[s[len(s)-1]]
	if !ok {
		return 0, fmt.Errorf("size %q: missing or unknown unit suffix (expected B, K, M, G or T)", s)
	}
	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("size %q: not a valid non-negative integer", s)
	}
	if n != 0 && n > (1<<62)/unit {
		return 0, fmt.Errorf("size %q: overflows", s)
	}
	return Size(n * unit), nil
}

func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("size must be a string with a unit suffix: %w", err)
	}
	parsed, err := ParseSize(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Bytes returns the size as a plain int64.
func (s Size) Bytes() int64 { return int64(s) }

// Megabytes returns the size in whole MiB, as QEMU's -m flag expects.
func (s Size) Megabytes() int64 { return int64(s) >> 20 }

// Duration wraps time.Duration with YAML parsing of Go duration strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"15m\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }
