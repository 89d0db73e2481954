// Package model defines Tracey's core data types: requirement identifiers,
// definitions, references, code units, and the immutable workspace
// snapshot that the daemon publishes after each build.
package model

import (
	"fmt"
	"strconv"
	"strings"
)

// ID is a requirement identifier: a dot-separated base plus a positive
// integer version. The textual form is "base" (version 1, implied) or
// "base+N" (version N).
type ID struct {
	Base    string
	Version int
}

func (id ID) String() string {
	if id.Version == 1 {
		return id.Base
	}
	return fmt.Sprintf("%s+%d", id.Base, id.Version)
}

// segmentOK reports whether s is a valid identifier segment: non-empty,
// and drawn from [A-Za-z0-9_-].
func segmentOK(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// ValidBase reports whether base is a well-formed dot-separated sequence
// of segments with no leading, trailing, or empty segment.
func ValidBase(base string) bool {
	if base == "" {
		return false
	}
	for _, seg := range strings.Split(base, ".") {
		if !segmentOK(seg) {
			return false
		}
	}
	return true
}

// ParseID parses the textual form of a requirement identifier: "base" or
// "base+N". A "+" with a missing, zero, or malformed number is a syntax
// error, as is an invalid base.
func ParseID(s string) (ID, error) {
	base := s
	hasVersion := false
	versionStr := ""
	if idx := strings.IndexByte(s, '+'); idx >= 0 {
		base = s[:idx]
		versionStr = s[idx+1:]
		hasVersion = true
		if strings.IndexByte(versionStr, '+') >= 0 {
			return ID{}, fmt.Errorf("tracey: malformed identifier %q: duplicated version suffix", s)
		}
	}
	if !ValidBase(base) {
		return ID{}, fmt.Errorf("tracey: invalid requirement base %q", base)
	}
	version := 1
	if hasVersion {
		if versionStr == "" {
			return ID{}, fmt.Errorf("tracey: invalid version suffix in %q: missing number", s)
		}
		n, err := strconv.Atoi(versionStr)
		if err != nil {
			return ID{}, fmt.Errorf("tracey: invalid version suffix in %q: %w", s, err)
		}
		if n < 1 {
			return ID{}, fmt.Errorf("tracey: invalid version suffix in %q: must be >= 1", s)
		}
		version = n
	}
	return ID{Base: base, Version: version}, nil
}

// RenderID is the inverse of ParseID: ParseID(RenderID(id)) == id for all
// valid ids.
func RenderID(id ID) string { return id.String() }
