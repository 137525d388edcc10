package model

import (
	"regexp"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Public id prefixes, per spec §6: ^(sub|cand|asg)_[0-9A-HJKMNP-TV-Z]{26}$.
const (
	PrefixSubmission = "sub"
	PrefixCandidate  = "cand"
	PrefixAssignment = "asg"
)

var publicIDPattern = regexp.MustCompile(`^(sub|cand|asg)_[0-9A-HJKMNP-TV-Z]{26}$`)

// NewPublicID mints a new externally-visible identifier for the given
// prefix, e.g. NewPublicID(PrefixSubmission) -> "sub_01J...".
func NewPublicID(prefix string) string {
	return prefix + "_" + ulid.Make().String()
}

// ValidPublicID reports whether id matches the store's CHECK constraint
// pattern for public identifiers.
func ValidPublicID(id string) bool {
	return publicIDPattern.MatchString(id)
}

// PrefixOf returns the declared entity prefix of a public id ("sub", "cand",
// "asg"), or "" if id is not well-formed.
func PrefixOf(id string) string {
	i := strings.IndexByte(id, '_')
	if i < 0 || !ValidPublicID(id) {
		return ""
	}
	return id[:i]
}
