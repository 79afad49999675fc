// Package config provides the thin, generic "merged defaults" option store:
// a way to layer a caller-supplied options struct over hard-coded defaults,
// plus optional loading from a YAML file or environment for the example
// program.
package config

// MergeDefault returns value when it is the non-zero value, otherwise
// fallback. Used throughout auth.Options/connection.Options construction so
// every recognized option has a documented default without a constructor
// needing a giant if-empty ladder.
func MergeDefault[T comparable](value, fallback T) T {
	var zero T
	if value == zero {
		return fallback
	}
	return value
}

// MergeDefaultFunc is like MergeDefault but for types that aren't
// comparable (slices, maps) or where "non-zero" isn't the right test (e.g.
// a duration of 0 is a meaningful "disabled", not "unset" -- callers pass an
// explicit isSet predicate in that case).
func MergeDefaultFunc[T any](value T, isSet func(T) bool, fallback T) T {
	if isSet == nil {
		return value
	}
	if isSet(value) {
		return value
	}
	return fallback
}
