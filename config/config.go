// Package config defines the recognized database configuration keys, their
// types, ranges and defaults, and validates ConfigSet requests against them.
package config

import (
	"strconv"

	"github.com/pkg/errors"
)

// Kind is the value type a recognized key accepts.
type Kind int

const (
	KindInt Kind = iota
	KindString
)

// Key describes one recognized configuration entry.
type Key struct {
	Name    string
	Kind    Kind
	Min     int64
	Max     int64
	Default string
	Choices []string // non-empty for KindString keys with a fixed vocabulary
}

// Recognized lists every configuration key the database understands.
// ConfigGet/ConfigSet never invents a key outside this set.
var Recognized = []Key{
	{Name: "max_mem", Kind: KindInt, Min: 1 << 20, Max: 1 << 40, Default: "1073741824"},
	{Name: "max_query_threads", Kind: KindInt, Min: 1, Max: 4096, Default: "4"},
	{Name: "select_timeout", Kind: KindInt, Min: 1, Max: 86400, Default: "600"},
	{Name: "spelling_error_distance", Kind: KindInt, Min: 0, Max: 8, Default: "0"},
	{Name: "syntax", Kind: KindString, Default: "ursadb", Choices: []string{"ursadb", "yara"}},
}

// ErrUnknownKey is recoverable: the executor reports it back to the
// client as an error Response. Like ErrOutOfRange, the message crosses
// the wire as-is.
var ErrUnknownKey = errors.New("Unknown configuration key")

// ErrOutOfRange is recoverable: the value parses but fails the key's
// bounds or vocabulary check. The message is the exact string clients
// already match on.
var ErrOutOfRange = errors.New("Value specified is out of range")

func find(name string) (Key, bool) {
	for _, k := range Recognized {
		if k.Name == name {
			return k, true
		}
	}
	return Key{}, false
}

// Defaults returns every recognized key at its default value, used to seed
// a freshly opened database.
func Defaults() map[string]string {
	out := make(map[string]string, len(Recognized))
	for _, k := range Recognized {
		out[k.Name] = k.Default
	}
	return out
}

// Validate checks that name is recognized and value satisfies its type and
// bounds, returning the canonicalized value to store. The sentinels are
// returned bare, never wrapped: their messages go to the client verbatim
// and clients match on the exact strings.
func Validate(name, value string) (string, error) {
	k, ok := find(name)
	if !ok {
		return "", ErrUnknownKey
	}
	switch k.Kind {
	case KindInt:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return "", ErrOutOfRange
		}
		if n < k.Min || n > k.Max {
			return "", ErrOutOfRange
		}
		return strconv.FormatInt(n, 10), nil
	case KindString:
		if len(k.Choices) == 0 {
			return value, nil
		}
		for _, c := range k.Choices {
			if c == value {
				return value, nil
			}
		}
		return "", ErrOutOfRange
	default:
		return "", ErrUnknownKey
	}
}
