// Package command defines the tagged union of requests the coordinator
// dispatches to worker executors, and the recoverable parse errors a
// malformed request string can raise.
package command

import "github.com/pkg/errors"

// Kind identifies which variant a Command holds. Executors and the lock
// planner both switch on Kind; adding a variant means updating both.
type Kind int

const (
	KindSelect Kind = iota
	KindIteratorPop
	KindIndex
	KindIndexFrom
	KindReindex
	KindCompact
	KindStatus
	KindTopology
	KindPing
	KindConfigGet
	KindConfigSet
	KindTaint
	KindDatasetDrop
)

func (k Kind) String() string {
	switch k {
	case KindSelect:
		return "select"
	case KindIteratorPop:
		return "iterator_pop"
	case KindIndex:
		return "index"
	case KindIndexFrom:
		return "index_from"
	case KindReindex:
		return "reindex"
	case KindCompact:
		return "compact"
	case KindStatus:
		return "status"
	case KindTopology:
		return "topology"
	case KindPing:
		return "ping"
	case KindConfigGet:
		return "config_get"
	case KindConfigSet:
		return "config_set"
	case KindTaint:
		return "taint"
	case KindDatasetDrop:
		return "dataset_drop"
	default:
		return "unknown"
	}
}

// CompactMode selects which datasets a Compact command targets.
type CompactMode int

const (
	CompactSmart CompactMode = iota
	CompactFull
)

// TaintMode selects whether a Taint command adds or removes a label.
type TaintMode int

const (
	TaintAdd TaintMode = iota
	TaintRemove
)

// Command is a closed variant over every request shape the coordinator
// accepts. Only the fields relevant to Kind are populated; callers must
// switch on Kind before reading them.
type Command struct {
	Kind Kind

	// Select
	Query             string
	Taints            []string
	Datasets          []string
	IteratorRequested bool

	// IteratorPop
	IteratorID string
	Count      int

	// Index / IndexFrom
	Paths         []string
	PathListFile  string
	IndexTypes    []string
	EnsureUnique  bool

	// Reindex
	DatasetID string

	// Compact
	Mode CompactMode

	// ConfigGet / ConfigSet / Taint
	Keys  []string
	Key   string
	Value string

	TaintName string
	TaintMode TaintMode
}

// ErrSyntax is returned for requests that cannot be tokenized or that use
// an unrecognized command verb. It is recoverable: safe-dispatch turns it
// into an error Response without affecting worker or coordinator state.
var ErrSyntax = errors.New("command: syntax error")

// ErrSemantics is returned for requests that parse but are structurally
// invalid (wrong arity, empty identifiers, unknown mode keyword).
var ErrSemantics = errors.New("command: semantic error")
