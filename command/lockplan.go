package command

import "github.com/chivay/ursadb/dataset"

// CandidateLister lets the lock planner ask the snapshot which datasets a
// Compact would touch before execution begins — the planner must know
// the full candidate set to pre-acquire every lock atomically.
type CandidateLister interface {
	CompactSmartCandidates() []string
	CompactFullCandidates() []string
}

// Plan returns the locks a command will need before execution, per the
// table in the dispatch-core design: IteratorPop locks its iterator,
// Reindex and Taint lock their dataset, Compact locks every candidate
// dataset for the requested mode, and every other variant needs none.
//
// Select with IteratorRequested does NOT lock the iterator it is about
// to create, because that iterator does not exist yet at plan time.
// Index/IndexFrom never lock, because they mint new dataset ids rather
// than mutating ones already published in the snapshot.
func Plan(cmd Command, candidates CandidateLister) []dataset.Lock {
	switch cmd.Kind {
	case KindIteratorPop:
		return []dataset.Lock{{Kind: dataset.LockIterator, Name: cmd.IteratorID}}
	case KindReindex:
		return []dataset.Lock{{Kind: dataset.LockDataset, Name: cmd.DatasetID}}
	case KindTaint:
		return []dataset.Lock{{Kind: dataset.LockDataset, Name: cmd.DatasetID}}
	case KindCompact:
		var ids []string
		if cmd.Mode == CompactSmart {
			ids = candidates.CompactSmartCandidates()
		} else {
			ids = candidates.CompactFullCandidates()
		}
		locks := make([]dataset.Lock, 0, len(ids))
		for _, id := range ids {
			locks = append(locks, dataset.Lock{Kind: dataset.LockDataset, Name: id})
		}
		return locks
	default:
		return nil
	}
}
