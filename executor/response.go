// Package executor turns one admitted Command into a Response against a
// single dataset.Snapshot, staging any mutation on the Task it is handed
// rather than touching live state directly. Database changes happen only
// through the Task's staged change list; the other side effects are
// reading indexed files, writing a new iterator's data and meta files,
// and lock requests sent through the snapshot. Fresh iterator names and
// dataset ids differ from run to run.
package executor

import "github.com/chivay/ursadb/dataset"

// Kind mirrors command.Kind for the payload the Response actually carries,
// kept separate so this package never needs to import command for
// anything but Command/Kind values it is handed by the worker.
type Kind int

const (
	KindOK Kind = iota
	KindError
	KindSelectResult
	KindIteratorResult
	KindStatusResult
	KindTopologyResult
	KindConfigResult
	KindPong
)

// Response is the in-process analogue of the final reply frame a worker
// sends the coordinator to forward to the client. Encode (encode.go)
// renders it as the JSON reply string.
type Response struct {
	Kind Kind
	Err  error

	// KindSelectResult / KindIteratorResult
	Files      []string
	IteratorID string
	Position   int64
	TotalFiles int64
	Stats      dataset.Stats

	// KindStatusResult
	Tasks []dataset.TaskInfo

	// KindTopologyResult
	Datasets    []dataset.Dataset
	WorkerCount int
	Config      map[string]string

	// KindConfigResult
	ConfigValues map[string]string
}

func ErrorResponse(err error) Response {
	return Response{Kind: KindError, Err: err}
}

func OK() Response {
	return Response{Kind: KindOK}
}
