package executor

import (
	"encoding/json"

	"github.com/chivay/ursadb/dataset"
)

// wireReply is one flat JSON object per Kind (`{type: ping, conn_id:
// "…"}`, `{type: error, msg: "…"}`), carrying only the fields that
// variant uses. Clients switch on the type field; absent fields are
// omitted rather than sent as zero values.
type wireReply struct {
	Type string `json:"type"`

	ConnID string `json:"conn_id,omitempty"`
	Msg    string `json:"msg,omitempty"`

	Files      []string      `json:"files,omitempty"`
	IteratorID string        `json:"iterator,omitempty"`
	Position   int64         `json:"position,omitempty"`
	TotalFiles int64         `json:"total_files,omitempty"`
	Counters   *wireCounters `json:"counters,omitempty"`

	Tasks []wireTask `json:"tasks,omitempty"`

	Datasets    []wireDataset     `json:"datasets,omitempty"`
	WorkerCount int               `json:"worker_count,omitempty"`
	Config      map[string]string `json:"config,omitempty"`
}

type wireCounters struct {
	FilesScanned int64 `json:"files_scanned"`
	FilesMatched int64 `json:"files_matched"`
	DatasetsRead int64 `json:"datasets_read"`
}

type wireDataset struct {
	ID        string   `json:"id"`
	FileCount int64    `json:"file_count"`
	Taints    []string `json:"taints,omitempty"`
}

type wireTask struct {
	ID         string `json:"id"`
	ClientAddr string `json:"client_addr"`
	Request    string `json:"request"`
	AgeSeconds int64  `json:"age_seconds"`
}

// Encode renders a Response as the JSON string the worker sends back over
// the wire. connID is the hex identity of the client connection the
// request arrived on, used as the ping reply's conn_id field.
func Encode(resp Response, connID string) string {
	w := wireReply{}
	switch resp.Kind {
	case KindPong:
		w.Type = "ping"
		w.ConnID = connID
	case KindError:
		w.Type = "error"
		w.Msg = resp.Err.Error()
	case KindOK:
		w.Type = "ok"
	case KindSelectResult:
		w.Type = "select"
		w.Files = resp.Files
		w.Counters = encodeCounters(resp.Stats)
	case KindIteratorResult:
		w.Type = "iterator"
		w.IteratorID = resp.IteratorID
		w.Files = resp.Files
		w.Position = resp.Position
		w.TotalFiles = resp.TotalFiles
		w.Counters = encodeCounters(resp.Stats)
	case KindStatusResult:
		w.Type = "status"
		w.Tasks = make([]wireTask, len(resp.Tasks))
		for i, t := range resp.Tasks {
			w.Tasks[i] = wireTask{
				ID:         string(t.ID),
				ClientAddr: t.ClientAddr,
				Request:    t.Request,
				AgeSeconds: int64(t.Age.Seconds()),
			}
		}
	case KindTopologyResult:
		w.Type = "topology"
		w.Datasets = make([]wireDataset, len(resp.Datasets))
		for i, ds := range resp.Datasets {
			w.Datasets[i] = encodeDataset(ds)
		}
		w.WorkerCount = resp.WorkerCount
		w.Config = resp.Config
	case KindConfigResult:
		w.Type = "config"
		w.Config = resp.ConfigValues
	default:
		w.Type = "error"
		w.Msg = "executor: unencodable response kind"
	}

	raw, err := json.Marshal(w)
	if err != nil {
		// A Response built entirely from this package's own types can
		// never fail to marshal; surface a visible fallback rather than
		// silently drop the reply.
		return `{"type":"error","msg":"executor: failed to encode response"}`
	}
	return string(raw)
}

// encodeCounters omits the counters object entirely for replies that
// never ran a query (an IteratorPop reuses the iterator reply shape but
// scans nothing).
func encodeCounters(s dataset.Stats) *wireCounters {
	if s == (dataset.Stats{}) {
		return nil
	}
	return &wireCounters{FilesScanned: s.FilesScanned, FilesMatched: s.FilesMatched, DatasetsRead: s.DatasetsRead}
}

func encodeDataset(ds dataset.Dataset) wireDataset {
	taints := make([]string, 0, len(ds.Taints))
	for t := range ds.Taints {
		taints = append(taints, t)
	}
	return wireDataset{ID: ds.ID, FileCount: ds.FileCount, Taints: taints}
}
