package worker_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chivay/ursadb/config"
	"github.com/chivay/ursadb/coordinator"
	"github.com/chivay/ursadb/dataset"
	"github.com/chivay/ursadb/engine"
	"github.com/chivay/ursadb/transport"
	"github.com/chivay/ursadb/utils"
	"github.com/chivay/ursadb/worker"
)

func newTestCoordinator(t *testing.T, workerCount int) *coordinator.Coordinator {
	t.Helper()
	log := utils.NewDefaultLogger(slog.LevelError)
	eng := engine.New()
	db, err := dataset.Open(t.TempDir(), eng, eng, log, config.Defaults())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return coordinator.New(db, log, workerCount)
}

// send issues one request with a per-call timeout and returns the raw
// reply string.
func send(ctx context.Context, t *testing.T, client *transport.Client, request string) string {
	t.Helper()
	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	reply, err := client.Send(sendCtx, request)
	require.NoError(t, err)
	return reply
}

func decode(t *testing.T, reply string) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(reply), &out))
	return out
}

func startPool(ctx context.Context, t *testing.T, coord *coordinator.Coordinator, n int) {
	t.Helper()
	log := utils.NewDefaultLogger(slog.LevelError)
	go func() { _ = coord.Run(ctx) }()
	for i := 0; i < n; i++ {
		w := worker.New(coord.Connect(), log)
		go func() { _ = w.Run(ctx) }()
	}
}

func TestPingRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := newTestCoordinator(t, 1)
	startPool(ctx, t, coord, 1)

	client := transport.NewClient(coord.ClientConn())
	defer client.Close()

	sendCtx, sendCancel := context.WithTimeout(ctx, 2*time.Second)
	defer sendCancel()
	reply, err := client.Send(sendCtx, "ping")
	require.NoError(t, err)

	var decoded struct {
		Type   string `json:"type"`
		ConnID string `json:"conn_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(reply), &decoded))
	require.Equal(t, "ping", decoded.Type)
	require.NotEmpty(t, decoded.ConnID)
}

func TestManyRequestsServedByFixedPool(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := newTestCoordinator(t, 2)
	startPool(ctx, t, coord, 2)

	client := transport.NewClient(coord.ClientConn())
	defer client.Close()

	for i := 0; i < 10; i++ {
		sendCtx, sendCancel := context.WithTimeout(ctx, 2*time.Second)
		reply, err := client.Send(sendCtx, "ping")
		sendCancel()
		require.NoError(t, err)
		require.Contains(t, reply, `"type":"ping"`)
	}
}

func TestStatusReflectsActiveTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := newTestCoordinator(t, 1)
	startPool(ctx, t, coord, 1)

	client := transport.NewClient(coord.ClientConn())
	defer client.Close()

	sendCtx, sendCancel := context.WithTimeout(ctx, 2*time.Second)
	defer sendCancel()
	reply, err := client.Send(sendCtx, "status")
	require.NoError(t, err)

	var decoded struct {
		Type  string `json:"type"`
		Tasks []struct {
			Request string `json:"request"`
		} `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal([]byte(reply), &decoded))
	require.Equal(t, "status", decoded.Type)
	// the status request's own task is the one active task while it runs
	require.Len(t, decoded.Tasks, 1)
	require.Equal(t, "status", decoded.Tasks[0].Request)
}

func TestUnparseableRequestReturnsErrorNotCrash(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := newTestCoordinator(t, 1)
	startPool(ctx, t, coord, 1)

	client := transport.NewClient(coord.ClientConn())
	defer client.Close()

	sendCtx, sendCancel := context.WithTimeout(ctx, 2*time.Second)
	defer sendCancel()
	reply, err := client.Send(sendCtx, "frobnicate")
	require.NoError(t, err)
	require.Contains(t, reply, `"type":"error"`)

	// the worker that handled the bad request should still be back in
	// the idle pool afterwards, not stuck or dead.
	sendCtx2, sendCancel2 := context.WithTimeout(ctx, 2*time.Second)
	defer sendCancel2()
	reply, err = client.Send(sendCtx2, "ping")
	require.NoError(t, err)
	require.Contains(t, reply, `"type":"ping"`)
}

func TestIndexThenSelect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := newTestCoordinator(t, 1)
	startPool(ctx, t, coord, 1)

	client := transport.NewClient(coord.ClientConn())
	defer client.Close()

	dir := t.TempDir()
	matchPath := filepath.Join(dir, "a.bin")
	require.NoError(t, os.WriteFile(matchPath, []byte("hello there"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.bin"), []byte("nothing"), 0o644))

	indexed := decode(t, send(ctx, t, client, fmt.Sprintf("index %q with [gram3];", dir)))
	require.Equal(t, "ok", indexed["type"])

	selected := decode(t, send(ctx, t, client, `select "hello";`))
	require.Equal(t, "select", selected["type"])
	require.Equal(t, []any{matchPath}, selected["files"])
}

func TestIteratorLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := newTestCoordinator(t, 1)
	startPool(ctx, t, coord, 1)

	client := transport.NewClient(coord.ClientConn())
	defer client.Close()

	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("f%d", i)), []byte(fmt.Sprintf("x marks %d", i)), 0o644))
	}
	require.Equal(t, "ok", decode(t, send(ctx, t, client, fmt.Sprintf("index %q with [gram3];", dir)))["type"])

	created := decode(t, send(ctx, t, client, `select "x" into iterator`))
	require.Equal(t, "iterator", created["type"])
	iterID, _ := created["iterator"].(string)
	require.NotEmpty(t, iterID)
	require.Equal(t, float64(3), created["total_files"])

	pop1 := decode(t, send(ctx, t, client, fmt.Sprintf("iterator %s pop 2", iterID)))
	require.Equal(t, "iterator", pop1["type"])
	require.Len(t, pop1["files"], 2)
	require.Equal(t, float64(2), pop1["position"])
	require.Equal(t, float64(3), pop1["total_files"])

	pop2 := decode(t, send(ctx, t, client, fmt.Sprintf("iterator %s pop 2", iterID)))
	require.Len(t, pop2["files"], 1)
	require.Equal(t, float64(3), pop2["position"])
}

func TestConfigSetOutOfRange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := newTestCoordinator(t, 1)
	startPool(ctx, t, coord, 1)

	client := transport.NewClient(coord.ClientConn())
	defer client.Close()

	failed := decode(t, send(ctx, t, client, "config set max_mem 99999999999999"))
	require.Equal(t, "error", failed["type"])
	require.Equal(t, "Value specified is out of range", failed["msg"])

	// nothing was staged: the key still reads back at its default
	got := decode(t, send(ctx, t, client, "config get max_mem"))
	require.Equal(t, "config", got["type"])
	cfg, _ := got["config"].(map[string]any)
	require.Equal(t, "1073741824", cfg["max_mem"])

	// and the worker is back in the pool
	require.Contains(t, send(ctx, t, client, "ping"), `"type":"ping"`)
}

func TestConfigSetThenGet(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := newTestCoordinator(t, 1)
	startPool(ctx, t, coord, 1)

	client := transport.NewClient(coord.ClientConn())
	defer client.Close()

	require.Contains(t, send(ctx, t, client, "config set max_query_threads 8"), `"type":"ok"`)

	got := decode(t, send(ctx, t, client, "config get max_query_threads"))
	cfg, _ := got["config"].(map[string]any)
	require.Equal(t, "8", cfg["max_query_threads"])
}

func TestTopologyReportsDatasetsAndWorkerCount(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := newTestCoordinator(t, 3)
	startPool(ctx, t, coord, 3)

	client := transport.NewClient(coord.ClientConn())
	defer client.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("x"), 0o644))
	require.Equal(t, "ok", decode(t, send(ctx, t, client, fmt.Sprintf("index %q with [gram3];", dir)))["type"])

	topo := decode(t, send(ctx, t, client, "topology"))
	require.Equal(t, "topology", topo["type"])
	require.Equal(t, float64(3), topo["worker_count"])
	datasets, _ := topo["datasets"].([]any)
	require.Len(t, datasets, 1)
}

func TestTaintThenDropDataset(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := newTestCoordinator(t, 1)
	startPool(ctx, t, coord, 1)

	client := transport.NewClient(coord.ClientConn())
	defer client.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("x"), 0o644))
	require.Equal(t, "ok", decode(t, send(ctx, t, client, fmt.Sprintf("index %q with [gram3];", dir)))["type"])

	// the index reply is a bare ok; topology is where the new id shows up
	topo := decode(t, send(ctx, t, client, "topology"))
	datasets, _ := topo["datasets"].([]any)
	require.Len(t, datasets, 1)
	created, _ := datasets[0].(map[string]any)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	require.Contains(t, send(ctx, t, client, "taint "+id+" +evil"), `"type":"ok"`)

	topo = decode(t, send(ctx, t, client, "topology"))
	datasets, _ = topo["datasets"].([]any)
	require.Len(t, datasets, 1)
	tainted, _ := datasets[0].(map[string]any)
	require.Equal(t, []any{"evil"}, tainted["taints"])

	require.Contains(t, send(ctx, t, client, "drop "+id), `"type":"ok"`)

	topo = decode(t, send(ctx, t, client, "topology"))
	require.Empty(t, topo["datasets"])
}
