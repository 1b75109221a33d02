// Command ursadb-repl is an interactive administration shell: it embeds
// a full coordinator and worker pool in-process and sends each typed
// line through a transport.Client as one request.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ergochat/readline"

	"github.com/chivay/ursadb/config"
	"github.com/chivay/ursadb/coordinator"
	"github.com/chivay/ursadb/dataset"
	"github.com/chivay/ursadb/engine"
	"github.com/chivay/ursadb/transport"
	"github.com/chivay/ursadb/utils"
	"github.com/chivay/ursadb/worker"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("select"),
	readline.PcItem("index"),
	readline.PcItem("reindex"),
	readline.PcItem("compact"),
	readline.PcItem("status"),
	readline.PcItem("topology"),
	readline.PcItem("ping"),
	readline.PcItem("config"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	if r == readline.CharCtrlZ {
		return r, false
	}
	return r, true
}

func main() {
	bootstrapPath := ""
	if len(os.Args) > 1 {
		bootstrapPath = os.Args[1]
	}
	bootstrap, err := config.LoadBootstrap(bootstrapPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := utils.NewDefaultLogger(-4) // slog.LevelDebug; the REPL wants to see everything

	eng := engine.New()
	db, err := dataset.Open(bootstrap.DBPath, eng, eng, log, config.Defaults())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer db.Close()

	coord := coordinator.New(db, log, bootstrap.WorkerCount)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := coord.Run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "coordinator stopped: %v\n", err)
		}
	}()
	for i := 0; i < bootstrap.WorkerCount; i++ {
		w := worker.New(coord.Connect(), log)
		go func() {
			if err := w.Run(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "worker stopped: %v\n", err)
			}
		}()
	}

	client := transport.NewClient(coord.ClientConn())
	defer client.Close()

	l, err := readline.NewEx(&readline.Config{
		Prompt:              "ursadb> ",
		HistoryFile:         "/tmp/ursadb_repl_history.tmp",
		AutoComplete:        completer,
		InterruptPrompt:     "^C",
		EOFPrompt:           "exit",
		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	for {
		line, err := l.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				break
			}
			continue
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		reqCtx, reqCancel := context.WithTimeout(ctx, 30*time.Second)
		reply, err := client.Send(reqCtx, line)
		reqCancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Println(reply)
	}
}
