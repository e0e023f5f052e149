// Command bkv-cli is an interactive smoke-test harness for a store: a
// readline REPL with put/get/del/range/count/flush, and an optional
// Prometheus endpoint for watching cache/allocator counters while you
// drive it by hand. It is not covered by the store's testable properties;
// it exists to poke at a running store manually.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/abbycin/bkv"
	"github.com/chzyer/readline"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	dir := flag.String("dir", ".", "directory holding the store's .db/.data files")
	name := flag.String("name", "bkv", "store name (files are <name>.db and <name>.data)")
	metricsAddr := flag.String("metrics-addr", "", "if set, serve Prometheus metrics at this address under /metrics")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bkv-cli: logger init: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	store, err := bkv.Open(*dir, *name, bkv.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bkv-cli: open %s/%s: %v\n", *dir, *name, err)
		os.Exit(1)
	}
	defer store.Close()

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, store, logger)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "bkv> ",
		HistoryFile:     "/tmp/bkv-cli.history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "bkv-cli: readline init: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Printf("bkv-cli: store %s open at %s/%s.{db,data}. Type 'help' for commands.\n", store.ID(), *dir, *name)

	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF on ^D, readline.ErrInterrupt on ^C
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !dispatch(store, strings.Fields(line)) {
			return
		}
	}
}

func serveMetrics(addr string, store *bkv.Store, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(store.Metrics(), promhttp.HandlerOpts{}))
	logger.Info("bkv-cli: serving metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("bkv-cli: metrics server stopped", zap.Error(err))
	}
}

// dispatch runs one command and returns false to stop the REPL.
func dispatch(store *bkv.Store, args []string) bool {
	switch strings.ToLower(args[0]) {
	case "put":
		if len(args) < 3 {
			fmt.Println("usage: put <key> <value...>")
			return true
		}
		ok := store.Put([]byte(args[1]), []byte(strings.Join(args[2:], " ")))
		fmt.Println(ok)
	case "get":
		if len(args) < 2 {
			fmt.Println("usage: get <key>")
			return true
		}
		v := store.Get([]byte(args[1]))
		if len(v) == 0 {
			fmt.Println("(absent)")
		} else {
			fmt.Println(string(v))
		}
	case "contains":
		if len(args) < 2 {
			fmt.Println("usage: contains <key>")
			return true
		}
		fmt.Println(store.Contains([]byte(args[1])))
	case "del":
		if len(args) < 2 {
			fmt.Println("usage: del <key>")
			return true
		}
		store.Del([]byte(args[1]))
	case "range":
		if len(args) < 3 {
			fmt.Println("usage: range <from> <to>")
			return true
		}
		it := store.Range([]byte(args[1]), []byte(args[2]))
		n := 0
		for it.Valid() {
			fmt.Printf("%s = %s\n", it.Key(), it.Val())
			n++
			it.Next()
		}
		fmt.Printf("(%d entries)\n", n)
	case "count":
		fmt.Println(store.Count())
	case "items":
		fmt.Println(store.Items())
	case "flush":
		store.Flush()
		fmt.Println("flushed")
	case "help":
		printHelp()
	case "exit", "quit":
		return false
	default:
		fmt.Printf("unknown command %q; type 'help'\n", args[0])
	}
	return true
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  put <key> <value...>")
	fmt.Println("  get <key>")
	fmt.Println("  contains <key>")
	fmt.Println("  del <key>")
	fmt.Println("  range <from> <to>")
	fmt.Println("  count")
	fmt.Println("  items")
	fmt.Println("  flush")
	fmt.Println("  help")
	fmt.Println("  exit / quit")
}
