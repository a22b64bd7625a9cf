// Command lsmkv operates an lsmkv store directory from the shell.
//
//	lsmkv [-config lsmkv.yaml] [-dir ./data] <command> [args]
//
// Commands:
//
//	put KEY VALUE       store a value
//	get KEY             print the value of KEY
//	delete KEY          delete KEY
//	scan [FROM [TO]]    print live pairs in [FROM, TO)
//	flush               write memtables into segments
//	compact             merge every segment into the deepest level
//	stats               print store statistics as JSON
//	serve               run the admin HTTP server until interrupted
//	bench [-n N] [-c C] measure in-process write and read throughput
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	admin "lsmkv/internal/http"
	"lsmkv/pkg/config"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/store"
)

const (
	exitOK       = 0
	exitNotFound = 1
	exitFailure  = 2
	exitUsage    = 64
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("lsmkv", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "lsmkv.yaml", "path to the YAML config file")
	dir := fs.String("dir", "", "store directory (overrides db.dir)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return exitUsage
	}

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "lsmkv: %v\n", err)
		return exitFailure
	}
	if *dir != "" {
		cfg.DB.Dir = *dir
	}
	initLogger(&cfg)

	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]
	if !validArgs(cmd, cmdArgs) {
		fmt.Fprintf(stderr, "lsmkv: bad usage of %q\n", cmd)
		return exitUsage
	}

	s, err := store.Open(cfg.DB.Dir, &cfg.DB)
	if err != nil {
		fmt.Fprintf(stderr, "lsmkv: open %s: %v\n", cfg.DB.Dir, err)
		return exitFailure
	}

	code := exec(s, &cfg, cmd, cmdArgs, stdout, stderr)
	if err := s.Close(); err != nil {
		fmt.Fprintf(stderr, "lsmkv: close: %v\n", err)
		if code == exitOK {
			code = exitFailure
		}
	}
	return code
}

func validArgs(cmd string, args []string) bool {
	switch cmd {
	case "put":
		return len(args) == 2
	case "get", "delete":
		return len(args) == 1
	case "scan":
		return len(args) <= 2
	case "flush", "compact", "stats", "serve":
		return len(args) == 0
	case "bench":
		return true
	}
	return false
}

func exec(s *store.Store, cfg *config.Config, cmd string, args []string, stdout, stderr io.Writer) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd {
	case "put":
		err = s.Put([]byte(args[0]), []byte(args[1]))
	case "delete":
		err = s.Delete([]byte(args[0]))
	case "get":
		var (
			v  []byte
			ok bool
		)
		v, ok, err = s.Get([]byte(args[0]))
		if err == nil && !ok {
			fmt.Fprintf(stderr, "lsmkv: %q: %v\n", args[0], dberrors.ErrNotFound)
			return exitNotFound
		}
		if err == nil {
			fmt.Fprintf(stdout, "%s\n", v)
		}
	case "scan":
		var from, to []byte
		if len(args) > 0 {
			from = []byte(args[0])
		}
		if len(args) > 1 {
			to = []byte(args[1])
		}
		err = s.Scan(from, to, func(k, v []byte) bool {
			fmt.Fprintf(stdout, "%s\t%s\n", k, v)
			return ctx.Err() == nil
		})
	case "flush":
		err = s.Flush()
	case "compact":
		err = s.Compact(ctx)
	case "stats":
		var stats store.Stats
		if stats, err = s.Stats(); err == nil {
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			err = enc.Encode(stats)
		}
	case "serve":
		err = serve(ctx, s, cfg.Admin)
	case "bench":
		err = bench(s, args, stdout)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return exitOK
		}
		fmt.Fprintf(stderr, "lsmkv: %s: %v\n", cmd, err)
		return exitFailure
	}
	return exitOK
}

func serve(ctx context.Context, s *store.Store, cfg config.AdminConfig) error {
	server := admin.NewServer(s, cfg)
	if err := server.Start(); err != nil {
		return err
	}

	slog.Info("admin server is running, press Ctrl+C to stop", "url", server.URL)
	<-ctx.Done()

	return server.Stop()
}
