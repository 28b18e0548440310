package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/zhangyunhao116/tunnelcheck"
	"github.com/zhangyunhao116/tunnelcheck/notworkers"
	"github.com/zhangyunhao116/tunnelcheck/report"
	"github.com/zhangyunhao116/tunnelcheck/target"
)

func notworkersUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: tunnelcheck notworkers [-db path] [-config file] <command> [args]

Commands:
  stats              print entry count and time range as JSON
  get <key>          print one entry as JSON
  export [file]      write every raw entry, one per line (default stdout)
  import <file>      record every share link in file as failed
  expire <duration>  drop entries not seen within duration (e.g. 720h)
  prune <rows>       keep only the newest rows entries
  forget <key>       drop one entry
  vacuum             compact the database
`)
}

func notworkersCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("notworkers", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { notworkersUsage(stderr) }
	var (
		lf         logFlags
		dbPath     = fs.String("db", "", "database path (default from config, then "+notworkers.DefaultPath+")")
		configPath = fs.String("config", "", "YAML configuration file (for notworkers_db)")
		source     = fs.String("source", "import", "source recorded for imported entries")
	)
	lf.register(fs)
	if err := fs.Parse(args); err != nil {
		return report.ExitFatal
	}
	rest := fs.Args()
	if len(rest) == 0 {
		notworkersUsage(stderr)
		return report.ExitFatal
	}

	logger, err := lf.logger(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "tunnelcheck: %v\n", err)
		return report.ExitFatal
	}

	path := *dbPath
	if path == "" && *configPath != "" {
		cfg, err := tunnelcheck.ReadConfig(*configPath)
		if err != nil {
			logger.Error("cannot load configuration", "error", err)
			return report.ExitFatal
		}
		path = cfg.NotworkersDB
	}
	if path == "" {
		path = notworkers.DefaultPath
	}

	store, err := notworkers.Open(path)
	if err != nil {
		logger.Error("cannot open failure history", "path", path, "error", err)
		return report.ExitFatal
	}
	defer store.Close()

	if err := notworkersRun(context.Background(), store, rest, *source, stdout); err != nil {
		logger.Error("notworkers "+rest[0]+" failed", "path", path, "error", err)
		return report.ExitFatal
	}
	return report.ExitPass
}

func notworkersRun(ctx context.Context, store *notworkers.Store, args []string, source string, stdout io.Writer) error {
	cmd, rest := args[0], args[1:]
	arg := func() (string, error) {
		if len(rest) != 1 {
			return "", fmt.Errorf("%s takes exactly one argument", cmd)
		}
		return rest[0], nil
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")

	switch cmd {
	case "stats":
		st, err := store.Stats(ctx)
		if err != nil {
			return err
		}
		return enc.Encode(st)

	case "get":
		key, err := arg()
		if err != nil {
			return err
		}
		e, ok, err := store.Get(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s: not recorded", key)
		}
		return enc.Encode(e)

	case "export":
		w := stdout
		if len(rest) == 1 {
			f, err := os.Create(rest[0])
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		n, err := store.ExportFlat(ctx, w)
		if err != nil {
			return err
		}
		if w != stdout {
			fmt.Fprintf(stdout, "exported %d entries\n", n)
		}
		return nil

	case "import":
		name, err := arg()
		if err != nil {
			return err
		}
		f, err := os.Open(name)
		if err != nil {
			return err
		}
		defer f.Close()
		inserted, updated, err := store.ImportFlat(ctx, f, source, linkKey)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "imported %d new, %d existing\n", inserted, updated)
		return nil

	case "expire":
		v, err := arg()
		if err != nil {
			return err
		}
		age, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		n, err := store.Expire(ctx, age)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "expired %d entries\n", n)
		return nil

	case "prune":
		v, err := arg()
		if err != nil {
			return err
		}
		rows, err := strconv.Atoi(v)
		if err != nil || rows < 0 {
			return fmt.Errorf("invalid row count %q", v)
		}
		n, err := store.Prune(ctx, rows)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "pruned %d entries\n", n)
		return nil

	case "forget":
		key, err := arg()
		if err != nil {
			return err
		}
		ok, err := store.Forget(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s: not recorded", key)
		}
		fmt.Fprintf(stdout, "forgot %s\n", key)
		return nil

	case "vacuum":
		return store.Vacuum(ctx)

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// linkKey keys a share link the way the harness keys targets.
func linkKey(line string) (string, error) {
	t, err := target.ParseLink(line)
	if err != nil {
		return "", err
	}
	if t.Host == "" || t.Port == 0 {
		return "", fmt.Errorf("%w: link has no endpoint", target.ErrInvalidTarget)
	}
	return t.Key(), nil
}
