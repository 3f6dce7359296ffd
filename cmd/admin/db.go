package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"worldsync.io/internal/persistence/indexdb"
)

// dbCmd queries the stats index: runs, summary, ticks or dumps.
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	runID := fs.String("run", "", "run id (defaults to the latest run)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "summary"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*worldID) == "" {
			fmt.Fprintln(os.Stderr, "missing -world or -db")
			os.Exit(2)
		}
		path = filepath.Join(*dataDir, "worlds", *worldID, "index", "stats.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}

	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out, err := runQuery(ctx, idx, q, *runID, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, q+":", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}

func runQuery(ctx context.Context, idx *indexdb.SQLiteIndex, q, runID string, limit int) (any, error) {
	if q == "runs" {
		return idx.Runs(ctx)
	}
	if runID == "" {
		runs, err := idx.Runs(ctx)
		if err != nil {
			return nil, err
		}
		if len(runs) == 0 {
			return nil, fmt.Errorf("no runs recorded")
		}
		runID = runs[0]
	}
	switch q {
	case "summary":
		return idx.Summarize(ctx, runID)
	case "ticks":
		return idx.LatestTicks(ctx, runID, limit)
	case "dumps":
		return idx.Dumps(ctx, runID, limit)
	default:
		return nil, fmt.Errorf("unknown query %q (want runs, summary, ticks or dumps)", q)
	}
}
