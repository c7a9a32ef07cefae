// Command twopcd bootstraps the two-phase-commit core: open (or create)
// its WAL, load the last checkpoint payload, replay recovery, then serve
// connections — following the teacher's cmd/rdbms/main.go bootstrap
// shape (flag-parsed config, SetupLogger, load-then-serve) generalized
// from a whole database to this narrower coordination core.
package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leengari/twophase/internal/checkpoint"
	"github.com/leengari/twophase/internal/logging"
	"github.com/leengari/twophase/internal/metrics"
	"github.com/leengari/twophase/internal/recovery"
	"github.com/leengari/twophase/internal/server"
	"github.com/leengari/twophase/internal/twophase"
	"github.com/leengari/twophase/internal/view"
	"github.com/leengari/twophase/internal/walio"
)

func main() {
	cfg, err := twophase.ParseConfig(os.Args[1:])
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger, closeFn := logging.SetupLogger()
	defer closeFn()
	slog.SetDefault(logger)

	slog.Info("starting twopcd", "max_prepared", cfg.MaxPrepared, "wal_dir", cfg.WALDir)

	if err := os.MkdirAll(cfg.WALDir, 0755); err != nil {
		slog.Error("failed to create wal directory", "dir", cfg.WALDir, "error", err)
		os.Exit(1)
	}

	wal, err := walio.Open(filepath.Join(cfg.WALDir, "twopc.wal"))
	if err != nil {
		slog.Error("failed to open WAL", "error", err)
		os.Exit(1)
	}
	defer wal.Close()

	m := metrics.New()
	sub := twophase.New(cfg, wal, m, logger)

	checkpointPath := filepath.Join(cfg.WALDir, "twopc.checkpoint")
	if err := loadCheckpoint(checkpointPath, sub.Checkpoints); err != nil {
		slog.Error("failed to load checkpoint", "path", checkpointPath, "error", err)
		os.Exit(1)
	}

	driver := &recovery.Driver{
		Checkpoints: sub.Checkpoints,
		WAL:         sub.WAL,
		Clog:        sub.Clog,
		GXacts:      sub.GXacts,
		ProcArray:   sub.ProcArray,
		Subxacts:    sub.Subxacts,
		RMGR:        sub.RMGR,
		Distxact:    sub.Distxact,
		XIDs:        sub.XIDs,
	}
	result, err := driver.Run()
	if err != nil {
		slog.Error("recovery failed", "error", err)
		os.Exit(1)
	}
	slog.Info("recovery complete", "recovered", len(result.Recovered), "oldest_in_progress", result.OldestInProgress)

	shutdownCheckpoint := func() {
		if err := saveCheckpoint(checkpointPath, sub.Checkpoints); err != nil {
			slog.Error("failed to persist checkpoint on shutdown", "error", err)
		}
	}
	defer shutdownCheckpoint()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(view.All(sub.GXacts))
	})
	go func() {
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("metrics server exited", "error", err)
		}
	}()

	if cfg.ReservationTTL > 0 {
		go runJanitor(sub, cfg.ReservationTTL)
	}

	slog.Info("twopcd ready", "port", cfg.Port)
	srv := server.New(sub, logger)
	if err := srv.Run(cfg.Port); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// loadCheckpoint populates idx from path if it exists; a missing file is
// a fresh installation, not an error (spec §4.5: the very first startup
// has no prior checkpoint to load).
func loadCheckpoint(path string, idx *checkpoint.Index) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	entries, err := checkpoint.DecodePayload(raw)
	if err != nil {
		return err
	}
	for id, l := range entries {
		idx.Record(id, l)
	}
	return nil
}

// runJanitor periodically reaps stale reservations and abandoned
// finish-locks (SPEC_FULL.md's supplemented janitor), at half the
// configured TTL so nothing sits unreaped for more than 1.5x ttl.
func runJanitor(sub *twophase.Subsystem, ttl time.Duration) {
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for range ticker.C {
		sub.ReapStale(time.Now())
	}
}

// saveCheckpoint is the one spot in this command that actually writes
// CheckPointTwoPhase's payload to disk, closing the loop the teacher's
// own checkpointer leaves to a periodic background goroutine (spec §4.5)
// — this command runs it once at shutdown instead, since no periodic
// checkpointer is in scope here.
func saveCheckpoint(path string, idx *checkpoint.Index) error {
	payload := checkpoint.EncodePayload(idx.SnapshotAll())
	return os.WriteFile(path, payload, 0644)
}
