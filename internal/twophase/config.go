package twophase

import (
	"flag"
	"fmt"
	"time"
)

// Config is the startup-fixed configuration of one two-phase-commit
// subsystem instance (spec.md §5: "max_prepared is a startup-fixed
// integer"). Parsed with the standard flag package, following the
// teacher's cmd/rdbms/main.go flag.Bool/flag.Int style rather than a
// config-file format the teacher never used.
type Config struct {
	ServerMode      bool
	Port            int
	MaxPrepared     int
	MaxBackends     int
	WALDir          string
	WALCeiling      int
	CoordinatorMode bool

	// ReservationTTL bounds how long a reservation may sit unfinished
	// before the janitor reaps it (supplemented feature, not part of
	// spec.md's state machine: a crashed backend that vanished between
	// Reserve and a durable WAL write would otherwise hold its slot
	// forever). Zero disables reaping, the default, so the state
	// machine's invariants stay exactly as specified unless an operator
	// opts in.
	ReservationTTL time.Duration
}

// DefaultWALCeiling bounds a single prepare payload (spec §3: "total_len
// must not exceed the WAL payload ceiling"). 1 MiB comfortably fits a
// few thousand resource-manager sub-records without letting one runaway
// transaction exhaust the WAL segment.
const DefaultWALCeiling = 1 << 20

// ParseConfig parses args (typically os.Args[1:]) into a Config.
func ParseConfig(args []string) (Config, error) {
	fs := flag.NewFlagSet("twopcd", flag.ContinueOnError)

	cfg := Config{}
	fs.BoolVar(&cfg.ServerMode, "server", false, "accepted but has no effect: twopcd always serves connections")
	fs.IntVar(&cfg.Port, "port", 4444, "port to listen on")
	fs.IntVar(&cfg.MaxPrepared, "max-prepared", 64, "maximum number of simultaneously prepared transactions (0 disables the subsystem)")
	fs.IntVar(&cfg.MaxBackends, "max-backends", 100, "maximum number of concurrently connected backends (parsed; the server does not enforce it)")
	fs.StringVar(&cfg.WALDir, "wal-dir", "data/wal", "directory holding the two-phase-commit WAL segment")
	fs.IntVar(&cfg.WALCeiling, "wal-ceiling", DefaultWALCeiling, "maximum size in bytes of a single prepare payload")
	fs.BoolVar(&cfg.CoordinatorMode, "coordinator", false, "allow finishing a prepared transaction from a different database than it was prepared in")
	fs.DurationVar(&cfg.ReservationTTL, "reservation-ttl", 0, "reap a reservation or finish-lock older than this duration (0 disables reaping)")

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}
	if cfg.MaxPrepared < 0 {
		return Config{}, fmt.Errorf("max-prepared must be >= 0, got %d", cfg.MaxPrepared)
	}
	if cfg.WALCeiling <= 0 {
		return Config{}, fmt.Errorf("wal-ceiling must be > 0, got %d", cfg.WALCeiling)
	}
	return cfg, nil
}
