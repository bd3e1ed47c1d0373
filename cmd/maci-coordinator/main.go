package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/vocdoni/maci-coordinator/crypto/keys"
	"github.com/vocdoni/maci-coordinator/db/metadb"
	"github.com/vocdoni/maci-coordinator/events"
	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/maci"
	"github.com/vocdoni/maci-coordinator/poll"
	"github.com/vocdoni/maci-coordinator/prover"
	"github.com/vocdoni/maci-coordinator/storage"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	log.Init(cfg.Log.Level, cfg.Log.Output, nil)
	runID := uuid.New()
	log.Infow("starting maci-coordinator", "version", Version, "runID", runID.String())

	if err := validateConfig(cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("run %s failed: %v", runID, err)
	}
}

// run replays the event stream, processes and tallies the selected polls
// starting from their stored checkpoints, and optionally proves and exports
// the outputs.
func run(ctx context.Context, cfg *Config) error {
	start := time.Now()
	coordinator, err := keys.KeypairFromHex(cfg.Coordinator.PrivKey)
	if err != nil {
		return fmt.Errorf("coordinator key: %w", err)
	}
	log.Infow("coordinator key loaded", "pubKey", coordinator.PubKey.String())

	evs, err := readEvents(cfg.Events)
	if err != nil {
		return err
	}
	m, err := maci.New(cfg.State.Depth, maci.WithCoordinatorKeypair(coordinator))
	if err != nil {
		return err
	}
	if err := m.Replay(ctx, evs); err != nil {
		return fmt.Errorf("replay events: %w", err)
	}

	ids, err := selectPolls(m, cfg.Polls)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		log.Warnw("no merged polls to process")
		return nil
	}

	dbPath := filepath.Join(cfg.Datadir, "db")
	log.Infow("initializing storage", "datadir", dbPath, "type", cfg.DB.Type)
	database, err := metadb.New(cfg.DB.Type, dbPath)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	st := storage.New(database)
	defer st.Close()

	if _, err := st.ResumePolls(m, ids); err != nil {
		return err
	}
	if err := m.ProcessPolls(ctx, ids, st.Handler(m)); err != nil {
		return fmt.Errorf("process polls: %w", err)
	}

	if cfg.Prover.Artifacts != "" {
		r := prover.NewRapidsnark(cfg.Prover.Artifacts)
		for _, id := range ids {
			if _, err := prover.ProvePoll(ctx, r, st, id); err != nil {
				return err
			}
		}
	}

	if cfg.Output != "" {
		for _, id := range ids {
			if err := writeOutputs(st, cfg.Output, id); err != nil {
				return err
			}
		}
		log.Infow("outputs written", "dir", cfg.Output)
	}
	log.Infow("coordinator run finished", "polls", ids, "elapsedMs", log.Elapsed(start))
	return nil
}

func readEvents(path string) ([]events.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Warnw("failed to close event stream", "error", err)
		}
	}()
	evs, err := events.ReadJSONLines(f)
	if err != nil {
		return nil, err
	}
	events.Sort(evs)
	log.Infow("event stream loaded", "path", path, "events", len(evs))
	return evs, nil
}

// selectPolls returns the requested polls, or every poll whose state has
// been merged when none is requested.
func selectPolls(m *maci.MaciState, requested []string) ([]uint64, error) {
	ids, err := parsePolls(requested)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		return ids, nil
	}
	for _, id := range m.PollIDs() {
		p, err := m.Poll(id)
		if err != nil {
			return nil, err
		}
		if p.Status() < poll.StatusMessagesFrozen {
			log.Infow("skipping poll not yet merged", "pollID", id, "status", p.Status().String())
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
