package main

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/vocdoni/maci-coordinator/db"
)

const (
	defaultStateDepth = 10
	defaultLogLevel   = "info"
	defaultLogOutput  = "stdout"
	defaultDatadir    = ".maci-coordinator" // Will be prefixed with user's home directory
)

// Version is the build version, set at build time with -ldflags
var Version = "dev"

// Config holds the application configuration
type Config struct {
	Events      string
	Coordinator CoordinatorConfig
	State       StateConfig
	Polls       []string
	Datadir     string
	DB          DBConfig
	Output      string
	Prover      ProverConfig
	Log         LogConfig
}

// CoordinatorConfig holds the coordinator key used to decrypt messages
type CoordinatorConfig struct {
	PrivKey string `mapstructure:"privkey"`
}

// StateConfig holds the parameters of the MACI instance
type StateConfig struct {
	Depth int `mapstructure:"depth"`
}

// DBConfig holds the checkpoint database configuration
type DBConfig struct {
	Type string `mapstructure:"type"`
}

// ProverConfig holds the circuit artifacts location. Proving is disabled
// when empty.
type ProverConfig struct {
	Artifacts string `mapstructure:"artifacts"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
}

// loadConfig loads configuration from flags, environment variables, and defaults
func loadConfig(args []string) (*Config, error) {
	v := viper.New()

	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		userHomeDir = "."
	}
	defaultDatadirPath := filepath.Join(userHomeDir, defaultDatadir)

	v.SetDefault("state.depth", defaultStateDepth)
	v.SetDefault("db.type", db.TypePebble)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.output", defaultLogOutput)
	v.SetDefault("datadir", defaultDatadirPath)

	fs := flag.NewFlagSet("maci-coordinator", flag.ContinueOnError)
	fs.StringP("events", "e", "", "contract event stream, one JSON event per line (required)")
	fs.StringP("coordinator.privkey", "k", "", "hex encoded coordinator private key (required)")
	fs.IntP("state.depth", "s", defaultStateDepth, "depth of the MACI state tree")
	fs.StringSliceP("polls", "p", []string{}, "poll ids to process, comma-separated (default every merged poll)")
	fs.StringP("datadir", "d", defaultDatadirPath, "data directory for the checkpoint database")
	fs.String("db.type", db.TypePebble, fmt.Sprintf("database type (%s, %s, %s)", db.TypePebble, db.TypeLevelDB, db.TypeInMem))
	fs.StringP("output", "O", "", "directory to write circuit inputs, results and proofs to")
	fs.String("prover.artifacts", "", "directory with the <circuit>.wasm and <circuit>.zkey files, enables proving")
	fs.StringP("log.level", "l", defaultLogLevel, "log level (debug, info, warn, error, fatal)")
	fs.StringP("log.output", "o", defaultLogOutput, "log output (stdout, stderr or filepath)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "maci-coordinator v%s\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: maci-coordinator [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables are also available with the same name as flags,\n")
		fmt.Fprintf(os.Stderr, "  except for dots (.) which are replaced by underscores (_).\n")
		fmt.Fprintf(os.Stderr, "  For example, MACI_COORDINATOR_PRIVKEY or MACI_STATE_DEPTH\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Replay the events and tally every merged poll\n")
		fmt.Fprintf(os.Stderr, "  maci-coordinator --events=events.jsonl --coordinator.privkey=0x123... --output=out\n\n")
		fmt.Fprintf(os.Stderr, "  # Tally and prove polls 1 and 3\n")
		fmt.Fprintf(os.Stderr, "  maci-coordinator -e events.jsonl -k 0x123... --polls=1,3 --prover.artifacts=./zkeys -O out\n")
	}

	fs.SortFlags = false
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v.SetEnvPrefix("MACI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("error binding flags: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return cfg, nil
}

// validateConfig validates the loaded configuration
func validateConfig(cfg *Config) error {
	if cfg.Events == "" {
		return fmt.Errorf("event stream is required (use --events flag or MACI_EVENTS environment variable)")
	}
	if cfg.Coordinator.PrivKey == "" {
		return fmt.Errorf("coordinator private key is required (use --coordinator.privkey flag or MACI_COORDINATOR_PRIVKEY environment variable)")
	}
	if cfg.State.Depth < 1 {
		return fmt.Errorf("invalid state tree depth %d", cfg.State.Depth)
	}
	if !slices.Contains([]string{db.TypePebble, db.TypeLevelDB, db.TypeInMem}, cfg.DB.Type) {
		return fmt.Errorf("invalid db type %q", cfg.DB.Type)
	}
	if _, err := parsePolls(cfg.Polls); err != nil {
		return err
	}
	return nil
}

// parsePolls parses the poll id list. An empty list yields nil.
func parsePolls(polls []string) ([]uint64, error) {
	var ids []uint64
	for _, p := range polls {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid poll id %q: %w", p, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
