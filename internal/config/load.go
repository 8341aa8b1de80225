package config

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unset fields keep their DefaultConfig values. Unknown
// top-level keys are treated as fatal errors with a "did you mean?"
// suggestion, the way a config typo should fail loudly rather than silently
// being ignored.
func Load(path string, logger *slog.Logger) (*Config, error) {
	logger.Debug("loading config file", "path", path)

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	logger.Debug("config file parsed successfully", "path", path)

	return cfg, nil
}

// knownKeyPrefixes are the valid dotted top-level keys in the config file,
// used both to reject genuinely unknown keys and to produce "did you mean?"
// suggestions for typos.
var knownKeyPrefixes = []string{
	"sync.default_limit", "sync.max_sync_limit", "sync.content_transfer_budget",
	"sync.revision_frequency", "sync.page_size", "sync.settle_delay",
	"sync.sync_conflict_tolerance_micros",
	"storage.primary_dsn", "storage.secondary_dsn",
	"logging.log_level", "logging.log_format",
}

// checkUnknownKeys inspects toml.MetaData for keys the decoder saw but did
// not use (i.e. no matching struct field), and fails with a "did you mean?"
// suggestion for the closest known key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	sort.Slice(undecoded, func(i, j int) bool {
		return undecoded[i].String() < undecoded[j].String()
	})

	got := undecoded[0].String()
	suggestion := closestKey(got)

	if suggestion != "" {
		return fmt.Errorf("unknown config key %q (did you mean %q?)", got, suggestion)
	}

	return fmt.Errorf("unknown config key %q", got)
}

// closestKey returns the known key with the smallest Levenshtein distance to
// got, or "" if none is within maxLevenshteinDistance.
const maxLevenshteinDistance = 3

func closestKey(got string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, known := range knownKeyPrefixes {
		d := levenshtein(strings.ToLower(got), strings.ToLower(known))
		if d < bestDist {
			bestDist = d
			best = known
		}
	}

	if bestDist > maxLevenshteinDistance {
		return ""
	}

	return best
}

// levenshtein computes the edit distance between a and b.
func levenshtein(a, b string) int {
	la, lb := len(a), len(b)
	row := make([]int, lb+1)

	for j := 0; j <= lb; j++ {
		row[j] = j
	}

	for i := 1; i <= la; i++ {
		prev := row[0]
		row[0] = i

		for j := 1; j <= lb; j++ {
			tmp := row[j]
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}

			row[j] = minInt(row[j]+1, minInt(row[j-1]+1, prev+cost))
			prev = tmp
		}
	}

	return row[lb]
}

func minInt(a, b int) int {
	if a < b {
		return a
	}

	return b
}
