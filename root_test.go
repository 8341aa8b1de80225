package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultnotes/itemsync/internal/config"
)

// saveGlobalFlags snapshots the package-level flag state (cobra binds the
// persistent flags to globals) and restores it when the test finishes.
func saveGlobalFlags(t *testing.T) {
	t.Helper()

	oldPath, oldJSON := flagConfigPath, flagJSON
	oldVerbose, oldDebug, oldQuiet := flagVerbose, flagDebug, flagQuiet
	oldResolved := resolvedCfg

	t.Cleanup(func() {
		flagConfigPath, flagJSON = oldPath, oldJSON
		flagVerbose, flagDebug, flagQuiet = oldVerbose, oldDebug, oldQuiet
		resolvedCfg = oldResolved
	})
}

// --- buildLogger tests ---

func TestBuildLogger_Default(t *testing.T) {
	saveGlobalFlags(t)
	flagVerbose, flagDebug, flagQuiet = false, false, false

	// nil config = bootstrap mode (pre-config).
	logger := buildLogger(nil)

	// Default level is Warn.
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelWarn))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
}

func TestBuildLogger_Verbose(t *testing.T) {
	saveGlobalFlags(t)
	flagVerbose, flagDebug, flagQuiet = true, false, false

	logger := buildLogger(nil)

	// --verbose sets Info, not Debug.
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_Debug(t *testing.T) {
	saveGlobalFlags(t)
	flagVerbose, flagDebug, flagQuiet = false, true, false

	logger := buildLogger(nil)

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_Quiet(t *testing.T) {
	saveGlobalFlags(t)
	flagVerbose, flagDebug, flagQuiet = false, false, true

	logger := buildLogger(nil)

	// Error is enabled, but warn should not be.
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelError))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelWarn))
}

func TestBuildLogger_ConfigLevel(t *testing.T) {
	saveGlobalFlags(t)
	flagVerbose, flagDebug, flagQuiet = false, false, false

	logger := buildLogger(&config.Resolved{LogLevel: "debug", LogFormat: "text"})

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_FlagsOverrideConfig(t *testing.T) {
	saveGlobalFlags(t)

	// Config says error, but --verbose should override to Info.
	flagVerbose, flagDebug, flagQuiet = true, false, false
	logger := buildLogger(&config.Resolved{LogLevel: "error", LogFormat: "text"})
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))

	// Config says error, but --debug should override to Debug.
	flagVerbose, flagDebug, flagQuiet = false, true, false
	logger = buildLogger(&config.Resolved{LogLevel: "error", LogFormat: "text"})
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_JSONFormat(t *testing.T) {
	saveGlobalFlags(t)
	flagVerbose, flagDebug, flagQuiet = false, false, false

	logger := buildLogger(&config.Resolved{LogLevel: "info", LogFormat: "json"})

	assert.IsType(t, &slog.JSONHandler{}, logger.Handler())
}

// --- CLIContext tests ---

func TestCliContextFrom_NilContext(t *testing.T) {
	cc := cliContextFrom(context.Background())
	assert.Nil(t, cc)
}

func TestCliContextFrom_WithCLIContext(t *testing.T) {
	expected := &CLIContext{
		Cfg:    &config.Resolved{PrimaryDSN: "primary.db"},
		Logger: slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
	ctx := context.WithValue(context.Background(), cliContextKey{}, expected)

	cc := cliContextFrom(ctx)
	assert.Equal(t, expected, cc)
	assert.Equal(t, "primary.db", cc.Cfg.PrimaryDSN)
	assert.NotNil(t, cc.Logger)
}

func TestMustCLIContext_PanicsWithoutContext(t *testing.T) {
	assert.Panics(t, func() { mustCLIContext(context.Background()) })
}

// --- Cobra structure tests ---

func TestNewRootCmd_Subcommands(t *testing.T) {
	cmd := newRootCmd()

	expected := []string{"config", "token", "migrate", "transition"}
	for _, name := range expected {
		found := false

		for _, sub := range cmd.Commands() {
			if sub.Name() == name {
				found = true

				break
			}
		}

		assert.True(t, found, "expected subcommand %q not found", name)
	}
}

func TestNewRootCmd_PersistentFlags(t *testing.T) {
	cmd := newRootCmd()

	expectedFlags := []string{"config", "json", "verbose", "debug", "quiet"}
	for _, name := range expectedFlags {
		flag := cmd.PersistentFlags().Lookup(name)
		assert.NotNil(t, flag, "expected persistent flag %q not found", name)
	}
}

func TestNewRootCmd_MutualExclusivity(t *testing.T) {
	saveGlobalFlags(t)

	// Cobra enforces mutual exclusivity during Execute(). Uses "token
	// encode" because it skips config loading, so a missing config file
	// cannot mask the mutual exclusivity error.
	pairs := [][]string{
		{"--verbose", "--debug"},
		{"--verbose", "--quiet"},
		{"--debug", "--quiet"},
	}

	for _, flags := range pairs {
		t.Run(flags[0]+"_"+flags[1], func(t *testing.T) {
			cmd := newRootCmd()
			cmd.SetArgs(append(flags, "token", "encode", "0"))

			err := cmd.Execute()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "none of the others can be")
		})
	}
}

// --- PersistentPreRunE / config resolution ---

func TestPersistentPreRunE_TokenSkipsConfig(t *testing.T) {
	saveGlobalFlags(t)
	resolvedCfg = nil

	cmd := newRootCmd()

	// The annotation sits on the "token" group, not on "decode" itself;
	// the skip must still apply to the subcommand.
	sub, _, err := cmd.Find([]string{"token", "decode"})
	require.NoError(t, err)

	sub.SetContext(context.Background())

	require.NoError(t, cmd.PersistentPreRunE(sub, nil))
	assert.Nil(t, cliContextFrom(sub.Context()), "skip-config commands get no CLIContext")
	assert.Nil(t, resolvedCfg)
}

func TestPersistentPreRunE_LoadsDefaultsWithoutConfigFile(t *testing.T) {
	saveGlobalFlags(t)
	flagConfigPath = ""

	cmd := newRootCmd()

	sub, _, err := cmd.Find([]string{"config", "show"})
	require.NoError(t, err)

	sub.SetContext(context.Background())

	require.NoError(t, cmd.PersistentPreRunE(sub, nil))

	cc := cliContextFrom(sub.Context())
	require.NotNil(t, cc)
	require.NotNil(t, cc.Cfg)
	assert.Equal(t, 150, cc.Cfg.DefaultLimit)
	assert.NotNil(t, cc.Logger)
	assert.Same(t, cc.Cfg, resolvedCfg)
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	saveGlobalFlags(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := "[sync]\nmax_sync_limit = 400\n\n[storage]\nsecondary_dsn = \"other.db\"\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	// newRootCmd rebinds --config and resets flagConfigPath to its default,
	// so the path is set after the command is built.
	cmd := newRootCmd()
	flagConfigPath = path
	require.NoError(t, loadConfig(cmd))

	cc := cliContextFrom(cmd.Context())
	require.NotNil(t, cc)
	assert.Equal(t, 400, cc.Cfg.MaxSyncLimit)
	assert.Equal(t, "other.db", cc.Cfg.SecondaryDSN)
	// Unset keys keep their defaults.
	assert.Equal(t, 150, cc.Cfg.DefaultLimit)
}

func TestLoadConfig_InvalidFileFails(t *testing.T) {
	saveGlobalFlags(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[sync]\npage_size = -3\n"), 0o600))

	cmd := newRootCmd()
	flagConfigPath = path
	err := loadConfig(cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page_size")
}
