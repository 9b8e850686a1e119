package track

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planstore/planstore/store"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "planstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	assert.Equal(t, 1000, cfg.Max)
	assert.Equal(t, 5000, cfg.MaxPlanLength)
	assert.Equal(t, LevelTop, cfg.Level())
	assert.Equal(t, 0, cfg.MinDuration)
	assert.Equal(t, "file", cfg.PlanStorage)
	assert.True(t, cfg.Save)
	assert.True(t, cfg.LogTiming)
	assert.False(t, cfg.LogAnalyze)

	f, err := cfg.Format()
	require.NoError(t, err)
	assert.Equal(t, store.FormatText, f)
}

func TestConfig_LoadOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
max: 250
max_plan_length: 2000
track: all
min_duration: 50
plan_format: json
plan_storage: inline
save: false
log_triggers: true
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 250, cfg.Max)
	assert.Equal(t, 2000, cfg.MaxPlanLength)
	assert.Equal(t, LevelAll, cfg.Level())
	assert.Equal(t, 50, cfg.MinDuration)
	assert.Equal(t, "inline", cfg.PlanStorage)
	assert.False(t, cfg.Save)
	assert.True(t, cfg.LogTriggers)
	// untouched keys keep their defaults
	assert.True(t, cfg.LogTiming)

	opt := cfg.StoreOptions()
	assert.Equal(t, 250, opt.Capacity)
	assert.Equal(t, 2000, opt.MaxPlanLen)
	assert.False(t, opt.ExternalText)
	assert.False(t, opt.Persist)
}

func TestConfig_Rejects(t *testing.T) {
	t.Parallel()

	for name, body := range map[string]string{
		"unknown key":  "no_such_setting: 1\n",
		"bad level":    "track: everything\n",
		"bad format":   "plan_format: csv\n",
		"bad storage":  "plan_storage: s3\n",
		"negative min": "min_duration: -1\n",
	} {
		path := writeConfig(t, body)
		_, err := LoadConfig(path)
		assert.Error(t, err, name)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"none", "top", "all", "verbose"} {
		l, err := ParseLevel(s)
		require.NoError(t, err)
		assert.Equal(t, s, l.String())
	}
	_, err := ParseLevel("sometimes")
	assert.Error(t, err)
}
