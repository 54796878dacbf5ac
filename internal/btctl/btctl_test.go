package btctl

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backtester/backtest"
	"backtester/replay"
)

func TestSettingsDefaults(t *testing.T) {
	s, err := loadSettings(newViper(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit settings file must exist")

	s, err = loadSettings(newViper(), "")
	require.NoError(t, err)
	assert.Equal(t, "info", s.Log.Level)
	assert.Equal(t, "text", s.Log.Format)
	assert.Equal(t, 8080, s.Server.Port)
	assert.True(t, s.Metrics.Enabled)
}

func TestSettingsFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n  format: json\nserver:\n  port: 9090\n"), 0o644))
	t.Setenv("BACKTESTER_SERVER_PORT", "7070")

	s, err := loadSettings(newViper(), path)
	require.NoError(t, err)
	assert.Equal(t, "warn", s.Log.Level)
	assert.Equal(t, "json", s.Log.Format)
	assert.Equal(t, 7070, s.Server.Port, "environment beats the file")
}

func TestNewLogger(t *testing.T) {
	var stderr bytes.Buffer
	file := filepath.Join(t.TempDir(), "logs", "bt.log")

	log, err := newLogger(LogSettings{Level: "debug", Format: "json", File: file, MaxSizeMB: 1}, &stderr)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())

	log.WithField("symbol", "ES").Debug("hello")
	assert.Contains(t, stderr.String(), `"symbol":"ES"`)
	raw, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "hello")

	_, err = newLogger(LogSettings{Level: "loud"}, &stderr)
	assert.Error(t, err)
	_, err = newLogger(LogSettings{Level: "info", Format: "xml"}, &stderr)
	assert.Error(t, err)
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	csv := "date,open,high,low,close\n2014-03-03,100,105,95,100\n2014-03-04,100,106,96,101\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ES.csv"), []byte(csv), 0o644))
	cfgPath := filepath.Join(dir, "run.yaml")
	yml := fmt.Sprintf("backtest:\n  initial_cash: 5000\n  data:\n    dir: %q\n  instruments:\n    - symbol: ES\nstrategy:\n  type: none\n", dir)
	require.NoError(t, os.WriteFile(cfgPath, []byte(yml), 0o644))
	out := filepath.Join(dir, "out", "result.json")

	var stdout, stderr bytes.Buffer
	root := newRootCmd(&stdout, &stderr)
	charts := filepath.Join(dir, "charts")
	root.SetArgs([]string{"run", "-c", cfgPath, "-o", out, "--chart-dir", charts, "--log-level", "error"})
	require.NoError(t, root.Execute())
	assert.FileExists(t, filepath.Join(charts, "equity.svg"))
	assert.FileExists(t, filepath.Join(charts, "ES.svg"))

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	res, err := backtest.ReadResultsJSON(f)
	require.NoError(t, err)
	assert.Equal(t, "none", res.Strategy)
	assert.Equal(t, 5000.0, res.FinalEquity)
	assert.Len(t, res.EquityCurve, 2)
}

func TestRunCommandToStdout(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ES.csv"), []byte("date,open,high,low,close\n2014-03-03,1,1,1,1\n"), 0o644))
	cfgPath := filepath.Join(dir, "run.yaml")
	yml := fmt.Sprintf("backtest:\n  data:\n    dir: %q\n  instruments:\n    - symbol: ES\n", dir)
	require.NoError(t, os.WriteFile(cfgPath, []byte(yml), 0o644))

	var stdout, stderr bytes.Buffer
	root := newRootCmd(&stdout, &stderr)
	root.SetArgs([]string{"run", "--config", cfgPath, "--log-level", "error"})
	require.NoError(t, root.Execute())
	assert.Contains(t, stdout.String(), `"run_id"`)
}

func TestRunCommandBadConfig(t *testing.T) {
	var stdout, stderr bytes.Buffer
	root := newRootCmd(&stdout, &stderr)
	root.SetArgs([]string{"run", "-c", filepath.Join(t.TempDir(), "nope.yaml")})
	assert.Error(t, root.Execute())
}

func TestRunCommandWritesNothingOnReplayError(t *testing.T) {
	dir := t.TempDir()
	csv := "date,open,high,low,close\n2014-03-03,100,105,95,100\n2014-03-03,100,105,95,100\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ES.csv"), []byte(csv), 0o644))
	cfgPath := filepath.Join(dir, "run.yaml")
	yml := fmt.Sprintf("backtest:\n  data:\n    dir: %q\n  instruments:\n    - symbol: ES\nstrategy:\n  type: none\n", dir)
	require.NoError(t, os.WriteFile(cfgPath, []byte(yml), 0o644))
	out := filepath.Join(dir, "result.json")

	var stdout, stderr bytes.Buffer
	root := newRootCmd(&stdout, &stderr)
	root.SetArgs([]string{"run", "-c", cfgPath, "-o", out, "--log-level", "error"})
	assert.ErrorIs(t, root.Execute(), replay.ErrDuplicateBar)
	assert.NoFileExists(t, out)
	assert.Empty(t, stdout.String())

	a := &app{v: newViper(), stdout: &stdout, stderr: &stderr}
	require.NoError(t, a.init())
	a.log.SetOutput(&stderr)
	res, err := a.loadResult(context.Background(), cfgPath, "", nil)
	assert.ErrorIs(t, err, replay.ErrDuplicateBar)
	assert.Nil(t, res)
}
