// Package btctl implements the backtester command line.
package btctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"backtester/api"
	"backtester/backtest"
	"backtester/metrics"
)

// Version is injected by build scripts via -ldflags "-X backtester/internal/btctl.Version=...".
var Version = "dev"

type app struct {
	v        *viper.Viper
	settings Settings
	log      *logrus.Logger
	stdout   io.Writer
	stderr   io.Writer

	settingsPath string
}

// Run executes the command line and returns the process exit code.
func Run(args []string) int {
	root := newRootCmd(os.Stdout, os.Stderr)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{v: newViper(), stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "backtester",
		Short:         "Bar-replay strategy backtester",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.settingsPath, "settings", "", "process settings file (default ./backtester.yaml)")
	pf.String("log-level", "", "log level: trace, debug, info, warn, error")
	pf.String("log-format", "", "log format: text or json")
	_ = a.v.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = a.v.BindPFlag("log.format", pf.Lookup("log-format"))

	root.AddCommand(a.runCmd(), a.serveCmd())
	return root
}

func (a *app) init() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	s, err := loadSettings(a.v, a.settingsPath)
	if err != nil {
		return err
	}
	log, err := newLogger(s.Log, a.stderr)
	if err != nil {
		return err
	}
	a.settings, a.log = s, log
	return nil
}

func (a *app) metrics() *metrics.Replay {
	if !a.settings.Metrics.Enabled {
		return nil
	}
	return metrics.NewReplay()
}

func (a *app) runCmd() *cobra.Command {
	var configPath, outPath, chartDir string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a backtest and write the result as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := backtest.LoadRunConfig(configPath)
			if err != nil {
				return err
			}
			if chartDir != "" {
				cfg.ChartDir = chartDir
			}
			res, err := backtest.NewRunner(a.log, a.metrics()).Run(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return a.writeResult(res, outPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "backtest.yaml", "run config (YAML)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "result file (default stdout)")
	cmd.Flags().StringVar(&chartDir, "chart-dir", "", "write SVG charts here (overrides backtest.chart_dir)")
	return cmd
}

func (a *app) writeResult(res *backtest.Result, path string) error {
	if path == "" {
		return backtest.WriteResultsJSON(a.stdout, res)
	}
	if err := ensureParentDir(path); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := backtest.WriteResultsJSON(f, res); err != nil {
		return err
	}
	a.log.WithField("path", path).Info("result written")
	return f.Close()
}

func (a *app) serveCmd() *cobra.Command {
	var configPath, resultsPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a backtest result over HTTP",
		Long: `Serve loads a result written by "run" (--results) or runs a config first
(--config). Without either the API starts empty.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			m := a.metrics()
			store := api.NewStore()
			res, err := a.loadResult(ctx, configPath, resultsPath, m)
			if err != nil {
				return err
			}
			store.Set(res)

			srv := api.NewServer(store, a.settings.Server.Port, m, a.log)
			errc := make(chan error, 1)
			go func() { errc <- srv.Start() }()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			a.log.Info("shutting down")
			return srv.Shutdown(context.Background())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "run config to execute before serving")
	cmd.Flags().StringVar(&resultsPath, "results", "", "result JSON written by run")
	cmd.Flags().Int("port", 0, "listen port (default from settings)")
	_ = a.v.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	return cmd
}

func (a *app) loadResult(ctx context.Context, configPath, resultsPath string, m *metrics.Replay) (*backtest.Result, error) {
	switch {
	case resultsPath != "":
		f, err := os.Open(resultsPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return backtest.ReadResultsJSON(f)
	case configPath != "":
		cfg, err := backtest.LoadRunConfig(configPath)
		if err != nil {
			return nil, err
		}
		return backtest.NewRunner(a.log, m).Run(ctx, cfg)
	}
	return nil, nil
}
