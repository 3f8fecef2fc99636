package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/msageha/stampede/internal/logging"
	"github.com/msageha/stampede/internal/setup"
)

// app holds what every subcommand shares: the loaded project, the logger
// and the output streams.
type app struct {
	configPath string
	logLevel   string

	stdout io.Writer
	stderr io.Writer

	project setup.Project
	logger  *logging.Logger
	logFile *os.File
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{stdout: stdout, stderr: stderr, logger: logging.Discard()}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "stampede",
		Short: "Distributed build coordinator",
		Long: `stampede splits a build's target graph into work units and hands them to
minions that build them with the local build tool.

A coordinator serves one build session. Minions on any number of machines
poll it for work until the build is finished. "stampede fleet" runs a
coordinator and several minions in one process.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default: .stampede/config.yaml in this or a parent directory)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (overrides logging.level)")

	root.AddCommand(
		newInitCmd(a),
		newCoordinatorCmd(a),
		newMinionCmd(a),
		newRemoteCmd(a),
		newFleetCmd(a),
		newStatusCmd(a),
		newVersionCmd(a),
	)
	return root
}

func (a *app) load() error {
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("working directory: %w", err)
	}
	p, err := setup.Load(a.configPath, wd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.project = p

	level := p.Config.Logging.Level
	if a.logLevel != "" {
		level = a.logLevel
	}

	out := a.stderr
	if path := p.Config.Logging.File; path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		a.logFile = f
		out = f
	}
	a.logger = logging.New(out, logging.ParseLevel(level), "stampede")
	return nil
}

func (a *app) close() {
	if a.logFile != nil {
		_ = a.logFile.Close()
		a.logFile = nil
	}
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			fmt.Fprintf(a.stdout, "stampede %s\n", version)
			return nil
		},
	}
}

func newInitCmd(a *app) *cobra.Command {
	var executor []string
	cmd := &cobra.Command{
		Use:   "init [project_dir]",
		Short: "Create .stampede/ with a default config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			base, err := setup.Run(dir, executor)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "initialized %s\n", base)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&executor, "executor", nil, "build tool argv, comma separated (default: make)")
	return cmd
}

var errMissingSession = errors.New("--session is required")
