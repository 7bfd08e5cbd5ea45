// Package command wires configuration, logging and the pipeline into a CLI.
package command

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/galois26/xwiki-consumer/internal/config"
)

const AppName = "xwiki-consumer"

// Version is overwritten at build time using -ldflags.
var Version = "dev"

// app carries what PersistentPreRunE resolved to the subcommands.
type app struct {
	cfgPath string
	cfg     *config.Config
	log     *slog.Logger
}

func NewRootCmd(version string) *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "Record wiki recent changes made by tracked users",
		Long:          "xwiki-consumer follows the Wikimedia recentchange stream and stores edits by tracked users.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd.ErrOrStderr())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context())
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().StringVar(&a.cfgPath, "config", "", "path to YAML config (optional)")

	cmd.AddCommand(
		newRunCmd(a),
		newMigrateCmd(a),
		newCheckpointCmd(a),
	)
	return cmd
}

func (a *app) load(logOut io.Writer) error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := newLogger(cfg.Log, logOut)
	if err != nil {
		return err
	}
	a.cfg, a.log = cfg, log
	return nil
}

func newLogger(c config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log.format: %s", c.Format)
	}
}
