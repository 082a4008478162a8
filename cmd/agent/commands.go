package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sessioncast/relay/internal/agent"
	"github.com/sessioncast/relay/internal/agent/config"
	"github.com/sessioncast/relay/internal/agent/tmux"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type sessionLister interface {
	ListDetailed(ctx context.Context) ([]tmux.SessionInfo, error)
}

// listMux backs the sessions command; tests replace it.
var listMux = func(socket string) sessionLister {
	return tmux.NewServer(socket)
}

type rootOptions struct {
	configPath string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "agent",
		Short:         "Stream local tmux sessions to a relay",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"config file (default $"+config.EnvPath+" or ~/"+config.DefaultFile+")")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newSessionsCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	path, err := config.ResolvePath(opts.configPath)
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Discover tmux sessions and stream them until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			logger := newLogger(opts.debug)
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("loaded configuration",
				zap.String("machine_id", cfg.MachineID),
				zap.String("relay", cfg.Relay),
				zap.Bool("api", cfg.API.Enabled))
			return agent.NewTmuxRunner(cfg, logger).Run(ctx)
		},
	}
}

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List local tmux sessions and the relay ids they stream as",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			sessions, err := listMux(cfg.TmuxSocket).ListDetailed(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tRELAY ID\tWINDOWS\tATTACHED")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%d\t%t\n", s.Name, cfg.SessionID(s.Name), s.Windows, s.Attached)
			}
			return w.Flush()
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
