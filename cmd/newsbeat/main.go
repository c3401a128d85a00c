package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"newsbeat/internal/app"
)

type rootOptions struct {
	ConfigPath string
	EnvFile    string
	Shutdown   time.Duration
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "newsbeat",
		Short:         "Periodic news broadcast to live listeners and email subscribers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Variables already set in the process win over the file.
			if opts.EnvFile == "" {
				return nil
			}
			if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("env file %s: %w", opts.EnvFile, err)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "./newsbeat.yaml", "path to config (yaml or json)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file for ${NAME} references (optional)")
	cmd.PersistentFlags().DurationVar(&opts.Shutdown, "shutdown-timeout", 30*time.Second, "graceful shutdown budget")

	cmd.AddCommand(newServeCommand(opts), newCycleCommand(opts), newCheckCommand(opts))
	return cmd
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, live hub and scheduled cycles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			a, err := app.NewApp(opts.ConfigPath, opts.EnvFile)
			if err != nil {
				return err
			}
			if err := a.Start(cmd.Context()); err != nil {
				stopCtx, cancel := context.WithTimeout(context.Background(), opts.Shutdown)
				defer cancel()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return err
			}

			var reason app.StopReason
			select {
			case sig := <-sigs:
				reason = app.StopSIGTERM
				if sig == os.Interrupt {
					reason = app.StopSIGINT
				}
			case <-a.Done():
				reason = app.StopFatalError
			}

			stopCtx, cancel := context.WithTimeout(context.Background(), opts.Shutdown)
			defer cancel()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
}

func newCycleCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run a single broadcast cycle, drain mail and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.NewApp(opts.ConfigPath, opts.EnvFile)
			if err != nil {
				return err
			}
			return a.RunOnce(ctx, opts.Shutdown)
		},
	}
}

func newCheckCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.CheckConfig(opts.ConfigPath, opts.EnvFile); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config ok:", opts.ConfigPath)
			return nil
		},
	}
}
