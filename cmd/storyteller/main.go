package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/go-storyteller-client/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version is set by the build system.
var Version = "dev"

type rootOptions struct {
	logLevel string
	offline  bool
}

func main() {
	if err := execute(); err != nil {
		os.Exit(1)
	}
}

func execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd(config.New()).ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}

func rootCmd(cfg config.Config) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "storyteller",
		Short:         "Storyteller session client",
		Long:          "Signs in to the Storyteller identity provider and drives the session the mobile app uses.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return setupLogging(opts.logLevel)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", cfg.GetLogLevel(), "log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&opts.offline, "offline", false, "use an in-memory identity provider and backend")

	run := func(fn func(ctx context.Context, a *app, out io.Writer) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cfg, opts.offline)
			if err != nil {
				return err
			}
			defer a.Close()
			return fn(cmd.Context(), a, cmd.OutOrStdout())
		}
	}

	cmd.AddCommand(
		versionCmd(cfg),
		statusCmd(run),
		signInCmd(run),
		signUpCmd(run),
		signOutCmd(run),
		refreshCmd(run),
		watchCmd(cfg, run),
		profileCmd(run),
		storyCmd(run),
	)
	return cmd
}

// runner builds a cobra RunE that gets a wired app.
type runner func(fn func(ctx context.Context, a *app, out io.Writer) error) func(*cobra.Command, []string) error

func versionCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Run: func(cmd *cobra.Command, _ []string) {
			displayAppname(cfg.GetAppName())
			cmd.Printf("%s client %s (%s)\n", cfg.GetAppName(), Version, cfg.GetEnv())
		},
	}
}

func setupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
