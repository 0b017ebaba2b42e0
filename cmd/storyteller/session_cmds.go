package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/jrsteele09/go-storyteller-client/internal/config"
	"github.com/jrsteele09/go-storyteller-client/navigation"
	"github.com/jrsteele09/go-storyteller-client/session"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const passwordEnvVar = "STORYTELLER_PASSWORD"

type credentialsFlags struct {
	email    string
	password string
}

func (c *credentialsFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&c.email, "email", "", "account email")
	cmd.Flags().StringVar(&c.password, "password", "", "account password (default $"+passwordEnvVar+")")
	_ = cmd.MarkFlagRequired("email")
}

func (c *credentialsFlags) secret() (string, error) {
	if c.password != "" {
		return c.password, nil
	}
	if p := os.Getenv(passwordEnvVar); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("a password is required: use --password or $%s", passwordEnvVar)
}

func statusCmd(run runner) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Restore the session and show where the app would navigate",
		RunE: run(func(ctx context.Context, a *app, out io.Writer) error {
			snap, err := a.Start(ctx)
			printSession(out, snap)
			return err
		}),
	}
}

func signInCmd(run runner) *cobra.Command {
	creds := &credentialsFlags{}
	cmd := &cobra.Command{
		Use:   "signin",
		Short: "Sign in with email and password",
		RunE: run(func(ctx context.Context, a *app, out io.Writer) error {
			password, err := creds.secret()
			if err != nil {
				return err
			}
			if _, err := a.Start(ctx); err != nil {
				return err
			}
			if _, err := a.auth.SignIn(ctx, creds.email, password); err != nil {
				return err
			}
			printSession(out, a.auth.Session())
			return nil
		}),
	}
	creds.register(cmd)
	return cmd
}

func signUpCmd(run runner) *cobra.Command {
	creds := &credentialsFlags{}
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account; the profile still has to be registered",
		RunE: run(func(ctx context.Context, a *app, out io.Writer) error {
			password, err := creds.secret()
			if err != nil {
				return err
			}
			if _, err := a.Start(ctx); err != nil {
				return err
			}
			if _, err := a.auth.SignUp(ctx, creds.email, password); err != nil {
				return err
			}
			printSession(out, a.auth.Session())
			return nil
		}),
	}
	creds.register(cmd)
	return cmd
}

func signOutCmd(run runner) *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "Sign out and forget the cached credential",
		RunE: run(func(ctx context.Context, a *app, out io.Writer) error {
			if _, err := a.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("signing out without a ready identity provider")
			}
			a.auth.SignOut(ctx)
			printSession(out, a.auth.Session())
			return nil
		}),
	}
}

func refreshCmd(run runner) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Force a credential refresh",
		RunE: run(func(ctx context.Context, a *app, out io.Writer) error {
			if _, err := a.Start(ctx); err != nil {
				return err
			}
			cred, err := a.auth.RefreshCredential(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "credential refreshed, expires %s\n", cred.ExpiresAt.Local().Format(time.RFC1123))
			return nil
		}),
	}
}

func watchCmd(cfg config.Config, run runner) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow session transitions until interrupted",
		RunE: run(func(ctx context.Context, a *app, out io.Writer) error {
			displayAppname(cfg.GetAppName())
			unsubscribe := a.store.Subscribe(func(s session.Session) {
				printSession(out, s)
			})
			defer unsubscribe()

			if metricsAddr != "" {
				server := &http.Server{
					Addr:              metricsAddr,
					Handler:           promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					log.Info().Str("addr", metricsAddr).Msg("serving metrics")
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Err(err).Msg("metrics server stopped")
					}
				}()
				defer server.Close()
			}

			if _, err := a.Start(ctx); err != nil {
				log.Err(err).Msg("session did not initialize")
			}
			<-ctx.Done()
			return nil
		}),
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func printSession(w io.Writer, s session.Session) {
	_, _ = fmt.Fprintf(w, "state: %s\nroute: %s\n", s.State(), navigation.Decide(s))
	if s.Identity != nil {
		email := "-"
		if s.Identity.Email != nil {
			email = *s.Identity.Email
		}
		_, _ = fmt.Fprintf(w, "user:  %s (%s)\n", email, s.Identity.SubjectID)
	}
	if !s.Credential.IsZero() {
		_, _ = fmt.Fprintf(w, "token expires: %s\n", s.Credential.ExpiresAt.Local().Format(time.RFC1123))
	}
	if s.LastError != "" {
		_, _ = fmt.Fprintf(w, "error: %s\n", s.LastError)
	}
}
