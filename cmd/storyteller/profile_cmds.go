package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jrsteele09/go-storyteller-client/backend"
	interrors "github.com/jrsteele09/go-storyteller-client/internal/errors"
	"github.com/spf13/cobra"
)

// ready starts the session and refuses to continue without a signed in user.
func ready(ctx context.Context, a *app) error {
	snap, err := a.Start(ctx)
	if err != nil {
		return err
	}
	if !snap.IsAuthenticated() {
		return fmt.Errorf("%w: run storyteller signin first", interrors.ErrNoSession)
	}
	return nil
}

func profileCmd(run runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage the onboarding profile",
	}

	var (
		reg       backend.Registration
		phone     string
		interests []string
	)
	register := &cobra.Command{
		Use:   "register",
		Short: "Register the parent and child profile",
		RunE: run(func(ctx context.Context, a *app, out io.Writer) error {
			if err := ready(ctx, a); err != nil {
				return err
			}
			if phone != "" {
				reg.Parent.PhoneNumber = &phone
			}
			reg.Child.Interests = interests
			p, err := a.profile.Register(ctx, reg)
			if err != nil {
				return err
			}
			printSession(out, a.auth.Session())
			return printJSON(out, p)
		}),
	}
	register.Flags().StringVar(&reg.Parent.Name, "parent-name", "", "parent name")
	register.Flags().StringVar(&reg.Parent.Email, "parent-email", "", "parent email")
	register.Flags().StringVar(&phone, "phone", "", "parent phone number")
	register.Flags().StringVar(&reg.Child.Name, "child-name", "", "child name")
	register.Flags().IntVar(&reg.Child.Age, "child-age", 0, "child age (1-18)")
	register.Flags().StringSliceVar(&interests, "interest", nil, "child interest, repeatable")
	register.Flags().StringVar(&reg.SystemPrompt, "system-prompt", "", "storytelling instructions")

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the stored profile",
		RunE: run(func(ctx context.Context, a *app, out io.Writer) error {
			if err := ready(ctx, a); err != nil {
				return err
			}
			p, err := a.profile.Fetch(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, p)
		}),
	}

	cmd.AddCommand(register, show)
	return cmd
}

func storyCmd(run runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "story",
		Short: "Generate and list stories",
	}

	generate := &cobra.Command{
		Use:   "generate <prompt>",
		Short: "Generate a story",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app, out io.Writer) error {
				if err := ready(ctx, a); err != nil {
					return err
				}
				manifest, err := a.stories.Generate(ctx, strings.Join(args, " "))
				if err != nil {
					return err
				}
				return printJSON(out, manifest)
			})(cmd, args)
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List generated stories",
		RunE: run(func(ctx context.Context, a *app, out io.Writer) error {
			if err := ready(ctx, a); err != nil {
				return err
			}
			list, err := a.stories.List(ctx)
			if err != nil {
				return err
			}
			for _, s := range list {
				fmt.Fprintf(out, "%s  %s  %s\n", s.StoryID, s.CreatedAt, s.Title)
			}
			return nil
		}),
	}

	cmd.AddCommand(generate, list)
	return cmd
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
