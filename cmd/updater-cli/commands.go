package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vrsandeep/updatekit/internal/auth"
	"github.com/vrsandeep/updatekit/internal/core"
	"github.com/vrsandeep/updatekit/internal/host"
	"github.com/vrsandeep/updatekit/internal/models"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "updater-cli",
		Short:        "Check, install and roll back package updates",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "path to config.yml (default ./config.yml)")

	root.AddCommand(
		newCheckCmd(),
		newInstallCmd(),
		newRollbackCmd(),
		newStatusCmd(),
		newSettingsCmd(),
		newClearFatalCmd(),
		newHashTokenCmd(),
	)
	return root
}

// withApp opens the application for the duration of fn. The command line
// is operated by someone with access to the installation, so the context
// carries the package modification capability.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *core.App) error) error {
	configPath, _ := cmd.Flags().GetString("config")
	app, err := core.New(configPath)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = fn(host.WithCapability(ctx), app)
	printAudit(cmd.ErrOrStderr(), app.AuditLog().Entries())
	return err
}

func printAudit(w io.Writer, entries []models.AuditEntry) {
	for _, e := range entries {
		fmt.Fprintf(w, "[%s] %s: %s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Status, e.Message)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check the release feed for a newer version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			return withApp(cmd, func(ctx context.Context, app *core.App) error {
				desc, err := app.CheckForUpdates(ctx, force)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if desc == nil {
					fmt.Fprintln(out, "No newer release available.")
					return nil
				}
				fmt.Fprintf(out, "Version %s is available (%s)\n", desc.Version(), desc.ReleaseURL())
				if !desc.HasPackage() {
					fmt.Fprintln(out, "The release has no installable package.")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolP("force", "f", false, "bypass the cached answer")
	return cmd
}

func newInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install the newest release",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *core.App) error {
				desc, err := app.InstallLatest(ctx)
				if err != nil {
					return err
				}
				if desc == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "Already up to date.")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Installed version %s.\n", desc.Version())
				return nil
			})
		},
	}
}

func newRollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback",
		Short: "Restore the version saved before the last update",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *core.App) error {
				if err := app.Orchestrator().RollbackToPreviousVersion(ctx); err != nil {
					return err
				}
				v, _ := app.Host().CurrentInstalledVersion()
				fmt.Fprintf(cmd.OutOrStdout(), "Rolled back to version %s.\n", v)
				return nil
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the installed version, update state and backup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *core.App) error {
				return printJSON(cmd.OutOrStdout(), app.Status())
			})
		},
	}
}

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the update settings",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the current update settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *core.App) error {
				return printJSON(cmd.OutOrStdout(), app.Settings())
			})
		},
	}

	set := &cobra.Command{
		Use:   "set",
		Short: "Change update settings; unspecified flags keep their values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *core.App) error {
				settings := app.Settings()
				flags := cmd.Flags()
				if flags.Changed("owner") {
					settings.RepositoryOwner, _ = flags.GetString("owner")
				}
				if flags.Changed("repo") {
					settings.RepositoryName, _ = flags.GetString("repo")
				}
				if flags.Changed("channel") {
					channel, _ := flags.GetString("channel")
					settings.UpdateChannel = models.UpdateChannel(channel)
				}
				if flags.Changed("cache-lifetime") {
					settings.CacheLifetime, _ = flags.GetInt("cache-lifetime")
				}
				if flags.Changed("auto-update") {
					settings.AutoUpdateEnabled, _ = flags.GetBool("auto-update")
				}

				updated, err := app.UpdateSettings(settings)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), updated)
			})
		},
	}
	set.Flags().String("owner", "", "repository owner")
	set.Flags().String("repo", "", "repository name")
	set.Flags().String("channel", "", "update channel: stable or all")
	set.Flags().Int("cache-lifetime", 0, "seconds to cache a release check (minimum 3600)")
	set.Flags().Bool("auto-update", false, "install new releases automatically")

	cmd.AddCommand(show, set)
	return cmd
}

func newClearFatalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-fatal",
		Short: "Allow installs again after a failed rollback was repaired by hand",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *core.App) error {
				if err := app.Orchestrator().ClearFatal(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Fatal state cleared.")
				return nil
			})
		},
	}
}

func newHashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token [token]",
		Short: "Print the bcrypt hash to put in auth.token_hash",
		Long: `Hashes the given admin API token for the auth.token_hash setting.
Without an argument a random token is generated and printed first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				generated, err := auth.GenerateToken()
				if err != nil {
					return fmt.Errorf("failed to generate token: %w", err)
				}
				token = generated
				fmt.Fprintf(out, "token: %s\n", token)
			}
			hash, err := auth.HashToken(token)
			if err != nil {
				return fmt.Errorf("failed to hash token: %w", err)
			}
			fmt.Fprintf(out, "hash:  %s\n", hash)
			return nil
		},
	}
}
