package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := buildRoot(newCommand(os.Stdout, os.Stderr))
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command with all subcommands attached
func buildRoot(c *command) *cobra.Command {
	globalFlags := &GlobalFlags{}

	root := createRootCommand(globalFlags)
	root.SetOut(c.out)
	root.SetErr(c.errOut)
	root.AddCommand(
		createRunCommand(c, globalFlags, &RunFlags{}),
		createStatusCommand(c, globalFlags, &StatusFlags{}),
		createUnlockCommand(c, globalFlags, &UnlockFlags{}),
		createFilterCommand(c, globalFlags),
		createFakeLMSCommand(c, &FakeLMSFlags{}),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "sisupload",
		Short: "Upload SIS CSV extracts to the LMS one import at a time",
		Long: `sisupload filters SIS CSV extracts and uploads them through the LMS SIS
Import API. A lock file in the state directory makes sure only one upload
runs per host; a run whose predecessor crashed or timed out recovers
automatically and notes it in saving_throws.txt.

Examples:
  sisupload run --config /etc/sisupload.toml
  sisupload run --upload-only
  sisupload status --json
  sisupload unlock --force`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	return root
}

// createRunCommand creates the run subcommand
func createRunCommand(c *command, g *GlobalFlags, f *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Filter and upload every configured extract",
		Long: `Claim the lock, then for each stem in order: filter <input_dir>/<stem>.csv
into <output_dir>/<stem>.csv, wait for the previous import to finish and
start a new one. The lock ends holding the id of the last import.

Exits non-zero without touching the lock when another run is alive or
when the lock records an illegal state.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(cmd.Context(), *g, *f)
		},
	}
	cmd.Flags().BoolVar(&f.UploadOnly, "upload-only", false, "skip filtering and upload what is in output_dir")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print the run summary as JSON")
	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(c *command, g *GlobalFlags, f *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the lock file state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(*g, *f)
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print as JSON")
	return cmd
}

// createUnlockCommand creates the unlock subcommand
func createUnlockCommand(c *command, g *GlobalFlags, f *UnlockFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Clear a stuck lock",
		Long: `Clear a lock left behind by a run that died. A Working lock whose owner is
gone is reset to its last job id. Timed out and illegal states are only
cleared with --force. A lock held by a live process is never cleared.

Examples:
  sisupload unlock
  sisupload unlock --force --rerun`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Unlock(cmd.Context(), *g, *f)
		},
	}
	cmd.Flags().BoolVar(&f.Force, "force", false, "also clear timed out and illegal states")
	cmd.Flags().BoolVar(&f.Rerun, "rerun", false, "start a run after the lock was cleared")
	return cmd
}

// createFilterCommand creates the filter subcommand
func createFilterCommand(c *command, g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "filter [stem...]",
		Short: "Filter extracts without uploading",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Filter(*g, args)
		},
	}
}

// createFakeLMSCommand creates the hidden fake-lms subcommand
func createFakeLMSCommand(c *command, f *FakeLMSFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:    "fake-lms",
		Short:  "Serve a scripted SIS Import API for dry runs",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.FakeLMS(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "127.0.0.1:8089", "listen address")
	cmd.Flags().StringVar(&f.Token, "token", "", "bearer token to require (empty accepts any)")
	cmd.Flags().IntVar(&f.FirstID, "first-id", 1, "id of the first import")
	cmd.Flags().IntVar(&f.Polls, "polls", 1, "polls before an import reports imported")
	return cmd
}
