package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"rewind/internal/app"
	"rewind/internal/config"
	"rewind/internal/prompt"
	"rewind/internal/rewind"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// exitError carries a non-default exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(app.ExitFailed)
	}
}

func loadConfig() (*config.Config, string, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, "", fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults.ConfigPath)
	if err != nil {
		return nil, "", fmt.Errorf("reading config: %w", err)
	}
	return cfg, defaults.ConfigPath, nil
}

// newApp reads the config and creates a RewindApp. The caller must defer a.Close().
// command identifies the CLI command being run (e.g. "backup", "restore").
func newApp(cmd *cobra.Command, command, parameters string) (*app.RewindApp, error) {
	cfg, path, err := loadConfig()
	if err != nil {
		return nil, err
	}
	verbose, _ := cmd.Flags().GetBool("verbose")
	a, err := app.NewRewindApp(cmd.Context(), cfg, command, app.Options{
		ConfigPath: path,
		Parameters: parameters,
		Verbose:    verbose,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// finish prints the report and turns the outcome into the exit status.
func finish(report *rewind.Report, err error) error {
	if report != nil {
		if werr := app.WriteReport(os.Stdout, report); werr != nil {
			return werr
		}
	}
	code := app.ExitCode(report, err)
	if code == app.ExitOK {
		return nil
	}
	if err == nil {
		err = fmt.Errorf("%s finished %s", report.Operation, report.Outcome())
	}
	return &exitError{code: code, err: err}
}

var rootCmd = &cobra.Command{
	Use:          "rewind",
	Short:        "Back up, restore and migrate a self-hosted container host",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, defaults.BaseDir)
		cfg.LogDir = defaults.LogDir

		if err := config.Init(defaults.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults.ConfigPath)
		fmt.Printf("Host ID: %s\n", hostID)
		fmt.Printf("Base Dir: %s\n", defaults.BaseDir)
		fmt.Println("Edit data_roots, stacks_dir and [control_plane] before the first backup.")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", path)
		fmt.Printf("Host ID:       %s\n", cfg.HostID)
		fmt.Printf("Data roots:    %s\n", strings.Join(cfg.DataRoots, ", "))
		fmt.Printf("Stacks dir:    %s\n", cfg.StacksDir)
		fmt.Printf("Backup dir:    %s\n", cfg.BackupDir)
		fmt.Printf("Core stacks:   %s\n", strings.Join(cfg.CoreStacks, ", "))
		fmt.Printf("Control plane: %s (endpoint %d)\n", cfg.ControlPlane.URL, cfg.ControlPlane.EndpointID)
		fmt.Printf("Vault:         %s\n", cfg.Vault.Type)
		fmt.Printf("Encryption:    %s\n", cfg.Encryption.Type)
		fmt.Printf("Log Dir:       %s\n", cfg.LogDir)
		if err := cfg.Validate(); err != nil {
			fmt.Printf("\nWarning: %v\n", err)
		}
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage snapshot encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the key pair used to encrypt snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		pass, err := prompt.ReadPassphrase("New key passphrase")
		if err != nil {
			return err
		}
		again, err := prompt.ReadPassphrase("Repeat passphrase")
		if err != nil {
			return err
		}
		if string(pass) != string(again) {
			return errors.New("passphrases do not match")
		}
		recipient, err := app.InitKeys(cfg.Encryption, string(pass))
		if err != nil {
			return fmt.Errorf("initializing keys: %w", err)
		}
		fmt.Printf("Recipient:   %s\n", recipient)
		fmt.Printf("Public key:  %s\n", cfg.Encryption.PublicKeyPath)
		fmt.Printf("Private key: %s (keep a copy off this host)\n", cfg.Encryption.PrivateKeyPath)
		return nil
	},
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Take a snapshot of the stacks and data roots",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "backup", "")
		if err != nil {
			return err
		}
		defer a.Close()

		return finish(a.Backup(cmd.Context()))
	},
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Reconcile the host with a snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		selector, _ := cmd.Flags().GetString("snapshot")
		yes, _ := cmd.Flags().GetBool("yes")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		a, err := newApp(cmd, "restore", selector)
		if err != nil {
			return err
		}
		defer a.Close()

		return finish(a.Restore(cmd.Context(), rewind.RestoreRequest{Selector: selector, Yes: yes, DryRun: dryRun}))
	},
}

// migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate --move OLD=NEW [--move OLD=NEW ...]",
	Short: "Move data roots and repoint every stack at the new paths",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetStringArray("move")
		yes, _ := cmd.Flags().GetBool("yes")
		if len(raw) == 0 {
			return errors.New("at least one --move OLD=NEW is required")
		}
		var moves []rewind.RootMove
		for _, r := range raw {
			m, err := app.ParseMove(r)
			if err != nil {
				return err
			}
			moves = append(moves, m)
		}

		a, err := newApp(cmd, "migrate", strings.Join(raw, ","))
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Migrate(cmd.Context(), rewind.MigrateRequest{Moves: moves, Yes: yes})
		if report != nil && report.SnapshotID != "" && app.ExitCode(report, err) != app.ExitOK {
			fmt.Printf("To undo: rewind restore --snapshot %s\n", report.SnapshotID)
		}
		return finish(report, err)
	},
}

// prune command
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete snapshots outside the retention policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "prune", "")
		if err != nil {
			return err
		}
		defer a.Close()

		report, removed, err := a.Prune(cmd.Context())
		if err == nil && len(removed) == 0 {
			fmt.Println("Nothing to prune.")
		}
		return finish(report, err)
	},
}

// snapshots command
var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List local snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "snapshots", "")
		if err != nil {
			return err
		}
		defer a.Close()

		snaps, err := a.Snapshots()
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			fmt.Println("No snapshots.")
			return nil
		}

		for _, s := range snaps {
			kind, stacks := "-", "-"
			if s.Record != nil {
				kind = s.Record.Kind
				stacks = fmt.Sprintf("%d", s.Record.StackCount)
				if s.Record.PartialCount > 0 {
					stacks += fmt.Sprintf(" (%d partial)", s.Record.PartialCount)
				}
			}
			enc := ""
			if s.Encrypted {
				enc = "  [encrypted]"
			}
			fmt.Printf("%s  %s  %-8s  %10d  stacks:%s%s\n",
				s.ID,
				s.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				kind,
				s.Size,
				stacks,
				enc,
			)
		}
		return nil
	},
}

// inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect [SNAPSHOT]",
	Short: "Show what a snapshot contains",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		selector := "latest"
		if len(args) > 0 {
			selector = args[0]
		}

		a, err := newApp(cmd, "inspect", selector)
		if err != nil {
			return err
		}
		defer a.Close()

		snap, names, err := a.Inspect(cmd.Context(), selector)
		if err != nil {
			return err
		}

		fp := snap.Metadata.Fingerprint
		fmt.Printf("Snapshot:    %s\n", snap.ID)
		fmt.Printf("Archive:     %s (%d bytes)\n", snap.ArchivePath, snap.Size)
		fmt.Printf("Captured:    %s by rewind %s\n", snap.Metadata.CapturedAt.Local().Format("2006-01-02 15:04:05"), snap.Metadata.ToolVersion)
		fmt.Printf("Host:        %s (%s/%s, kernel %s)\n", fp.Hostname, fp.OS, fp.Architecture, fp.Kernel)
		if here := a.Fingerprint(); here.Architecture != fp.Architecture {
			fmt.Printf("             differs from this host (%s)\n", here.Architecture)
		}
		fmt.Printf("Roots:       %s\n", strings.Join(snap.Metadata.Roots, ", "))
		fmt.Printf("Entries:     %d\n", len(snap.Metadata.Entries))
		fmt.Printf("Stack state: %s\n", snap.StackState.Format)
		fmt.Println("Stacks:")
		for _, n := range names {
			d := snap.StackState.Find(n)
			switch {
			case d == nil:
				fmt.Printf("  %s  (directory only)\n", n)
			case d.Partial:
				fmt.Printf("  %s  partial: %s\n", n, strings.Join(d.CaptureErrors, "; "))
			default:
				fmt.Printf("  %s\n", n)
			}
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd, "history", "")
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.History(limit)
		if err != nil {
			return err
		}

		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if op.FinishedAt != nil {
				duration = op.FinishedAt.Sub(op.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-8s  %s  %-8s  %-10s  %s\n",
				op.ID,
				op.Operation,
				op.StartedAt.Local().Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
				op.Summary,
			)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug messages to stderr")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// keys subcommands
	keysCmd.AddCommand(keysInitCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	restoreCmd.Flags().StringP("snapshot", "s", "latest", "Snapshot id, archive path or \"latest\"")
	restoreCmd.Flags().BoolP("yes", "y", false, "Confirm destructive steps without prompting")
	restoreCmd.Flags().Bool("dry-run", false, "Print the plan and change nothing")
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().StringArray("move", nil, "Data root move as OLD=NEW (repeatable)")
	migrateCmd.Flags().BoolP("yes", "y", false, "Confirm without prompting")
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(snapshotsCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
}
