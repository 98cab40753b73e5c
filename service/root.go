// Package service holds the commands of the backfila binary and wires its components together.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/backfila/backfila/service/datastore/migrations"
	"github.com/backfila/backfila/version"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(DBCmd)
	RootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "show the version and exit")

	MigrateCmd.AddCommand(MigrateVersionCmd)
	MigrateStatusCmd.Flags().BoolVarP(&upToDateCheck, "up-to-date", "u", false, "check if all known migrations are applied")
	MigrateCmd.AddCommand(MigrateStatusCmd)
	MigrateUpCmd.Flags().BoolVarP(&dryRun, "dry-run", "d", false, "do not commit changes to the database")
	MigrateUpCmd.Flags().VarP(nullableInt{&maxNumMigrations}, "limit", "n", "limit the number of migrations (all by default)")
	MigrateCmd.AddCommand(MigrateUpCmd)
	MigrateDownCmd.Flags().BoolVarP(&force, "force", "f", false, "no confirmation message")
	MigrateDownCmd.Flags().BoolVarP(&dryRun, "dry-run", "d", false, "do not commit changes to the database")
	MigrateDownCmd.Flags().VarP(nullableInt{&maxNumMigrations}, "limit", "n", "limit the number of migrations (all by default)")
	MigrateDownCmd.PreRunE = setBoolFlagWithEnv("BACKFILA_MIGRATIONS_FORCE", "force")
	MigrateCmd.AddCommand(MigrateDownCmd)
	DBCmd.AddCommand(MigrateCmd)

	RootCmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return fmt.Errorf("%w\n\n%s", err, c.UsageString())
	})

	viper.AutomaticEnv()
}

// Command flag vars
var (
	dryRun           bool
	force            bool
	maxNumMigrations *int
	showVersion      bool
	upToDateCheck    bool
)

// nullableInt implements spf13/pflag#Value as a custom nullable integer to capture spf13/cobra command flags.
// https://pkg.go.dev/github.com/spf13/pflag?tab=doc#Value
type nullableInt struct {
	ptr **int
}

func (f nullableInt) String() string {
	if *f.ptr == nil {
		return "0"
	}
	return strconv.Itoa(**f.ptr)
}

func (nullableInt) Type() string {
	return "int"
}

func (f nullableInt) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*f.ptr = &v
	return nil
}

// setBoolFlagWithEnv binds a boolean flag to an environment variable and overrides the flag if the env var is set.
// It returns an error if the binding or setting fails.
func setBoolFlagWithEnv(envVarKey, flagName string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		if err := viper.BindPFlag(envVarKey, cmd.Flags().Lookup(flagName)); err != nil {
			return fmt.Errorf("error binding env var %q to flag %q: %w", envVarKey, flagName, err)
		}

		if !cmd.Flags().Changed(flagName) {
			if viper.IsSet(envVarKey) {
				value := viper.GetBool(envVarKey)
				if err := cmd.Flags().Set(flagName, strconv.FormatBool(value)); err != nil {
					return fmt.Errorf("error setting flag %q from env var %q: %w", flagName, envVarKey, err)
				}
			}
		}
		return nil
	}
}

// migrationLimit returns the number of migrations to apply or revert, zero meaning all of them.
func migrationLimit() (int, error) {
	if maxNumMigrations == nil {
		return 0, nil
	}
	if *maxNumMigrations < 1 {
		return 0, errors.New("limit must be greater than or equal to 1")
	}
	return *maxNumMigrations, nil
}

// RootCmd is the main command for the 'backfila' binary.
var RootCmd = &cobra.Command{
	Use:           "backfila",
	Short:         "`backfila`",
	Long:          "`backfila` runs backfills in batches against the services that registered them.",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if showVersion {
			version.PrintVersion()
			return nil
		}
		return cmd.Usage()
	},
}

// DBCmd is the `database` command, managing the backfila database.
var DBCmd = &cobra.Command{
	Use:   "database",
	Short: "Manages the backfila database",
	Long:  "Manages the backfila database",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Usage()
	},
}

// MigrateCmd is the `migrate` sub-command of `database` that manages database migrations.
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage migrations",
	Long:  "Manage migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Usage()
	},
}

// Migrator is the subset of migrations.Migrator used by the migrate commands.
type Migrator interface {
	UpN(n int) (int, error)
	UpNPlan(n int) ([]string, error)
	DownN(n int) (int, error)
	DownNPlan(n int) ([]string, error)
	Version() (string, error)
	Status() (map[string]*migrations.MigrationStatus, error)
}

// newMigrator connects to the configured database. Replaced in tests.
var newMigrator = func(args []string) (Migrator, func() error, error) {
	config, err := resolveConfiguration(args)
	if err != nil {
		return nil, nil, fmt.Errorf("configuration error: %w", err)
	}

	db, err := migrationDBFromConfig(context.Background(), config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to construct database connection: %w", err)
	}

	return migrations.NewMigrator(db.DB), db.Close, nil
}

// MigrateUpCmd is the `up` sub-command of `database migrate` that applies pending migrations.
var MigrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply up migrations",
	Long:  "Apply up migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, err := migrationLimit()
		if err != nil {
			return err
		}

		m, closeFn, err := newMigrator(args)
		if err != nil {
			return err
		}
		defer closeFn()

		plan, err := m.UpNPlan(limit)
		if err != nil {
			return fmt.Errorf("failed to prepare Up plan: %w", err)
		}
		if len(plan) > 0 {
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(plan, "\n"))
		}

		if !dryRun {
			start := time.Now()
			n, err := m.UpN(limit)
			if err != nil {
				return fmt.Errorf("failed to run database migrations: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK: applied %d migration(s) in %.3fs\n", n, time.Since(start).Seconds())
		}

		return nil
	},
}

// MigrateDownCmd is the `down` sub-command of `database migrate` that reverts applied migrations.
var MigrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Apply down migrations",
	Long:  "Apply down migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, err := migrationLimit()
		if err != nil {
			return err
		}

		m, closeFn, err := newMigrator(args)
		if err != nil {
			return err
		}
		defer closeFn()

		plan, err := m.DownNPlan(limit)
		if err != nil {
			return fmt.Errorf("failed to prepare Down plan: %w", err)
		}
		if len(plan) == 0 {
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), strings.Join(plan, "\n"))

		if dryRun {
			return nil
		}

		if !force {
			var response string
			fmt.Fprint(cmd.OutOrStdout(), "Preparing to apply the above down migrations. Are you sure? [y/N] ")
			_, err := fmt.Fscanln(cmd.InOrStdin(), &response)
			if err != nil && errors.Is(err, io.EOF) {
				return fmt.Errorf("failed to scan user input: %w", err)
			}
			if !regexp.MustCompile(`(?i)^y(es)?$`).MatchString(response) {
				return nil
			}
		}

		start := time.Now()
		n, err := m.DownN(limit)
		if err != nil {
			return fmt.Errorf("failed to run database migrations: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "OK: reverted %d migration(s) in %.3fs\n", n, time.Since(start).Seconds())

		return nil
	},
}

// MigrateVersionCmd is the `version` sub-command of `database migrate` that shows the current migration version.
var MigrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show current migration version",
	Long:  "Show current migration version",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeFn, err := newMigrator(args)
		if err != nil {
			return err
		}
		defer closeFn()

		v, err := m.Version()
		if err != nil {
			return fmt.Errorf("failed to detect database version: %w", err)
		}
		if v == "" {
			v = "Unknown"
		}

		fmt.Fprintln(cmd.OutOrStdout(), v)
		return nil
	},
}

// MigrateStatusCmd is the `status` sub-command of `database migrate` that shows the migrations status.
var MigrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	Long:  "Show migration status",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeFn, err := newMigrator(args)
		if err != nil {
			return err
		}
		defer closeFn()

		statuses, err := m.Status()
		if err != nil {
			return fmt.Errorf("failed to detect database status: %w", err)
		}

		if upToDateCheck {
			upToDate := true
			for _, s := range statuses {
				if s.AppliedAt == nil {
					upToDate = false
					break
				}
			}
			if _, err := fmt.Fprintln(cmd.OutOrStdout(), upToDate); err != nil {
				return fmt.Errorf("printing line: %w", err)
			}
			return nil
		}

		table := tablewriter.NewWriter(cmd.OutOrStdout())
		table.Header([]string{"Migration", "Applied"})

		// Display table rows sorted by migration ID
		ids := make([]string, 0, len(statuses))
		for id := range statuses {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			name := id
			if statuses[id].Unknown {
				name += " (unknown)"
			}

			var appliedAt string
			if statuses[id].AppliedAt != nil {
				appliedAt = statuses[id].AppliedAt.String()
			}

			if err := table.Append([]string{name, appliedAt}); err != nil {
				return fmt.Errorf("appending table: %w", err)
			}
		}
		if err := table.Render(); err != nil {
			return fmt.Errorf("rendering table: %w", err)
		}

		return nil
	},
}
