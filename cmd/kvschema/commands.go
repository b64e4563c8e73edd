package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/asaidimu/go-kvschema/core/schema"
	"github.com/asaidimu/go-kvschema/core/upgrade"
	"github.com/asaidimu/go-kvschema/sqlite"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Open the store, applying pending structural and schema changes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		options := sqlite.DefaultOptions()
		options.Subscriptions = progressSubscriptions(cmd)
		s, err := openStore(cmd.Context(), options)
		if err != nil {
			return err
		}
		defer s.Close()
		return printSummary(cmd, s)
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print the version, schema and record count of an existing store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openStore(cmd.Context(), &sqlite.Options{ReadOnly: true})
		if err != nil {
			return err
		}
		defer s.Close()
		return printSummary(cmd, s)
	},
}

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Classify moving an existing store to --schema without changing it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		newSchema, err := loadSchema()
		if err != nil {
			return err
		}
		if !newSchema.IsValid() {
			return errors.New("compare needs --schema")
		}
		s, err := openStore(cmd.Context(), &sqlite.Options{ReadOnly: true})
		if err != nil {
			return err
		}
		defer s.Close()

		result, diff, err := s.Compare(cmd.Context(), newSchema)
		if err != nil {
			return err
		}
		printDifference(cmd.OutOrStdout(), result, diff)
		return nil
	},
}

// printDifference writes the classification and the index changes in name order.
func printDifference(out io.Writer, result schema.ComparisonResult, diff schema.IndexDifference) {
	fmt.Fprintf(out, "result: %s\n", result)
	for _, name := range slices.Sorted(maps.Keys(diff.Increase)) {
		fmt.Fprintf(out, "create index %s on %v\n", name, diff.Increase[name].Paths())
	}
	for _, name := range slices.Sorted(maps.Keys(diff.Decrease)) {
		fmt.Fprintf(out, "drop index %s\n", name)
	}
}

var putCmd = &cobra.Command{
	Use:   "put KEY VALUE",
	Short: "Store VALUE under KEY",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer s.Close()
		return s.Put(cmd.Context(), []byte(args[0]), []byte(args[1]))
	},
}

var getCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print the value stored under KEY",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer s.Close()
		value, err := s.Get(cmd.Context(), []byte(args[0]))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(value))
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete KEY",
	Short: "Delete the record stored under KEY",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer s.Close()
		return s.Delete(cmd.Context(), []byte(args[0]))
	},
}

// loadSchema reads the --schema file; without one the result is schema.Invalid().
func loadSchema() (*schema.Object, error) {
	path := conf.GetString("schema")
	if path == "" {
		return schema.Invalid(), nil
	}
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema: %w", err)
	}
	obj, err := schema.Parse(string(text))
	if err != nil {
		return nil, fmt.Errorf("parsing schema %s: %w", path, err)
	}
	return obj, nil
}

func openStore(ctx context.Context, options *sqlite.Options) (*sqlite.Store, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	newSchema, err := loadSchema()
	if err != nil {
		return nil, err
	}
	path := conf.GetString("db")
	s, err := sqlite.Open(ctx, path, newSchema, logger, options)
	if err != nil {
		var upErr *upgrade.Error
		if errors.As(err, &upErr) {
			logger.Error("Upgrade aborted", zap.String("state", string(upErr.State)), zap.Error(upErr.Kind))
		}
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return s, nil
}

// progressSubscriptions prints each step and the outcome of the upgrade as the
// upgrade reaches them.
func progressSubscriptions(cmd *cobra.Command) []upgrade.RegisterSubscriptionOptions {
	out := cmd.ErrOrStderr()
	report := func(_ context.Context, ev upgrade.UpgradeEvent) error {
		line := fmt.Sprintf("[%s] %s v%d->v%d", ev.RunID[:8], ev.Type, ev.FromVersion, ev.ToVersion)
		if ev.Step != nil {
			line += " step=" + *ev.Step
		}
		if ev.Comparison != nil {
			line += " comparison=" + *ev.Comparison
		}
		if ev.Error != nil {
			line += " error=" + *ev.Error
		}
		fmt.Fprintln(out, line)
		return nil
	}
	var subs []upgrade.RegisterSubscriptionOptions
	for _, t := range []upgrade.UpgradeEventType{upgrade.UpgradeStep, upgrade.UpgradeSuccess, upgrade.UpgradeFailed} {
		subs = append(subs, upgrade.RegisterSubscriptionOptions{Event: t, Callback: report})
	}
	return subs
}

func printSummary(cmd *cobra.Command, s *sqlite.Store) error {
	ctx := cmd.Context()
	version, err := s.DatabaseVersion(ctx)
	if err != nil {
		return err
	}
	count, err := s.Count(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "version: %d\n", version)
	fmt.Fprintf(out, "records: %d\n", count)
	fmt.Fprintf(out, "read-only: %t\n", s.ReadOnly())
	if s.Schema().IsValid() {
		fmt.Fprintf(out, "schema: %s\n", s.Schema())
		fmt.Fprintf(out, "indexes: %v\n", s.Schema().IndexNames())
	} else {
		fmt.Fprintln(out, "schema: none")
	}
	return nil
}
