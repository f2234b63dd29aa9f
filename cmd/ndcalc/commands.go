package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/app"
	"github.com/drfirst/go-ndc/internal/config"
	"github.com/drfirst/go-ndc/internal/domain/calculation"
	"github.com/drfirst/go-ndc/internal/fda"
	"github.com/drfirst/go-ndc/internal/orchestrator"
	"github.com/drfirst/go-ndc/internal/rxnorm"
)

type calculator interface {
	Calculate(ctx context.Context, input calculation.Input, progress orchestrator.ProgressFunc) (*calculation.Result, error)
}

type drugSearcher interface {
	Search(ctx context.Context, term string, limit int) []rxnorm.Candidate
}

type packageLookup interface {
	ValidateByCode(ctx context.Context, code string) (*calculation.PackageRecord, error)
}

// backend is what the commands run against
type backend struct {
	calc     calculator
	drugs    drugSearcher
	packages packageLookup
	close    func()
}

type backendLoader func() (*backend, error)

func loadBackend() (*backend, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	// logs go to stderr so stdout stays parseable
	cfg.LogLevel = "warn"
	logger, err := app.NewLogger(cfg)
	if err != nil {
		return nil, err
	}

	s := app.NewServices(cfg, nil, logger)
	return &backend{
		calc:     s.Calculator,
		drugs:    s.RxNorm,
		packages: s.FDA,
		close:    func() { _ = logger.Sync() },
	}, nil
}

func newRootCmd(load backendLoader) *cobra.Command {
	root := &cobra.Command{
		Use:           "ndcalc",
		Short:         "Prescription quantity and package calculator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Duration("timeout", 3*time.Minute, "Overall deadline for the command")

	root.AddCommand(calculateCmd(load))
	root.AddCommand(ndcCmd(load))
	root.AddCommand(drugsCmd(load))
	root.AddCommand(migrateCmd())
	return root
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout <= 0 {
		return context.WithCancel(cmd.Context())
	}
	return context.WithTimeout(cmd.Context(), timeout)
}

func withBackend(load backendLoader, fn func(cmd *cobra.Command, args []string, b *backend) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		b, err := load()
		if err != nil {
			return err
		}
		if b.close != nil {
			defer b.close()
		}
		return fn(cmd, args, b)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func calculateCmd(load backendLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calculate",
		Short: "Calculate the dispense quantity and package selection for a prescription",
		Args:  cobra.NoArgs,
		RunE: withBackend(load, func(cmd *cobra.Command, _ []string, b *backend) error {
			drug, _ := cmd.Flags().GetString("drug")
			sig, _ := cmd.Flags().GetString("sig")
			days, _ := cmd.Flags().GetInt("days")
			rxcui, _ := cmd.Flags().GetString("rxcui")
			quiet, _ := cmd.Flags().GetBool("quiet")

			ctx, cancel := commandContext(cmd)
			defer cancel()

			stderr := cmd.ErrOrStderr()
			result, err := b.calc.Calculate(ctx, calculation.Input{
				DrugName:     drug,
				CanonicalID:  rxcui,
				Instructions: sig,
				DaysSupply:   days,
			}, func(p calculation.Progress) {
				if !quiet {
					fmt.Fprintf(stderr, "[%3d%%] %s\n", p.Percent, p.Message)
				}
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		}),
	}
	cmd.Flags().String("drug", "", "Drug name or package code")
	cmd.Flags().String("sig", "", "Prescription instructions")
	cmd.Flags().Int("days", 30, "Days supply")
	cmd.Flags().String("rxcui", "", "Known concept identifier, skips name resolution")
	cmd.Flags().BoolP("quiet", "q", false, "Suppress progress output")
	_ = cmd.MarkFlagRequired("drug")
	_ = cmd.MarkFlagRequired("sig")
	return cmd
}

func ndcCmd(load backendLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ndc",
		Short: "Package code utilities",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "normalize <code>",
		Short: "Print the 11-digit form of a package code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			normalized := fda.NormalizeNDC(args[0])
			if normalized == "" {
				return calculation.Errorf(calculation.KindValidation, "ndc.normalize", "%q is not a package code", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), normalized)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <code>",
		Short: "Look up a package code in the registry",
		Args:  cobra.ExactArgs(1),
		RunE: withBackend(load, func(cmd *cobra.Command, args []string, b *backend) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			record, err := b.packages.ValidateByCode(ctx, args[0])
			if err != nil {
				return err
			}
			if record == nil {
				return calculation.Errorf(calculation.KindNotFound, "ndc.validate", "package %s not found", args[0])
			}
			return printJSON(cmd.OutOrStdout(), record)
		}),
	})
	return cmd
}

func drugsCmd(load backendLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drugs",
		Short: "Drug name lookups",
	}

	search := &cobra.Command{
		Use:   "search <term>",
		Short: "Suggest drug names for a partial term",
		Args:  cobra.ExactArgs(1),
		RunE: withBackend(load, func(cmd *cobra.Command, args []string, b *backend) error {
			limit, _ := cmd.Flags().GetInt("max")

			ctx, cancel := commandContext(cmd)
			defer cancel()

			out := cmd.OutOrStdout()
			for _, c := range b.drugs.Search(ctx, args[0], limit) {
				fmt.Fprintf(out, "%s\t%s\n", c.CanonicalID, c.Name)
			}
			return nil
		}),
	}
	search.Flags().Int("max", 10, "Maximum suggestions")
	cmd.AddCommand(search)
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply SQL migrations to DATABASE_URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			files, err := migrationFiles(dir)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := app.NewLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := commandContext(cmd)
			defer cancel()

			pool, err := app.OpenDatabase(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			for _, f := range files {
				sql, err := os.ReadFile(f)
				if err != nil {
					return fmt.Errorf("read %s: %w", f, err)
				}
				if _, err := pool.Exec(ctx, string(sql)); err != nil {
					return fmt.Errorf("apply %s: %w", filepath.Base(f), err)
				}
				logger.Info("migration applied", zap.String("file", filepath.Base(f)))
			}
			return nil
		},
	}
	cmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	return cmd
}

// migrationFiles lists the .sql files in dir in apply order
func migrationFiles(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no migrations in %s", dir)
	}
	sort.Strings(files)
	return files, nil
}
