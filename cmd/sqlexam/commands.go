package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"sqlexam"
	"sqlexam/internal/config"
	"sqlexam/internal/oracle"
	"sqlexam/internal/schema"
	"sqlexam/internal/util"
)

type rootOptions struct {
	configPath string
	schemaPath string
	dbPath     string
	cacheDir   string
	seed       int64
	verbose    bool

	cfg config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "sqlexam",
		Short:         "Decide or estimate SQL query equivalence",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if opts.cacheDir != "" {
				cfg.CacheDir = opts.cacheDir
			}
			if cmd.Flags().Changed("seed") {
				cfg.Seed = opts.seed
			}
			if opts.verbose {
				cfg.Logging.Verbose = true
			}
			if err := util.SetupLogging(cfg.Logging.Verbose, cfg.Logging.LogFile); err != nil {
				return err
			}
			if data, err := yaml.Marshal(&cfg); err == nil {
				util.Debugf("config:\n%s", string(data))
			}
			opts.cfg = cfg
			return nil
		},
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to YAML config file")
	flags.StringVar(&opts.schemaPath, "schema", "", "DDL script or SQLite file describing the schema")
	flags.StringVar(&opts.dbPath, "db", "", "existing SQLite database; supplies the schema and an extra comparison")
	flags.StringVar(&opts.cacheDir, "cache-dir", "", "instance cache directory (overrides config)")
	flags.Int64Var(&opts.seed, "seed", 0, "base seed (overrides config)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newCanonCommand(opts))
	cmd.AddCommand(newEquivCommand(opts))
	cmd.AddCommand(newEstimateCommand(opts))
	cmd.AddCommand(newSynthCommand(opts))
	cmd.AddCommand(newPurgeCommand(opts))
	return cmd
}

func (o *rootOptions) loadSchema(ctx context.Context) (*schema.Schema, error) {
	path := o.schemaPath
	if path == "" {
		path = o.dbPath
	}
	if path == "" {
		return nil, errors.New("one of --schema or --db is required")
	}
	return sqlexam.LoadSchemaFromFile(ctx, path)
}

func (o *rootOptions) checker() (*sqlexam.Checker, error) {
	return sqlexam.New(o.cfg)
}

func newCanonCommand(opts *rootOptions) *cobra.Command {
	var showTree bool
	cmd := &cobra.Command{
		Use:   "canon <sql>",
		Short: "Print the canonical form of a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.loadSchema(cmd.Context())
			if err != nil {
				return err
			}
			c, err := opts.checker()
			if err != nil {
				return err
			}
			out, err := c.Canonicalize(args[0], s)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, out.SQL)
			if len(out.OrderKeys) > 0 {
				fmt.Fprintf(w, "order: %s\n", strings.Join(out.OrderKeys, ", "))
			}
			if showTree {
				fmt.Fprintln(w, out.Tree.String())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showTree, "tree", false, "also print the canonical tree")
	return cmd
}

func newEquivCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "equiv <reference-sql> <candidate-sql>",
		Short: "Check two queries syntactically, falling back to random databases",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := opts.loadSchema(ctx)
			if err != nil {
				return err
			}
			c, err := opts.checker()
			if err != nil {
				return err
			}
			v, err := c.Check(ctx, s, args[0], args[1])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "equivalent: %t\nmethod: %s\nratio: %.4f\n", v.Equivalent, v.Method, v.Ratio)
			if v.Reason != "" {
				fmt.Fprintf(w, "reason: %s\n", v.Reason)
			}
			if v.Estimate != nil {
				writeEstimate(w, *v.Estimate)
			}
			if opts.dbPath != "" {
				out, err := c.CompareOnDatabase(ctx, opts.dbPath, args[0], args[1])
				if err != nil {
					return err
				}
				if out.ShapeMismatch {
					fmt.Fprintf(w, "on %s: %s (shape %dx%d vs %dx%d)\n", opts.dbPath, out.Outcome,
						out.A.Count, out.A.Columns, out.B.Count, out.B.Columns)
				} else {
					fmt.Fprintf(w, "on %s: %s\n", opts.dbPath, out.Outcome)
				}
			}
			writeMetrics(c)
			return nil
		},
	}
}

func newEstimateCommand(opts *rootOptions) *cobra.Command {
	var trials, rows int
	cmd := &cobra.Command{
		Use:   "estimate <reference-sql> <candidate-sql>",
		Short: "Estimate equivalence over synthesized databases",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := opts.loadSchema(ctx)
			if err != nil {
				return err
			}
			c, err := opts.checker()
			if err != nil {
				return err
			}
			est, err := c.Estimate(ctx, s, args[0], args[1], trials, rows)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "ratio: %.4f\n", est.Ratio)
			writeEstimate(w, est)
			writeMetrics(c)
			return nil
		},
	}
	cmd.Flags().IntVar(&trials, "trials", 0, "number of trials (default from config)")
	cmd.Flags().IntVar(&rows, "rows", 0, "rows per table (default from config)")
	return cmd
}

func newSynthCommand(opts *rootOptions) *cobra.Command {
	var (
		trials  int
		archive string
	)
	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Build random database instances for the schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := opts.loadSchema(ctx)
			if err != nil {
				return err
			}
			c, err := opts.checker()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for trial := 0; trial < trials; trial++ {
				inst, err := c.Synthesize(ctx, s, trial)
				if err != nil {
					return errors.Wrapf(err, "trial %d", trial)
				}
				fmt.Fprintf(w, "%s seed=%d\n", inst.Path, inst.Seed)
			}
			size, err := c.CacheSize(s)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "cache: %d bytes\n", size)
			if archive == "" {
				return nil
			}
			f, err := os.Create(archive)
			if err != nil {
				return errors.Wrap(err, "create archive")
			}
			if err := c.Archive(ctx, s, f); err != nil {
				util.CloseWithErr(f, "archive")
				return err
			}
			if err := f.Close(); err != nil {
				return errors.Wrap(err, "close archive")
			}
			fmt.Fprintf(w, "archive: %s\n", archive)
			return nil
		},
	}
	cmd.Flags().IntVar(&trials, "trials", 1, "number of instances to build")
	cmd.Flags().StringVar(&archive, "archive", "", "write a tar.zst of the schema's instances to this file")
	return cmd
}

func newPurgeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete the cached instances of the schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.loadSchema(cmd.Context())
			if err != nil {
				return err
			}
			c, err := opts.checker()
			if err != nil {
				return err
			}
			if err := c.Purge(s); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", s.ID())
			return nil
		},
	}
}

func writeEstimate(w io.Writer, est oracle.Estimate) {
	fmt.Fprintf(w, "trials: %d completed: %d\n", est.Trials, est.Completed)
	outcomes := make([]string, 0, len(est.Counts))
	for outcome, n := range est.Counts {
		outcomes = append(outcomes, fmt.Sprintf("%s=%d", outcome, n))
	}
	sort.Strings(outcomes)
	fmt.Fprintf(w, "outcomes: %s\n", strings.Join(outcomes, " "))
	if est.Witness != "" {
		fmt.Fprintf(w, "witness: %s\n", est.Witness)
	}
}

func writeMetrics(c *sqlexam.Checker) {
	lines, err := c.Metrics().Summary()
	if err != nil {
		util.Warnf("metrics: %v", err)
		return
	}
	for _, line := range lines {
		util.Debugf("metric %s", line)
	}
}
