package cli

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/csvsync/internal/client"
	"github.com/JonMunkholm/csvsync/internal/core"
	"github.com/JonMunkholm/csvsync/internal/csvsource"
)

// syncFlags holds the raw flag values of the sync command.
type syncFlags struct {
	url         string
	table       string
	parent      string
	customTypes []string
	maxThreads  int

	merge     bool
	mergeOnly []string
	skipNew   bool

	missingColumns   string
	missingRelations string

	failOnRelationDuplicates bool
	failOnDuplicates         bool
	failOnDuplicateColumns   bool
	failOnConversionError    bool
	mandatory                []string

	iconColumn  string
	iconKeep    bool
	imageColumn string
	imageMode   string
	imageKeep   bool

	allowTypeChange bool
	promote         []string
	reinterpret     []string

	dryRun           bool
	delimiter        string
	bannedExtensions []string
}

func (a *app) syncCommand() *cobra.Command {
	var f syncFlags

	cmd := &cobra.Command{
		Use:   "sync FILE",
		Short: "Upload a CSV file into a remote table",
		Long: `Sync reads FILE, infers a type for each column and writes every row to the
remote table. The first CSV column is the key.

Without --url or --table a new table named after the file is created under
--parent. With --merge, rows whose key already exists are updated in place
and unchanged rows are skipped.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usagef("sync takes exactly one CSV file, got %d arguments", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options(cmd)
			if err != nil {
				return err
			}
			return a.sync(cmd.Context(), args[0], f, opts)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.url, "url", "", "URL of an existing table")
	fl.StringVar(&f.table, "table", "", "ref of an existing table")
	fl.StringVar(&f.parent, "parent", "", "parent ref for a new table")
	fl.StringSliceVar(&f.customTypes, "custom-types", nil, "comma separated types for every column except the key")
	fl.IntVar(&f.maxThreads, "max-threads", 0, "concurrent row uploads (default from CSVSYNC_MAX_THREADS)")

	fl.BoolVar(&f.merge, "merge", false, "update rows with matching keys instead of adding duplicates")
	fl.StringArrayVar(&f.mergeOnly, "merge-only-column", nil, "only update this column on merge (repeatable)")
	fl.BoolVar(&f.skipNew, "merge-skip-new", false, "on merge, skip rows whose key is not in the table")

	fl.StringVar(&f.missingColumns, "missing-columns-action", string(core.MissingAdd), "CSV columns missing from the table: add, ignore or fail")
	fl.StringVar(&f.missingRelations, "missing-relations-action", string(core.MissingIgnore), "relation keys missing from the linked table: add, ignore or fail")

	fl.BoolVar(&f.failOnRelationDuplicates, "fail-on-relation-duplicates", false, "fail if a linked table has duplicate keys")
	fl.BoolVar(&f.failOnDuplicates, "fail-on-duplicates", false, "fail on duplicate keys in the CSV or the table")
	fl.BoolVar(&f.failOnDuplicateColumns, "fail-on-duplicate-csv-columns", false, "fail on duplicate CSV column names")
	fl.BoolVar(&f.failOnConversionError, "fail-on-conversion-error", false, "fail if any value cannot be converted")
	fl.StringArrayVar(&f.mandatory, "mandatory-column", nil, "column that must exist and be non-empty (repeatable)")

	fl.StringVar(&f.iconColumn, "icon-column", "", "column holding the row icon")
	fl.BoolVar(&f.iconKeep, "icon-column-keep", false, "also sync the icon column as a regular column")
	fl.StringVar(&f.imageColumn, "image-column", "", "column holding the row image")
	fl.StringVar(&f.imageMode, "image-column-mode", string(core.ImageBlockMode), "how to attach the image: block or cover")
	fl.BoolVar(&f.imageKeep, "image-column-keep", false, "also sync the image column as a regular column")

	fl.BoolVar(&f.allowTypeChange, "allow-type-change", false, "widen column types when values no longer fit")
	fl.StringArrayVar(&f.promote, "promote-column", nil, "allow this column's type to widen (repeatable)")
	fl.StringArrayVar(&f.reinterpret, "reinterpret-column", nil, "let --custom-types replace this column's remote type (repeatable)")

	fl.BoolVar(&f.dryRun, "dry-run", false, "plan the sync without writing anything")
	fl.StringVar(&f.delimiter, "delimiter", ",", "CSV field delimiter")
	fl.StringSliceVar(&f.bannedExtensions, "banned-extensions", nil, "file extensions that may not be uploaded (default from CSVSYNC_BANNED_EXTENSIONS)")
	return cmd
}

// options validates the flags and maps them onto SyncOptions. Config
// driven settings are filled in by app.sync.
func (f syncFlags) options(cmd *cobra.Command) (core.SyncOptions, error) {
	opts := core.SyncOptions{
		ParentRef:                f.parent,
		CustomTypes:              f.customTypes,
		Merge:                    f.merge,
		MergeOnly:                f.mergeOnly,
		SkipNew:                  f.skipNew,
		FailOnRelationDuplicates: f.failOnRelationDuplicates,
		FailOnDuplicates:         f.failOnDuplicates,
		FailOnConversionError:    f.failOnConversionError,
		Mandatory:                f.mandatory,
		IconColumn:               f.iconColumn,
		IconKeep:                 f.iconKeep,
		ImageColumn:              f.imageColumn,
		ImageKeep:                f.imageKeep,
		AllowTypeChange:          f.allowTypeChange,
		Promote:                  f.promote,
		Reinterpret:              f.reinterpret,
		DryRun:                   f.dryRun,
	}

	if f.url != "" && f.table != "" {
		return opts, usagef("--url and --table cannot be used together")
	}
	if f.parent != "" && (f.url != "" || f.table != "") {
		return opts, usagef("--parent only applies when creating a new table")
	}

	var err error
	switch {
	case f.url != "":
		opts.TableRef, err = client.ParseTableRef(f.url)
	case f.table != "":
		opts.TableRef, err = client.ParseTableRef(f.table)
	}
	if err != nil {
		return opts, &usageError{err: err}
	}

	if opts.MissingColumns, err = core.ParseMissingAction(f.missingColumns); err != nil {
		return opts, usagef("--missing-columns-action: %w", err)
	}
	if opts.MissingRelations, err = core.ParseMissingAction(f.missingRelations); err != nil {
		return opts, usagef("--missing-relations-action: %w", err)
	}
	if opts.ImageMode, err = core.ParseImageMode(f.imageMode); err != nil {
		return opts, usagef("--image-column-mode: %w", err)
	}
	if (len(f.mergeOnly) > 0 || f.skipNew) && !f.merge {
		return opts, usagef("--merge-only-column and --merge-skip-new require --merge")
	}
	if f.iconKeep && f.iconColumn == "" {
		return opts, usagef("--icon-column-keep requires --icon-column")
	}
	if f.imageKeep && f.imageColumn == "" {
		return opts, usagef("--image-column-keep requires --image-column")
	}
	if cmd.Flags().Changed("max-threads") {
		if f.maxThreads < 1 {
			return opts, usagef("--max-threads must be at least 1, got %d", f.maxThreads)
		}
		opts.Concurrency = f.maxThreads
	}
	if _, err := f.delimiterRune(); err != nil {
		return opts, err
	}
	return opts, nil
}

func (f syncFlags) delimiterRune() (rune, error) {
	if f.delimiter == `\t` {
		return '\t', nil
	}
	r, size := utf8.DecodeRuneInString(f.delimiter)
	if r == utf8.RuneError || size != len(f.delimiter) {
		return 0, usagef("--delimiter must be a single character, got %q", f.delimiter)
	}
	return r, nil
}

func (a *app) sync(ctx context.Context, path string, f syncFlags, opts core.SyncOptions) error {
	delim, _ := f.delimiterRune()
	src, err := csvsource.Open(path, csvsource.Options{
		FailOnDuplicateColumns: f.failOnDuplicateColumns,
		Delimiter:              delim,
		Logger:                 a.logger,
	})
	if err != nil {
		return err
	}

	remote, err := client.New(client.Options{
		BaseURL:   a.cfg.RemoteURL,
		Token:     a.resolveToken(),
		Timeout:   a.cfg.RequestTimeout,
		RateLimit: a.cfg.RateLimit,
		Logger:    a.logger,
	})
	if err != nil {
		return err
	}

	opts.Title = src.Stem()
	opts.BaseDir = src.Dir()
	if opts.Concurrency == 0 {
		opts.Concurrency = a.cfg.MaxThreads
	}
	opts.Retry = core.DefaultRetryPolicy
	opts.Retry.Attempts = uint64(a.cfg.RetryAttempts)
	opts.Retry.BaseDelay = a.cfg.RetryBaseDelay
	opts.BannedExtensions = f.bannedExtensions
	if len(opts.BannedExtensions) == 0 {
		opts.BannedExtensions = a.cfg.BannedExtensions
	}

	bar := newProgress(a.errOut)
	opts.Progress = bar.update
	defer bar.stop()

	ctx, cancel := context.WithTimeout(ctx, core.RunTimeout)
	defer cancel()

	a.logger.Info("sync started", "file", src.Path(), "table", opts.TableRef, "merge", opts.Merge, "dry_run", opts.DryRun)
	report, err := core.NewService(remote, a.logger).Run(ctx, src, opts)
	bar.stop()
	if err != nil {
		return fmt.Errorf("sync %s: %w", src.Path(), err)
	}

	printReport(a.out, a.cfg.RemoteURL, report)
	return nil
}
