package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/denorm/internal/store"
)

// DefaultThrottleLimit is the number of records listed without --limit.
const DefaultThrottleLimit = 50

// ThrottlesOptions holds flags for the throttles command.
type ThrottlesOptions struct {
	*RootOptions
	EngineFlags
	Label string
	Limit int
	Prune bool
}

// ThrottleListing is the output of the throttles command.
type ThrottleListing struct {
	Label   string          `json:"label,omitempty"`
	Records []ThrottleEntry `json:"records"`
	Pruned  int64           `json:"pruned,omitempty"`
}

// ThrottleEntry is one admitted save.
type ThrottleEntry struct {
	SourceType string    `json:"source_type"`
	SourceID   string    `json:"source_id"`
	Label      string    `json:"label"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewThrottlesCommand creates the throttles command.
func NewThrottlesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ThrottlesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "throttles [config]",
		Short: "Inspect throttle records",
		Long: `List the throttle records of admitted source saves, newest first.

Every source save that queued propagation is recorded under its throttle
label. A save is rejected while a label has as many records as a throttle
of its source type allows within the throttle's window.

With --prune, records older than the longest window declared in the
configuration are deleted first; the configuration argument is then
required.

Examples:
  denorm throttles --db ./denorm.db --label Author_u1
  denorm throttles --db ./denorm.db --prune ./config`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Prune && len(args) == 0 {
				return NewExitError(ExitCommandError, "--prune requires the config argument")
			}
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runThrottles(opts, path, cmd)
		},
	}

	opts.register(cmd)
	cmd.Flags().StringVar(&opts.Label, "label", "", "only list this label")
	cmd.Flags().IntVar(&opts.Limit, "limit", DefaultThrottleLimit, "maximum records to list")
	cmd.Flags().BoolVar(&opts.Prune, "prune", false, "delete records no throttle window can count")

	return cmd
}

func runThrottles(opts *ThrottlesOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	if opts.Limit < 1 {
		return NewExitError(ExitCommandError, "--limit must be at least 1")
	}
	ctx := context.Background()
	listing := ThrottleListing{Label: opts.Label}

	var st *store.Store
	if opts.Prune {
		eng, engStore, err := openEngine(&opts.EngineFlags, path, newLogger(cmd.ErrOrStderr(), opts.Verbose))
		if err != nil {
			return err
		}
		st = engStore
		defer st.Close()

		n, err := eng.PruneThrottles(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, ErrCodeStore+": failed to prune throttles", err)
		}
		listing.Pruned = n
		formatter.VerboseLog("Pruned %d throttle record(s)", n)
	} else {
		_, s, err := openStore(&opts.EngineFlags)
		if err != nil {
			return err
		}
		st = s
		defer st.Close()
	}

	records, err := st.ListThrottles(ctx, opts.Label, opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, ErrCodeStore+": failed to list throttles", err)
	}
	listing.Records = make([]ThrottleEntry, len(records))
	for i, r := range records {
		listing.Records[i] = ThrottleEntry{
			SourceType: r.SourceType,
			SourceID:   r.SourceID,
			Label:      r.Label,
			CreatedAt:  r.CreatedAt,
		}
	}

	if formatter.Format == "json" {
		return formatter.Success(listing)
	}

	w := formatter.Writer
	if opts.Prune {
		fmt.Fprintf(w, "Pruned %d record(s)\n", listing.Pruned)
	}
	if len(listing.Records) == 0 {
		fmt.Fprintln(w, "No throttle records.")
		return nil
	}
	for _, r := range listing.Records {
		fmt.Fprintf(w, "%s  %-20s %s %s\n", r.CreatedAt.UTC().Format(time.RFC3339), r.Label, r.SourceType, r.SourceID)
	}
	return nil
}
