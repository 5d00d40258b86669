package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/denorm/internal/config"
	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/store"
)

// QueueOptions holds flags for the queue command.
type QueueOptions struct {
	*RootOptions
	EngineFlags
	Tasks bool   // list the deferred task queue instead
	Tag   string // only entries with this tag
}

// QueueEntry is one listed task.
type QueueEntry struct {
	ID         int64                  `json:"id"`
	Tag        string                 `json:"tag,omitempty"`
	Handler    string                 `json:"handler"`
	CreatedAt  time.Time              `json:"created_at"`
	ETA        time.Time              `json:"eta"`
	Leased     bool                   `json:"leased"`
	LeaseCount int                    `json:"lease_count"`
	Request    *ir.PropagationRequest `json:"request,omitempty"`
}

// QueueListing is the output of the queue command.
type QueueListing struct {
	Queue   string       `json:"queue"`
	Entries []QueueEntry `json:"entries"`
}

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List queued propagation requests",
		Long: `List the propagation requests waiting in the database, oldest ETA first.

Each request names the saved source, the target type it will update and
the changed values it carries. Requests sharing a tag are merged by the
next scheduler pass. With --tasks the deferred task queue is listed
instead: cursor pages and scheduler retries.

Examples:
  denorm queue --db ./denorm.db
  denorm queue --db ./denorm.db --tag DENORM_Author_a1_Book
  denorm queue --db ./denorm.db --tasks --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueue(opts, cmd)
		},
	}

	opts.register(cmd)
	cmd.Flags().BoolVar(&opts.Tasks, "tasks", false, "list the deferred task queue")
	cmd.Flags().StringVar(&opts.Tag, "tag", "", "only list entries with this tag")

	return cmd
}

// openStore loads settings and opens their database without a graph.
func openStore(flags *EngineFlags) (config.Config, *store.Store, error) {
	cfg, err := flags.load()
	if err != nil {
		return config.Config{}, nil, WrapExitError(ExitCommandError, ErrCodeSettings+": invalid settings", err)
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return config.Config{}, nil, WrapExitError(ExitCommandError, ErrCodeStore+": failed to open database", err)
	}
	return cfg, st, nil
}

func runQueue(opts *QueueOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, st, err := openStore(&opts.EngineFlags)
	if err != nil {
		return err
	}
	defer st.Close()

	name := cfg.Queue
	if opts.Tasks {
		name = cfg.TaskQueue
	}

	tasks, err := st.Queue(name).List(context.Background())
	if err != nil {
		return WrapExitError(ExitCommandError, ErrCodeStore+": failed to list queue", err)
	}

	listing := QueueListing{Queue: name, Entries: []QueueEntry{}}
	for _, t := range tasks {
		if opts.Tag != "" && t.Tag != opts.Tag {
			continue
		}
		entry := QueueEntry{
			ID:         t.ID,
			Tag:        t.Tag,
			Handler:    t.Handler,
			CreatedAt:  t.CreatedAt,
			ETA:        t.ETA,
			Leased:     !t.LeaseExpires.IsZero() && t.LeaseExpires.After(time.Now()),
			LeaseCount: t.LeaseCount,
		}
		if !opts.Tasks {
			if req, err := ir.DecodeRequest(t.Payload); err == nil {
				entry.Request = &req
			} else {
				formatter.VerboseLog("task %d: undecodable request: %v", t.ID, err)
			}
		}
		listing.Entries = append(listing.Entries, entry)
	}

	if formatter.Format == "json" {
		return formatter.Success(listing)
	}
	printQueue(formatter, listing)
	return nil
}

func printQueue(formatter *OutputFormatter, listing QueueListing) {
	w := formatter.Writer
	if len(listing.Entries) == 0 {
		fmt.Fprintf(w, "Queue %s is empty.\n", listing.Queue)
		return
	}

	fmt.Fprintf(w, "Queue %s: %d entr%s\n\n", listing.Queue, len(listing.Entries), plural(len(listing.Entries), "y", "ies"))
	for _, e := range listing.Entries {
		state := "ready"
		if e.Leased {
			state = "leased"
		}
		fmt.Fprintf(w, "[%d] %s eta=%s %s", e.ID, e.Handler, e.ETA.UTC().Format(time.RFC3339), state)
		if e.LeaseCount > 0 {
			fmt.Fprintf(w, " leases=%d", e.LeaseCount)
		}
		fmt.Fprintln(w)

		if r := e.Request; r != nil {
			fmt.Fprintf(w, "    %s %s -> %s.%s (%s, %s)\n", r.SourceType, r.SourceID, r.TargetType, r.Relation, r.Storage, r.Strategy)
			for _, k := range r.Fields.SortedKeys() {
				fmt.Fprintf(w, "      %s = %s\n", k, ir.MustCanonical(r.Fields[k]))
			}
		} else if e.Tag != "" {
			fmt.Fprintf(w, "    tag %s\n", e.Tag)
		}
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
