package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/denorm/internal/compiler"
	"github.com/roach88/denorm/internal/graph"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// GraphSummary is the JSON form of a built dependency graph.
type GraphSummary struct {
	Models  []ModelSummary          `json:"models"`
	Targets []TargetSummary         `json:"targets"`
	Sources []SourceSummary         `json:"sources"`
	Cycles  []compiler.CycleWarning `json:"cycles,omitempty"`
}

// ModelSummary lists a model's fields, synthesized ones included.
type ModelSummary struct {
	Name   string         `json:"name"`
	Fields []FieldSummary `json:"fields"`
}

// FieldSummary describes one model field.
type FieldSummary struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Ref         string `json:"ref,omitempty"`
	Nullable    bool   `json:"nullable,omitempty"`
	Synthesized bool   `json:"synthesized,omitempty"`
}

// TargetSummary lists the relations of one target type.
type TargetSummary struct {
	Type      string            `json:"type"`
	Relations []RelationSummary `json:"relations"`
}

// RelationSummary describes one relation edge.
type RelationSummary struct {
	Name     string            `json:"name"`
	Source   string            `json:"source"`
	Storage  string            `json:"storage"`
	Strategy string            `json:"strategy"`
	Columns  map[string]string `json:"columns"` // source column -> target column
}

// SourceSummary lists what a source type's saves can trigger.
type SourceSummary struct {
	Type      string   `json:"type"`
	Watched   []string `json:"watched"`
	Throttles []string `json:"throttles,omitempty"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <config>",
		Short: "Build the dependency graph and print it",
		Long: `Compile a CUE dependency configuration and build its graph.

Prints every model with the fields denormalization adds to it, every
relation edge and the watched columns of every source type. With -o the
graph is also written as JSON.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")

	return cmd
}

func runCompile(opts *CompileOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	res, g, err := LoadGraph(path)
	if err != nil {
		return outputCompileError(formatter, err)
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", res.FileCount, path)

	summary := Summarize(g)
	summary.Cycles = compiler.AnalyzeCycles(res.Config)

	if opts.Output != "" {
		if err := writeSummary(summary, opts.Output); err != nil {
			return outputCompileError(formatter, &LoadError{Code: ErrCodeWriteFailed, Message: fmt.Sprintf("writing output file: %v", err)})
		}
	}

	if formatter.Format == "json" {
		return formatter.Success(summary)
	}
	printSummary(formatter, summary, opts.Output)
	return nil
}

// Summarize converts a graph into its printable form. Every list is sorted.
func Summarize(g *graph.Graph) GraphSummary {
	s := GraphSummary{
		Models:  []ModelSummary{},
		Targets: []TargetSummary{},
		Sources: []SourceSummary{},
	}

	for _, name := range g.Schema().Names() {
		m, _ := g.Schema().Model(name)
		ms := ModelSummary{Name: name}
		for _, f := range m.Fields() {
			ms.Fields = append(ms.Fields, FieldSummary{
				Name:        f.Name,
				Kind:        f.Kind.String(),
				Ref:         f.Ref,
				Nullable:    f.Nullable,
				Synthesized: f.Synthesized,
			})
		}
		s.Models = append(s.Models, ms)
	}

	for _, target := range g.Targets() {
		ts := TargetSummary{Type: target}
		for _, r := range g.Relations(target) {
			cols := make(map[string]string, len(r.Columns))
			for _, c := range r.Columns {
				cols[c.Source] = c.Target
			}
			ts.Relations = append(ts.Relations, RelationSummary{
				Name:     r.Name,
				Source:   r.Source,
				Storage:  r.Storage.String(),
				Strategy: r.Strategy.String(),
				Columns:  cols,
			})
		}
		s.Targets = append(s.Targets, ts)
	}

	for _, typ := range g.Sources() {
		src, _ := g.Source(typ)
		ss := SourceSummary{Type: typ, Watched: g.WatchedColumns(typ)}
		for _, r := range src.Throttles {
			ss.Throttles = append(ss.Throttles, r.Spec)
		}
		s.Sources = append(s.Sources, ss)
	}

	return s
}

func printSummary(formatter *OutputFormatter, s GraphSummary, outputFile string) {
	w := formatter.Writer
	fmt.Fprintf(w, "✓ Compiled %d model(s), %d target(s), %d source(s)\n\n",
		len(s.Models), len(s.Targets), len(s.Sources))

	if len(s.Targets) > 0 {
		fmt.Fprintln(w, "Relations:")
		for _, t := range s.Targets {
			for _, r := range t.Relations {
				fmt.Fprintf(w, "  %s.%s <- %s (%s, %s)\n", t.Type, r.Name, r.Source, r.Storage, r.Strategy)
			}
		}
		fmt.Fprintln(w)
	}

	if len(s.Sources) > 0 {
		fmt.Fprintln(w, "Sources:")
		for _, src := range s.Sources {
			line := fmt.Sprintf("  %s: watches %s", src.Type, strings.Join(src.Watched, ", "))
			if len(src.Throttles) > 0 {
				line += fmt.Sprintf("; throttles %s", strings.Join(src.Throttles, ", "))
			}
			fmt.Fprintln(w, line)
		}
		fmt.Fprintln(w)
	}

	printCycleWarnings(formatter, s.Cycles)

	if outputFile != "" {
		fmt.Fprintf(w, "Wrote dependency graph to %s\n", outputFile)
	}
}

func outputCompileError(formatter *OutputFormatter, err error) error {
	code, msg := loadErrorCode(err)
	var loadErr *LoadError
	if formatter.Format != "json" && errors.As(err, &loadErr) && loadErr.Pos.IsValid() {
		fmt.Fprintln(formatter.Writer, "✗ Compilation failed")
		fmt.Fprintf(formatter.Writer, "%s:%d:%d\n", loadErr.Pos.Filename(), loadErr.Pos.Line(), loadErr.Pos.Column())
	}
	_ = formatter.Error(code, msg, nil)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, msg))
}

// writeSummary writes the graph as indented JSON.
func writeSummary(s GraphSummary, filename string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling graph: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	return nil
}
