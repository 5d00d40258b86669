package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/denorm/internal/engine"
	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/store"
)

var (
	libraryConfig = filepath.Join("testdata", "config", "library.cue")
	invalidConfig = filepath.Join("testdata", "invalid", "unknown_field.cue")
	floatConfig   = filepath.Join("testdata", "invalid", "float.cue")
)

// execute runs cmd with args and returns stdout and stderr.
func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, string, error) {
	t.Helper()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

// writeSettings writes a settings file using db and returns its path.
func writeSettings(t *testing.T, dir, db, extra string) string {
	t.Helper()
	path := filepath.Join(dir, "denorm.yaml")
	content := "database: " + db + "\n" + extra
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// fastSettings makes requests due and old enough as soon as they are queued.
const fastSettings = "min_age: 0s\nenqueue_delay: 0s\n"

// seedLibrary saves an author, a book and a rename into db, leaving one
// propagation request queued.
func seedLibrary(t *testing.T, settings string) {
	t.Helper()
	flags := &EngineFlags{Settings: settings}
	eng, st, err := openEngine(flags, libraryConfig, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	author, err := eng.Create(ctx, "Author", ir.NewObject(ir.P("name", ir.String("Ann"))))
	require.NoError(t, err)
	require.NoError(t, eng.Save(ctx, ir.NewRecord("Book", "b1", ir.NewObject(
		ir.P("title", ir.String("Emma")),
		ir.P("author_id", ir.String(author.ID)),
		ir.P("tags", ir.Array{}),
	))))

	author.Set("name", ir.String("Beth"))
	require.NoError(t, eng.Save(ctx, author, engine.WithActor(&ir.Actor{ID: "u1"})))
}

// loadBook reads the seeded book back from db.
func loadBook(t *testing.T, db string) *ir.Record {
	t.Helper()
	st, err := store.Open(db)
	require.NoError(t, err)
	defer st.Close()

	rec, err := st.Load(context.Background(), "Book", "b1")
	require.NoError(t, err)
	return rec
}
