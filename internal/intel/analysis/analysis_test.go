package analysis

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/cartography/internal/client"
	"github.com/xkilldash9x/cartography/internal/config"
	"github.com/xkilldash9x/cartography/internal/intel"
	"github.com/xkilldash9x/cartography/internal/mocks"
)

func writeJob(t *testing.T, dir, name, query string) {
	t.Helper()
	body := `{"name": "` + name + `", "statements": [{"query": "` + query + `"}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestJobFiles_SortedJSONOnly(t *testing.T) {
	dir := t.TempDir()
	writeJob(t, dir, "b.json", "B")
	writeJob(t, dir, "a.JSON", "A")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("notes"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.json"), 0o755))

	files, err := JobFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.JSON"), filepath.Join(dir, "b.json")}, files)
}

func TestRunDirectory_RunsInOrderWithUpdateTag(t *testing.T) {
	dir := t.TempDir()
	writeJob(t, dir, "02_second.json", "SECOND")
	writeJob(t, dir, "01_first.json", "FIRST")

	ctx := context.Background()
	session := new(mocks.MockSession)
	var order []string
	session.On("Write", ctx, mock.Anything, mock.MatchedBy(func(p map[string]any) bool {
		return p["UPDATE_TAG"] == int64(77)
	})).Run(func(args mock.Arguments) {
		order = append(order, args.String(1))
	}).Return(client.Summary{}, nil)

	err := RunDirectory(ctx, session, dir, intel.Params{UpdateTag: 77}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"FIRST", "SECOND"}, order)
}

func TestRunDirectory_StopsOnFailure(t *testing.T) {
	dir := t.TempDir()
	writeJob(t, dir, "01_bad.json", "BAD")
	writeJob(t, dir, "02_never.json", "NEVER")

	ctx := context.Background()
	session := new(mocks.MockSession)
	session.On("Write", ctx, "BAD", mock.Anything).Return(client.Summary{}, assert.AnError)

	err := RunDirectory(ctx, session, dir, intel.Params{UpdateTag: 1}, zaptest.NewLogger(t))
	require.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "01_bad.json")
	session.AssertNotCalled(t, "Write", ctx, "NEVER", mock.Anything)
}

func TestRunDirectory_MissingDirectory(t *testing.T) {
	err := RunDirectory(context.Background(), new(mocks.MockSession), filepath.Join(t.TempDir(), "missing"), intel.Params{}, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestStartIngestion_NoDirectoryIsNoop(t *testing.T) {
	session := new(mocks.MockSession)
	err := StartIngestion(context.Background(), session, &config.Config{}, intel.Params{UpdateTag: 1}, zaptest.NewLogger(t))
	require.NoError(t, err)
	session.AssertNotCalled(t, "Write", mock.Anything, mock.Anything, mock.Anything)
}
