package accesscode_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/accesscode"
	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/store"
)

func TestMint_CreatesRedeemableCodes(t *testing.T) {
	st := store.NewMemoryStore()

	codes, err := accesscode.Mint(st, 3)
	require.NoError(t, err, "minting should succeed")
	require.Len(t, codes, 3)

	for _, code := range codes {
		require.NoError(t, accesscode.Redeem(st, code, "peer-a"), "fresh code redeems")
	}
}

func TestRedeem_UnknownCode(t *testing.T) {
	st := store.NewMemoryStore()

	err := accesscode.Redeem(st, "nope", "peer-a")
	require.Error(t, err)

	var pe *protocol.Error
	require.True(t, errors.As(err, &pe), "error carries a protocol kind")
	assert.Equal(t, protocol.KindForbidden, pe.Kind)
}

func TestRedeem_ConsumedCodeFails(t *testing.T) {
	st := store.NewMemoryStore()
	codes, err := accesscode.Mint(st, 1)
	require.NoError(t, err)

	require.NoError(t, accesscode.Redeem(st, codes[0], "peer-a"))

	err = accesscode.Redeem(st, codes[0], "peer-b")
	require.Error(t, err, "second redemption must fail")
	assert.Equal(t, protocol.KindForbidden, protocol.KindOf(err))

	records, err := accesscode.List(st)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Consumed())
	assert.Equal(t, "peer-a", records[0].ConsumedBy, "first redeemer is recorded")
}

func TestImport_SkipsDuplicatesAndBlanks(t *testing.T) {
	st := store.NewMemoryStore()

	added, err := accesscode.Import(st, []string{"alpha", "beta", "", "  ", "alpha"})
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	// Re-import must not resurrect a consumed code.
	require.NoError(t, accesscode.Redeem(st, "alpha", "peer-a"))
	added, err = accesscode.Import(st, []string{"alpha"})
	require.NoError(t, err)
	assert.Equal(t, 0, added)

	err = accesscode.Redeem(st, "alpha", "peer-b")
	require.Error(t, err, "consumed code stays consumed across imports")
}

func TestImportFile_ParsesLinesAndComments(t *testing.T) {
	st := store.NewMemoryStore()
	path := filepath.Join(t.TempDir(), "codes.txt")
	content := "# operator batch 1\ncode-one\n\n  code-two  \n# trailing comment\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	added, err := accesscode.ImportFile(st, path)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	require.NoError(t, accesscode.Redeem(st, "code-one", "peer-a"))
	require.NoError(t, accesscode.Redeem(st, "code-two", "peer-b"))
}

func TestWatcher_ReimportsOnWrite(t *testing.T) {
	st := store.NewMemoryStore()
	dir := t.TempDir()
	path := filepath.Join(dir, "codes.txt")
	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0o644))

	w, err := accesscode.NewWatcher(st, accesscode.WatcherConfig{
		Path:     path,
		Debounce: 50 * time.Millisecond,
	})
	require.NoError(t, err, "failed to create watcher")
	defer func() { _ = w.Stop() }()

	imported, err := w.Start()
	require.NoError(t, err, "failed to start watcher")

	// Initial import happens synchronously on Start.
	select {
	case n := <-imported:
		assert.Equal(t, 1, n, "initial import picks up the existing file")
	case <-time.After(time.Second):
		t.Fatal("expected initial import")
	}

	require.NoError(t, os.WriteFile(path, []byte("first\nsecond\n"), 0o644))

	select {
	case n := <-imported:
		assert.Equal(t, 1, n, "only the new code is added")
	case <-time.After(time.Second):
		t.Fatal("expected re-import after write")
	}

	require.NoError(t, accesscode.Redeem(st, "second", "peer-a"))
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	st := store.NewMemoryStore()
	dir := t.TempDir()
	path := filepath.Join(dir, "codes.txt")
	other := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(other, []byte("x"), 0o644))

	w, err := accesscode.NewWatcher(st, accesscode.WatcherConfig{
		Path:     path,
		Debounce: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	imported, err := w.Start()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(other, []byte("y"), 0o644))

	select {
	case <-imported:
		t.Fatal("should not import for unrelated files")
	case <-time.After(200 * time.Millisecond):
		// Expected.
	}
}

func TestDefaultWatcherConfig(t *testing.T) {
	cfg := accesscode.DefaultWatcherConfig("/data/codes.txt")
	assert.Equal(t, "/data/codes.txt", cfg.Path)
	assert.Equal(t, 1*time.Second, cfg.Debounce)
}
