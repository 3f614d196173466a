package hooks

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContextEnvVars(t *testing.T) {
	ctx := NewContext(EventPreTransaction, "tx-123", "/")
	ctx.AddPackage("foo", OpInstall)
	ctx.AddPackage("bar", OpRemove)

	env := ctx.EnvVars()
	require.Equal(t, "pre-transaction", env["ROOKPKG_HOOK_EVENT"])
	require.Equal(t, "tx-123", env["ROOKPKG_TRANSACTION_ID"])
	require.Equal(t, "/", env["ROOKPKG_ROOT"])
	require.Contains(t, env["ROOKPKG_PACKAGES"], "foo")
	require.Contains(t, env["ROOKPKG_PACKAGES"], "bar")
	require.Equal(t, "install", env["ROOKPKG_OP_FOO"])
	require.Equal(t, "remove", env["ROOKPKG_OP_BAR"])
}

func TestParseEventsWithDirective(t *testing.T) {
	content := "#!/bin/bash\n# EVENTS: pre-transaction post-transaction\necho hi\n"
	events := parseEvents(content)
	require.Len(t, events, 2)
	require.Contains(t, events, EventPreTransaction)
	require.Contains(t, events, EventPostTransaction)
}

func TestParseEventsDefaultsToPostTransaction(t *testing.T) {
	events := parseEvents("#!/bin/bash\necho hi\n")
	require.Equal(t, []Event{EventPostTransaction}, events)
}

func TestHookFromPathParsesOrderPrefix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "10-test-hook.hook")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/bash\n# EVENTS: pre-transaction\necho test\n"), 0o755))

	h, err := hookFromPath(path)
	require.NoError(t, err)
	require.Equal(t, "test-hook", h.Name)
	require.Equal(t, 10, h.Order)
	require.True(t, h.TriggersOn(EventPreTransaction))
	require.False(t, h.TriggersOn(EventPostTransaction))
}

func TestManagerDiscoverSortsByOrder(t *testing.T) {
	dir := t.TempDir()
	hooksDir := filepath.Join(dir, "etc/rookpkg/hooks.d")
	require.NoError(t, os.MkdirAll(hooksDir, 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(hooksDir, "20-second.hook"), []byte("#!/bin/bash\necho second\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(hooksDir, "10-first.hook"), []byte("#!/bin/bash\necho first\n"), 0o755))

	m := NewManager(dir, 0)
	require.Equal(t, hooksDir, m.HooksDir())

	discovered, err := m.DiscoverHooks()
	require.NoError(t, err)
	require.Len(t, discovered, 2)
	require.Equal(t, "first", discovered[0].Name)
	require.Equal(t, "second", discovered[1].Name)
}

func TestManagerRunHooksExecutesAndCapturesOutput(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 0)
	_, err := m.InstallHook("greet", "#!/bin/bash\n# EVENTS: post-transaction\necho hello from hook\n", 50)
	require.NoError(t, err)

	_, err = m.DiscoverHooks()
	require.NoError(t, err)

	ctx := NewContext(EventPostTransaction, "tx-1", dir)
	results, err := m.RunHooks(ctx, true)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Success)
	require.Contains(t, results[0].Stdout, "hello from hook")
}

func TestManagerInstallAndRemoveHook(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 0)

	path, err := m.InstallHook("my-hook", "#!/bin/bash\n# EVENTS: pre-transaction\necho test\n", 15)
	require.NoError(t, err)
	require.FileExists(t, path)
	require.Contains(t, filepath.Base(path), "15-my-hook")

	removed, err := m.RemoveHook("my-hook")
	require.NoError(t, err)
	require.True(t, removed)
	require.NoFileExists(t, path)

	removedAgain, err := m.RemoveHook("my-hook")
	require.NoError(t, err)
	require.False(t, removedAgain)
}
