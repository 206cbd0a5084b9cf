package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sqliteArgs returns flags pointing every invocation at the same database
// file, so state survives between commands.
func sqliteArgs(t *testing.T) []string {
	t.Helper()
	return []string{"--backend", "sqlite", "--database-url", filepath.Join(t.TempDir(), "convctl.db")}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), err
}

func fields(t *testing.T, out string) []string {
	t.Helper()
	line := strings.TrimSuffix(out, "\n")
	require.NotContains(t, line, "\n", "expected a single line")
	return strings.Split(line, "\t")
}

func TestGet_IsStableAcrossInvocations(t *testing.T) {
	base := sqliteArgs(t)

	out, err := execute(t, append([]string{"get", "--location", "general", "--user", "alice"}, base...)...)
	require.NoError(t, err)
	first := fields(t, out)
	require.Len(t, first, 3)
	assert.NotEmpty(t, first[0])
	assert.Equal(t, "general", first[1])

	out, err = execute(t, append([]string{"get", "--location", "general", "--user", "alice"}, base...)...)
	require.NoError(t, err)
	assert.Equal(t, first[0], fields(t, out)[0])

	out, err = execute(t, append([]string{"get", "--location", "general", "--user", "alice", "--restart"}, base...)...)
	require.NoError(t, err)
	assert.NotEqual(t, first[0], fields(t, out)[0])
}

func TestAppendAndHistory(t *testing.T) {
	base := sqliteArgs(t)
	key := []string{"--location", "general", "--user", "alice"}

	for _, content := range []string{"first", "second", "third"} {
		_, err := execute(t, append(append([]string{"append", "--type", "response", content}, key...), base...)...)
		require.NoError(t, err)
	}
	_, err := execute(t, append(append([]string{"append", "--type", "thought", "hidden", "reasoning"}, key...), base...)...)
	require.NoError(t, err)

	out, err := execute(t, append(append([]string{"history", "--type", "response", "--limit", "2"}, key...), base...)...)
	require.NoError(t, err)
	assert.Equal(t, "response\tsecond\nresponse\tthird\n", out)

	out, err = execute(t, append(append([]string{"history", "--type", "thought"}, key...), base...)...)
	require.NoError(t, err)
	assert.Equal(t, "thought\thidden reasoning\n", out)
}

func TestRenameAndList(t *testing.T) {
	base := sqliteArgs(t)

	_, err := execute(t, append([]string{"rename", "Support", "--location", "general", "--user", "alice"}, base...)...)
	require.NoError(t, err)
	_, err = execute(t, append([]string{"get", "--location", "random", "--user", "alice"}, base...)...)
	require.NoError(t, err)
	_, err = execute(t, append([]string{"get", "--location", "general", "--user", "bob"}, base...)...)
	require.NoError(t, err)

	out, err := execute(t, append([]string{"list", "--user", "alice"}, base...)...)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	require.Len(t, lines, 2)
	newest := strings.Split(lines[0], "\t")
	oldest := strings.Split(lines[1], "\t")
	assert.Equal(t, "random", newest[1])
	assert.Equal(t, []string{"general", "Support"}, oldest[1:])
}

func TestDelete(t *testing.T) {
	base := sqliteArgs(t)
	key := []string{"--location", "general", "--user", "alice"}

	out, err := execute(t, append(append([]string{"get"}, key...), base...)...)
	require.NoError(t, err)
	id := fields(t, out)[0]

	out, err = execute(t, append(append([]string{"delete"}, key...), base...)...)
	require.NoError(t, err)
	assert.Equal(t, "retired "+id+"\n", out)

	_, err = execute(t, append(append([]string{"delete"}, key...), base...)...)
	assert.ErrorIs(t, err, errNoConversation)

	_, err = execute(t, append(append([]string{"history"}, key...), base...)...)
	assert.ErrorIs(t, err, errNoConversation)

	out, err = execute(t, append([]string{"list", "--user", "alice"}, base...)...)
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = execute(t, append(append([]string{"get"}, key...), base...)...)
	require.NoError(t, err)
	assert.NotEqual(t, id, fields(t, out)[0])
}

func TestMemoryBackend(t *testing.T) {
	out, err := execute(t, "get", "--backend", "memory", "--location", "general", "--user", "alice")
	require.NoError(t, err)
	assert.Len(t, fields(t, out), 3)
}

func TestEnvFile(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "from-env.db")
	envFile := filepath.Join(dir, "convctl.env")
	require.NoError(t, os.WriteFile(envFile, []byte("CONVCACHE_BACKEND=sqlite\nDATABASE_URL="+dbPath+"\n"), 0o600))

	// godotenv sets process variables; restore them when the test ends.
	t.Setenv("CONVCACHE_BACKEND", "")
	t.Setenv("DATABASE_URL", "")
	require.NoError(t, os.Unsetenv("CONVCACHE_BACKEND"))
	require.NoError(t, os.Unsetenv("DATABASE_URL"))

	_, err := execute(t, "get", "--env-file", envFile, "--location", "general", "--user", "alice")
	require.NoError(t, err)
	assert.FileExists(t, dbPath)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "from-flag.db")
	t.Setenv("CONVCACHE_BACKEND", "mongo")
	t.Setenv("DATABASE_URL", filepath.Join(t.TempDir(), "from-env.db"))

	_, err := execute(t, "get", "--location", "general", "--user", "alice")
	require.Error(t, err, "the environment selects an unknown backend")

	_, err = execute(t, "get", "--backend", "sqlite", "--database-url", dbPath, "--location", "general", "--user", "alice")
	require.NoError(t, err)
	assert.FileExists(t, dbPath)
}

func TestCapacityFromEnvironment(t *testing.T) {
	t.Setenv("CACHE_CAPACITY", "0")
	_, err := execute(t, "get", "--backend", "memory", "--location", "general", "--user", "alice")
	require.Error(t, err)

	_, err = execute(t, "get", "--backend", "memory", "--capacity", "2", "--location", "general", "--user", "alice")
	require.NoError(t, err)
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing user", []string{"get", "--backend", "memory", "--location", "general"}},
		{"missing location", []string{"get", "--backend", "memory", "--user", "alice"}},
		{"unknown backend", []string{"get", "--backend", "mongo", "--location", "general", "--user", "alice"}},
		{"missing database url", []string{"get", "--backend", "postgres", "--location", "general", "--user", "alice"}},
		{"missing env file", []string{"get", "--env-file", "does-not-exist.env", "--location", "general", "--user", "alice"}},
		{"rename without name", []string{"rename", "--backend", "memory", "--location", "general", "--user", "alice"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			assert.Error(t, err)
		})
	}
}
