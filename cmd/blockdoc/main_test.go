package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/crdt"
	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/document"
	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/replica"
)

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func writeUpdates(t *testing.T) (string, string) {
	t.Helper()
	doc := replica.New()
	first, err := doc.ApplyActions([]document.BlockAction{{
		Type: document.ActionInsert,
		Block: document.Block{
			ID:       "intro",
			Type:     "heading",
			ParentID: document.Ptr(document.DefaultParent),
			Content:  map[string]crdt.Any{"text": crdt.String("Hello")},
		},
		Path: []int{0},
	}})
	require.NoError(t, err)
	second, err := doc.SetMetaString("title", "Greeting")
	require.NoError(t, err)

	dir := t.TempDir()
	a := filepath.Join(dir, "a.bin")
	b := filepath.Join(dir, "b.bin")
	require.NoError(t, os.WriteFile(a, first, 0o644))
	require.NoError(t, os.WriteFile(b, second, 0o644))
	return a, b
}

func TestMergeThenInspect(t *testing.T) {
	a, b := writeUpdates(t)
	merged := filepath.Join(filepath.Dir(a), "merged.bin")

	out := runCLI(t, "merge", "-o", merged, b, a)
	assert.Contains(t, out, "Merged 2 updates")

	out = runCLI(t, "inspect", "--check", merged)
	assert.Contains(t, out, `meta: {"title":"Greeting"}`)
	assert.Contains(t, out, `- intro [heading] "Hello"`)
}

func TestInspectJSON(t *testing.T) {
	a, b := writeUpdates(t)
	inspectJSON = false
	defer func() { inspectJSON = false }()

	out := runCLI(t, "inspect", "--json", a, b)
	var snap struct {
		Blocks []struct {
			ID string `json:"id"`
		} `json:"blocks"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	require.Len(t, snap.Blocks, 1)
	assert.Equal(t, "intro", snap.Blocks[0].ID)
}
