package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cloudkit/config"
	"github.com/c360/cloudkit/document"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCommand(&app{})
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "cloudkit version "+Version+" (build "+BuildTime+")\n", out)
}

func TestConfigShow_RedactsCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cloudkit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
platform:
  project: demo
nats:
  url: nats://nats.example:4222
  username: app
  password: hunter2
  token: s3cr3t
`), 0o600))

	out, err := execute(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "project: demo")
	assert.Contains(t, out, "url: nats://nats.example:4222")
	assert.Contains(t, out, "username: app")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "s3cr3t")
}

func TestConfigInitAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cloudkit.yaml")

	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultNATSURL, cfg.NATS.URL)

	out, err = execute(t, "--config", path, "config", "validate")
	require.NoError(t, err)
	assert.Equal(t, "configuration is valid\n", out)
}

func TestRootCommand_InvalidFlags(t *testing.T) {
	_, err := execute(t, "--log-level", "loud", "config", "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")

	_, err = execute(t, "--log-format", "xml", "config", "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log format")

	_, err = execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "config", "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, "warn", "json")

	logger.Info("hidden")
	logger.Warn("shown", "topic", "orders")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "orders", entry["topic"])
	assert.Equal(t, appName, entry["service"])
	assert.Equal(t, Version, entry["version"])
}

func TestParseWhere(t *testing.T) {
	tests := []struct {
		in    string
		field string
		op    document.Op
		value any
	}{
		{"price >= 3", "price", document.OpGreaterEqual, float64(3)},
		{`category == "fruit"`, "category", document.OpEqual, "fruit"},
		{"category == fruit", "category", document.OpEqual, "fruit"},
		{`tags array-contains-any ["red", "green"]`, "tags", document.OpArrayContainsAny, []any{"red", "green"}},
		{"name == Ada Lovelace", "name", document.OpEqual, "Ada Lovelace"},
		{"active == true", "active", document.OpEqual, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseWhere(tt.in)
			require.NoError(t, err)
			assert.Equal(t, document.Where(tt.field, tt.op, tt.value), got)
		})
	}

	_, err := parseWhere("price >=")
	require.Error(t, err)
}

func TestParseOrder(t *testing.T) {
	got, err := parseOrder("price")
	require.NoError(t, err)
	assert.Equal(t, document.OrderBy("price", document.Asc), got)

	got, err = parseOrder("price DESC")
	require.NoError(t, err)
	assert.Equal(t, document.OrderBy("price", document.Desc), got)

	_, err = parseOrder("price sideways")
	require.Error(t, err)
	_, err = parseOrder("")
	require.Error(t, err)
}

func TestQueryConstraints(t *testing.T) {
	got, err := queryConstraints([]string{"price < 10"}, []string{"price desc"}, 5)
	require.NoError(t, err)
	assert.Equal(t, []document.Constraint{
		document.Where("price", document.OpLess, float64(10)),
		document.OrderBy("price", document.Desc),
		document.Limit(5),
	}, got)

	got, err = queryConstraints(nil, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments([]string{"source=cli", "expr=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"source": "cli", "expr": "a=b"}, got)

	_, err = parseAssignments([]string{"novalue"})
	require.Error(t, err)
	_, err = parseAssignments([]string{"=x"})
	require.Error(t, err)
}

func TestParsePayload(t *testing.T) {
	assert.Equal(t, json.RawMessage(`{"a":1}`), parsePayload(`{"a":1}`))
	assert.Equal(t, "plain text message", parsePayload("plain text message"))
	assert.Equal(t, "{\n  \"a\": 1\n}", pretty([]byte(`{"a":1}`)))
	assert.Equal(t, "plain", pretty([]byte("plain")))
}
