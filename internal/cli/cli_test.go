// ABOUTME: End-to-end tests for allocator-admin commands
// ABOUTME: Runs the command tree against a starter config and a temporary SQLite store

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/inbox-allocator/internal/auth"
	"github.com/2389/inbox-allocator/internal/config"
	"github.com/2389/inbox-allocator/internal/store"
)

const cliSecret = "cli-test-secret-that-is-32-bytes"

func setupCLI(t *testing.T) func(args ...string) (string, error) {
	t.Helper()
	color.NoColor = true
	t.Setenv("INBOX_ALLOCATOR_JWT_SECRET", cliSecret)

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "allocator.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(config.Starter(filepath.Join(dir, "allocator.db"))), 0600))

	return func(args ...string) (string, error) {
		var out bytes.Buffer
		cmd := NewRootCmd()
		cmd.SetOut(&out)
		cmd.SetErr(io.Discard)
		cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
		err := cmd.ExecuteContext(context.Background())
		return out.String(), err
	}
}

func TestCLI_OperatorLifecycle(t *testing.T) {
	run := setupCLI(t)

	out, err := run("operator", "create", "--id", "admin-1", "-t", "tenant-a", "-r", "admin", "-n", "Ada")
	require.NoError(t, err)
	assert.Contains(t, out, "Created ADMIN admin-1 in tenant-a")

	_, err = run("operator", "create", "--id", "op-1", "-t", "tenant-a")
	require.NoError(t, err)

	_, err = run("operator", "create", "-t", "tenant-a", "-r", "janitor")
	assert.ErrorContains(t, err, "invalid role")

	out, err = run("operator", "list", "-t", "tenant-a", "-f", "json")
	require.NoError(t, err)
	var ops []*store.Operator
	require.NoError(t, json.Unmarshal([]byte(out), &ops))
	require.Len(t, ops, 2)
	for _, op := range ops {
		assert.Equal(t, store.StatusOffline, op.Status, "new operators start offline")
	}

	out, err = run("operator", "list", "-t", "tenant-a")
	require.NoError(t, err)
	assert.Contains(t, out, "ROLE")
	assert.Contains(t, out, "Ada")

	out, err = run("operator", "status", "op-1", "available")
	require.NoError(t, err)
	assert.Contains(t, out, "op-1 is AVAILABLE")

	out, err = run("operator", "status", "op-1")
	require.NoError(t, err)
	assert.Contains(t, out, "op-1 (tenant-a, OPERATOR): AVAILABLE")

	_, err = run("operator", "status", "op-1", "busy")
	assert.ErrorContains(t, err, "invalid operator status")

	_, err = run("operator", "status", "ghost")
	assert.ErrorContains(t, err, "not found")
}

func TestCLI_InboxMessagesAndSweep(t *testing.T) {
	run := setupCLI(t)

	out, err := run("inbox", "create", "--id", "inbox-a", "-t", "tenant-a", "-p", "+15550001")
	require.NoError(t, err)
	assert.Contains(t, out, "Created inbox inbox-a")

	_, err = run("inbox", "create", "-t", "tenant-a", "-p", "+15550001")
	assert.Error(t, err, "phone numbers are unique per tenant")

	out, err = run("message", "ingest", "-t", "tenant-a", "-i", "+15550001", "-x", "thread-1", "-p", "+14445550000")
	require.NoError(t, err)
	assert.Contains(t, out, "Queued conversation")
	assert.Contains(t, out, "1 message(s)")

	out, err = run("message", "ingest", "-t", "tenant-a", "-i", "+15550001", "-x", "thread-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Updated conversation")
	assert.Contains(t, out, "2 message(s)")

	out, err = run("sweep", "-f", "json")
	require.NoError(t, err)
	var sweep map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &sweep))
	assert.Equal(t, 0, sweep["reclaimed_count"])
}

func TestCLI_TenantWeightsAndAudit(t *testing.T) {
	run := setupCLI(t)
	_, err := run("operator", "create", "--id", "admin-1", "-t", "tenant-a", "-r", "ADMIN")
	require.NoError(t, err)

	out, err := run("tenant", "weights", "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "tenant-a: alpha=1 beta=1\n", out)

	_, err = run("tenant", "weights", "tenant-a", "--beta", "2")
	assert.ErrorContains(t, err, "--admin is required")

	_, err = run("tenant", "weights", "tenant-a", "--beta=-2", "--admin", "admin-1")
	assert.ErrorContains(t, err, "invalid priority weights")

	out, err = run("tenant", "weights", "tenant-a", "--beta", "2", "--admin", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, "tenant-a: alpha=1 beta=2\n", out)

	out, err = run("audit")
	require.NoError(t, err)
	assert.Contains(t, out, "update_tenant_weights")
	assert.Contains(t, out, "admin-1")
	assert.Equal(t, 2, strings.Count(out, "\n"), "header plus one entry")
}

func TestCLI_TokenIssue(t *testing.T) {
	run := setupCLI(t)
	_, err := run("operator", "create", "--id", "mgr-1", "-t", "tenant-a", "-r", "manager")
	require.NoError(t, err)

	out, err := run("token", "issue", "mgr-1", "--ttl", "1h")
	require.NoError(t, err)

	v, err := auth.NewJWTVerifier([]byte(cliSecret))
	require.NoError(t, err)
	claims, err := v.Parse(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "mgr-1", claims.Subject)
	assert.Equal(t, "tenant-a", claims.TenantID)

	_, err = run("token", "issue", "ghost")
	assert.ErrorContains(t, err, "looking up operator ghost")
}
