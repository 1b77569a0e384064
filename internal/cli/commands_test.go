package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chainsync/internal/ledger"
)

// put stays local, sync confirms, get and status read the ledger.
func TestPutSyncGet(t *testing.T) {
	env := newTestEnv(t)

	out := env.mustRun(t, "put", "ns_user1_2024-01-01", "42")
	assert.Contains(t, out, "✓ ns/ns_user1_2024-01-01 v1 pending")

	_, err := os.Stat(filepath.Join(env.dir, "chain.cbor"))
	assert.True(t, os.IsNotExist(err), "put must not touch the chain")

	out = env.mustRun(t, "status", "ns_user1_2024-01-01")
	assert.Contains(t, out, "Status:   pending")

	out = env.mustRun(t, "sync")
	assert.Contains(t, out, "✓ ns/ns_user1_2024-01-01 v1 confirmed 0x")
	assert.Contains(t, out, "Summary: 1 confirmed, 0 failed")

	out = env.mustRun(t, "status", "ns_user1_2024-01-01")
	assert.Contains(t, out, "Status:   confirmed")
	assert.Contains(t, out, "Tx:       0x")
	assert.Contains(t, out, "Attempts: 1")

	out = env.mustRun(t, "get", "ns_user1_2024-01-01")
	assert.Equal(t, "42 (v1)\n", out)
}

func TestPut_AutoAndExplicitVersions(t *testing.T) {
	env := newTestEnv(t)

	env.mustRun(t, "put", "k", "a")
	out := env.mustRun(t, "put", "k", "b")
	assert.Contains(t, out, "v2 pending")

	out = env.mustRun(t, "put", "--version", "7", "k", "c")
	assert.Contains(t, out, "v7 pending")

	_, err := env.run(t, "put", "--version", "3", "k", "old")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "put rejected: version 3 is stale for k")

	_, err = env.run(t, "put", "--version", "-1", "k", "neg")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestPut_JSON(t *testing.T) {
	env := newTestEnv(t)

	out := env.mustRun(t, "--format", "json", "put", "--namespace", "scores", "--owner", "alice", "k", "v")

	var resp struct {
		Status string    `json:"status"`
		Data   PutResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, PutResult{Namespace: "scores", Key: "k", Version: 1, Accepted: true}, resp.Data)

	// Another owner sees nothing
	_, err := env.run(t, "status", "--namespace", "scores", "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key not found")
}

func TestGet_NotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "get", "absent")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "key not found: absent")

	out, err := env.run(t, "--format", "json", "get", "absent")
	require.Error(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "E_NOT_FOUND", resp.Error.Code)
}

// A key only on the chain is read through and recorded as confirmed.
func TestGet_ReadsThroughToChain(t *testing.T) {
	env := newTestEnv(t)

	env.mustRun(t, "put", "k", "v")
	env.mustRun(t, "sync")
	env.mustRun(t, "purge", "--yes")

	out := env.mustRun(t, "get", "k")
	assert.Equal(t, "v (v1)\n", out)

	out = env.mustRun(t, "status", "k")
	assert.Contains(t, out, "Status:   confirmed")
	assert.Contains(t, out, "Attempts: 0")
}

func TestSync_NothingToDrain(t *testing.T) {
	env := newTestEnv(t)

	out := env.mustRun(t, "sync")
	assert.Equal(t, "Nothing to drain.\n", out)
}

// A version the chain already holds fails as stale and can be retried
// after the value is corrected on chain.
func TestSync_StaleThenRetry(t *testing.T) {
	env := newTestEnv(t)

	env.mustRun(t, "put", "k", "first")
	env.mustRun(t, "sync")
	env.mustRun(t, "purge", "--yes")

	env.mustRun(t, "put", "--version", "1", "k", "second")
	out := env.mustRun(t, "sync")
	assert.Contains(t, out, "✗ ns/k v1 failed: stale version:")
	assert.Contains(t, out, "Summary: 0 confirmed, 1 failed")

	out = env.mustRun(t, "list", "--status", "failed")
	assert.Contains(t, out, "failed    ns/k v1 [tester] stale version:")
	assert.Contains(t, out, "1 row(s)")

	out = env.mustRun(t, "retry", "k")
	assert.Contains(t, out, "✓ ns/k v1 pending")

	_, err := env.run(t, "retry", "k")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "not failed")
}

func TestRetry_NotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "retry", "absent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key not found: absent")
}

func TestList(t *testing.T) {
	env := newTestEnv(t)

	out := env.mustRun(t, "list")
	assert.Equal(t, "No rows found.\n", out)

	env.mustRun(t, "put", "a", "1")
	env.mustRun(t, "put", "--namespace", "other", "b", "2")
	env.mustRun(t, "put", "c", "3")

	out = env.mustRun(t, "--format", "json", "list", "--namespace", "ns")
	var resp struct {
		Data []ledger.Entry `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "a", resp.Data[0].Key)
	assert.Equal(t, "c", resp.Data[1].Key)

	out = env.mustRun(t, "list", "--limit", "1")
	assert.Contains(t, out, "1 row(s)")

	_, err := env.run(t, "list", "--status", "lost")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestStatus_Summary(t *testing.T) {
	env := newTestEnv(t)

	env.mustRun(t, "put", "a", "1")
	env.mustRun(t, "put", "b", "1")
	env.mustRun(t, "sync")
	env.mustRun(t, "put", "c", "1")

	out := env.mustRun(t, "--format", "json", "status")
	var resp struct {
		Data StatusSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, StatusSummary{Pending: 1, Confirmed: 2}, resp.Data)

	out = env.mustRun(t, "status")
	assert.Contains(t, out, "Pending:   1")
}

func TestPurge(t *testing.T) {
	env := newTestEnv(t)

	env.mustRun(t, "put", "a", "1")
	env.mustRun(t, "put", "--namespace", "other", "b", "1")

	_, err := env.run(t, "purge")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "--yes")

	out := env.mustRun(t, "purge", "--namespace", "other", "--yes")
	assert.Equal(t, "Deleted 1 row(s).\n", out)

	out = env.mustRun(t, "list")
	assert.Contains(t, out, "1 row(s)")
}

func TestInvalidConfig(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.WriteFile(env.config, []byte("loop:\n  batch_size: 0\n"), 0644))

	_, err := env.run(t, "status")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestMissingConfigFile(t *testing.T) {
	env := newTestEnv(t)
	env.config = filepath.Join(env.dir, "absent.yaml")

	_, err := env.run(t, "status")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

// An EVM chain without its credentials is rejected before any dial.
func TestEVMConfigRequiresCredentials(t *testing.T) {
	env := newTestEnv(t)
	t.Setenv("CHAINSYNC_CHAIN_TYPE", "evm")

	_, err := env.run(t, "sync")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "chain.rpc_url")
}
