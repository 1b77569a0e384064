package chain

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"stale", fmt.Errorf("wrapped: %w", ErrStaleVersion), false},
		{"retryable transport", &TransportError{Op: "write", Retryable: true, Err: errors.New("timeout")}, true},
		{"terminal transport", &TransportError{Op: "write", Err: errors.New("reverted")}, false},
		{"wrapped transport", fmt.Errorf("drain: %w", &TransportError{Op: "write", Retryable: true, Err: errors.New("eof")}), true},
		{"unknown", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "", Describe(nil))
	assert.Contains(t, Describe(ErrStaleVersion), "stale version: ")
	assert.Contains(t, Describe(&TransportError{Op: "write", Retryable: true, Err: errors.New("eof")}), "transport (retryable): chain write: eof")
	assert.Contains(t, Describe(&TransportError{Op: "confirm", Err: errors.New("reverted")}), "transport: chain confirm: reverted")
	assert.Equal(t, "error: boom", Describe(errors.New("boom")))
}

func TestClassify(t *testing.T) {
	stale := classify("write", errors.New("execution reverted: Version Mismatch"), DefaultStaleMarkers)
	assert.ErrorIs(t, stale, ErrStaleVersion)

	reverted := classify("write", errors.New("execution reverted: not namespace owner"), DefaultStaleMarkers)
	var te *TransportError
	require.ErrorAs(t, reverted, &te)
	assert.False(t, te.Retryable)
	assert.Equal(t, "write", te.Op)

	network := classify("read", errors.New("dial tcp 127.0.0.1:8545: connect: connection refused"), DefaultStaleMarkers)
	assert.True(t, IsRetryable(network))

	timeout := classify("write", context.DeadlineExceeded, DefaultStaleMarkers)
	assert.True(t, IsRetryable(timeout))

	custom := classify("write", errors.New("execution reverted: E_VERSION"), []string{"e_version"})
	assert.ErrorIs(t, custom, ErrStaleVersion)
}

func TestValidateEVMConfig(t *testing.T) {
	// Well-known test key (hardhat account #0)
	const key = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	const addr = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

	tests := []struct {
		name string
		cfg  EVMConfig
		ok   bool
	}{
		{"valid", EVMConfig{RPCURL: "http://localhost:8545", ContractAddress: addr, PrivateKey: key}, true},
		{"missing rpc", EVMConfig{ContractAddress: addr, PrivateKey: key}, false},
		{"bad address", EVMConfig{RPCURL: "http://localhost:8545", ContractAddress: "nope", PrivateKey: key}, false},
		{"missing key", EVMConfig{RPCURL: "http://localhost:8545", ContractAddress: addr}, false},
		{"bad key", EVMConfig{RPCURL: "http://localhost:8545", ContractAddress: addr, PrivateKey: "0x1234"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := validateEVMConfig(tt.cfg)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrMisconfigured)
		})
	}
}

func TestDialEVM_RejectsBadConfigBeforeDialing(t *testing.T) {
	_, err := DialEVM(context.Background(), EVMConfig{})
	assert.ErrorIs(t, err, ErrMisconfigured)
}

type countingGateway struct {
	reads, writes atomic.Int32
}

func (c *countingGateway) Read(ctx context.Context, namespace, key string) (Record, error) {
	c.reads.Add(1)
	return Record{Value: "v", Version: 1}, nil
}

func (c *countingGateway) Write(ctx context.Context, namespace, key, value string, expectedVersion int64) (string, error) {
	c.writes.Add(1)
	return "0x1", nil
}

func TestLimited_PassesThrough(t *testing.T) {
	next := &countingGateway{}
	g := NewLimited(next, 0, 0)
	ctx := context.Background()

	_, err := g.Read(ctx, "ns", "k")
	require.NoError(t, err)
	_, err = g.Write(ctx, "ns", "k", "v", 1)
	require.NoError(t, err)

	assert.Equal(t, int32(1), next.reads.Load())
	assert.Equal(t, int32(1), next.writes.Load())
}

func TestLimited_WaitHonoursContext(t *testing.T) {
	next := &countingGateway{}
	// One call per minute: the second call cannot fit in the deadline
	g := NewLimited(next, 1.0/60, 1)

	_, err := g.Write(context.Background(), "ns", "k", "v", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Write(ctx, "ns", "k", "v", 2)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, int32(1), next.writes.Load())
}
