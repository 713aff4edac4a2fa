package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testContract = "0xcccccccccccccccccccccccccccccccccccccccc"
	testKey      = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("ESCROW_CONTRACT", testContract)
	t.Setenv("PRIVATE_KEY", testKey)
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, "AVAX", cfg.NativeSymbol)
	assert.Equal(t, 18, cfg.NativeDecimals)
	assert.Equal(t, DefaultConfirmTimeout, cfg.ConfirmTimeout)
	assert.Equal(t, DefaultReconcilePoll, cfg.ReconcilePoll)
	assert.Equal(t, DefaultGasLimit, cfg.DefaultGasLimit)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "9090")
	t.Setenv("CHAIN_ID", "43114")
	t.Setenv("CONFIRM_TIMEOUT", "30s")
	t.Setenv("ENV", "production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, int64(43114), cfg.ChainID)
	assert.Equal(t, 30*time.Second, cfg.ConfirmTimeout)
	assert.True(t, cfg.IsProduction())
}

func TestLoad_MissingContractRefusesToStart(t *testing.T) {
	t.Setenv("ESCROW_CONTRACT", "")
	t.Setenv("PRIVATE_KEY", testKey)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ESCROW_CONTRACT")
	assert.Contains(t, err.Error(), "refusing to start")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			RPCURL:         DefaultRPCURL,
			ChainID:        DefaultChainID,
			NativeDecimals: 18,
			EscrowContract: testContract,
			PrivateKey:     testKey,
		}
	}

	tests := []struct {
		name     string
		mutate   func(*Config)
		wantErr  bool
		contains string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:   "0x-prefixed private key",
			mutate: func(c *Config) { c.PrivateKey = "0x" + testKey },
		},
		{
			name:     "missing rpc url",
			mutate:   func(c *Config) { c.RPCURL = "" },
			wantErr:  true,
			contains: "RPC_URL",
		},
		{
			name:     "zero chain id",
			mutate:   func(c *Config) { c.ChainID = 0 },
			wantErr:  true,
			contains: "CHAIN_ID",
		},
		{
			name:     "malformed contract address",
			mutate:   func(c *Config) { c.EscrowContract = "0x1234" },
			wantErr:  true,
			contains: "ESCROW_CONTRACT",
		},
		{
			name:     "missing private key",
			mutate:   func(c *Config) { c.PrivateKey = "" },
			wantErr:  true,
			contains: "PRIVATE_KEY",
		},
		{
			name:     "short private key",
			mutate:   func(c *Config) { c.PrivateKey = "abc123" },
			wantErr:  true,
			contains: "PRIVATE_KEY",
		},
		{
			name:     "decimals out of range",
			mutate:   func(c *Config) { c.NativeDecimals = 40 },
			wantErr:  true,
			contains: "NATIVE_DECIMALS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.contains)
				return
			}
			assert.NoError(t, err)
		})
	}
}
