package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
node:
  http_addr: ":9090"
  in_memory: true
chains:
  - name: sepolia
    selector: 16015286601757825753
    rpc_url: wss://sepolia.example/ws
    vault: "0x1111111111111111111111111111111111111111"
    start_block: 100
    quote_token: "0x2222222222222222222222222222222222222222"
  - name: fuji
    selector: 14767482510784806043
    rpc_url: wss://fuji.example/ws
    vault: "0x3333333333333333333333333333333333333333"
pairs:
  - id: TBILL-USDC
    base_token: "0x4444444444444444444444444444444444444444"
    base_chain: 16015286601757825753
    quote_token: "0x2222222222222222222222222222222222222222"
    quote_chain: 16015286601757825753
    allow_resting: true
report:
  timeout: 3s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "veilx.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("VEILX_CONFIG", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, Default().Node.HTTPAddr, cfg.Node.HTTPAddr)
	assert.Equal(t, "info", cfg.Node.LogLevel)
	assert.Equal(t, 4, cfg.Settlement.Workers)
	assert.Equal(t, 5*time.Second, cfg.Listener.RetryInterval)
	assert.Empty(t, cfg.Chains)
}

func TestLoadYAMLAndEnv(t *testing.T) {
	t.Setenv("VEILX_CONFIG", writeConfig(t, sampleYAML))
	t.Setenv("VEILX_SETTLEMENT_WORKERS", "8")
	t.Setenv("VEILX_LISTENER_RETRY_INTERVAL", "250ms")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Node.HTTPAddr)
	assert.True(t, cfg.Node.InMemory)
	assert.Equal(t, 8, cfg.Settlement.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Listener.RetryInterval)
	assert.Equal(t, 3*time.Second, cfg.Report.Timeout)

	require.Len(t, cfg.Chains, 2)
	assert.Equal(t, uint64(16015286601757825753), cfg.Settlement.HomeChain, "home chain defaults to the first chain")
	sepolia, ok := cfg.Chain(16015286601757825753)
	require.True(t, ok)
	assert.Equal(t, uint64(100), sepolia.StartBlock)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", sepolia.VaultAddress().Hex())

	require.Len(t, cfg.Pairs, 1)
	assert.True(t, cfg.Pairs[0].AllowResting)
}

func TestLoadDotEnv(t *testing.T) {
	t.Setenv("VEILX_CONFIG", "")
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("VEILX_NODE_HTTP_ADDR=:7070\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("VEILX_NODE_HTTP_ADDR") })

	cfg, err := Load(envPath)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Node.HTTPAddr)
}

func TestValidate(t *testing.T) {
	chain := Chain{
		Name:     "sepolia",
		Selector: 1,
		RPCURL:   "wss://x",
		Vault:    "0x1111111111111111111111111111111111111111",
	}
	pair := Pair{
		ID:         "P",
		BaseToken:  "0x4444444444444444444444444444444444444444",
		BaseChain:  1,
		QuoteToken: "0x2222222222222222222222222222222222222222",
		QuoteChain: 1,
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(c *Config) {}, true},
		{"bad vault", func(c *Config) { c.Chains[0].Vault = "nope" }, false},
		{"duplicate chain", func(c *Config) { c.Chains = append(c.Chains, chain) }, false},
		{"pair on unknown chain", func(c *Config) { c.Pairs[0].QuoteChain = 2 }, false},
		{"unknown home chain", func(c *Config) { c.Settlement.HomeChain = 9 }, false},
		{"missing http addr", func(c *Config) { c.Node.HTTPAddr = "" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Chains = []Chain{chain}
			cfg.Pairs = []Pair{pair}
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
