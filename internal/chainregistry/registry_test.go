package chainregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Chains: []config.ChainSeed{
			{
				Prefix:         "ETHEREUM",
				ExecutionURLs:  []string{"http://exec-1:8545", "http://exec-2:8545"},
				ConsensusURLs:  []string{"http://cons-1:5052"},
				PrometheusURLs: []string{"http://prom-1:9090"},
			},
		},
	}
}

func TestRegistryGetCaseInsensitive(t *testing.T) {
	r := New(testConfig())

	entry, ok := r.Get("Ethereum")
	require.True(t, ok)
	assert.Equal(t, "ethereum", entry.Name)
	assert.Len(t, entry.Execution, 2)
	assert.True(t, entry.Enabled)

	_, ok = r.Get("polygon")
	assert.False(t, ok)
}

func TestRegistrySetEnabled(t *testing.T) {
	r := New(testConfig())

	ok := r.SetEnabled("ethereum", false)
	require.True(t, ok)

	entry, _ := r.Get("ethereum")
	assert.False(t, entry.Enabled)

	assert.False(t, r.SetEnabled("unknown-chain", true))
}

func TestRegistryUpsertAndDelete(t *testing.T) {
	r := New(testConfig())

	r.Upsert(Entry{Name: "Polygon", Execution: []string{"http://poly:8545"}, Enabled: true})
	entry, ok := r.Get("polygon")
	require.True(t, ok)
	assert.Equal(t, []string{"http://poly:8545"}, entry.Execution)

	r.Delete("polygon")
	_, ok = r.Get("polygon")
	assert.False(t, ok)

	// ethereum, untouched, must still be present.
	_, ok = r.Get("ethereum")
	assert.True(t, ok)
}

func TestRegistryAll(t *testing.T) {
	r := New(testConfig())
	all := r.All()
	assert.Len(t, all, 1)
	assert.Equal(t, "ethereum", all[0].Name)
}

func TestRegistryLoadReplacesWholeMap(t *testing.T) {
	r := New(testConfig())
	r.Load(&config.Config{Chains: []config.ChainSeed{{Prefix: "ARBITRUM"}}})

	_, ok := r.Get("ethereum")
	assert.False(t, ok)
	_, ok = r.Get("arbitrum")
	assert.True(t, ok)
}
