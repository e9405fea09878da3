package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/junbin-yang/lwm2m-coap-go/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lwcoap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, api.DefaultConfig(), cfg)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
udp:
  ack_timeout: 3s
  max_retransmit: 2
tcp:
  bert: true
block_size: 256
log_level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	want := api.DefaultConfig()
	want.UDP.AckTimeout = 3 * time.Second
	want.UDP.MaxRetransmit = 2
	want.TCP.BERT = true
	want.BlockSize = 256
	want.LogLevel = "debug"
	assert.Equal(t, want, cfg)
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("LWCOAP_UDP_NSTART", "2")
	t.Setenv("LWCOAP_TCP_REQUEST_TIMEOUT", "5s")
	t.Setenv("LWCOAP_MTU", "512")

	path := writeFile(t, "mtu: 1000\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint(2), cfg.UDP.NStart)
	assert.Equal(t, 5*time.Second, cfg.TCP.RequestTimeout)
	assert.Equal(t, 512, cfg.MTU)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		missing bool
	}{
		{name: "MissingFile", missing: true},
		{name: "BadYAML", content: "udp: [1, 2\n"},
		{name: "InvalidBlockSize", content: "block_size: 100\n"},
		{name: "AckTimeoutTooSmall", content: "udp:\n  ack_timeout: 100ms\n"},
		{name: "TooManyRetransmits", content: "udp:\n  max_retransmit: 11\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "missing.yaml")
			if !tt.missing {
				path = writeFile(t, tt.content)
			}
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := api.DefaultConfig()
	cfg.UDP.AckRandomFactor = 1.25
	cfg.TCP.RequestTimeout = 90 * time.Second
	cfg.MaxExchanges = 32

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, Save(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestDumpReadableDurations(t *testing.T) {
	out, err := Dump(api.DefaultConfig())
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(out, &doc))
	udp, ok := doc["udp"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "2s", udp["ack_timeout"])
	tcp, ok := doc["tcp"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "30s", tcp["request_timeout"])
	assert.Equal(t, 1024, doc["block_size"])
}
