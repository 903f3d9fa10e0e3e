package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GhostKellz/ghostbridge/types"
)

// writeTestKeyPair generates a throwaway self-signed certificate.
func writeTestKeyPair(t *testing.T) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "ghostbridge-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")

	certOut, err := os.Create(certFile)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, certOut.Close())

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyOut, err := os.Create(keyFile)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	require.NoError(t, keyOut.Close())

	return certFile, keyFile
}

func validTestConfig(t *testing.T) *ServerConfig {
	cfg := NewConfigManager().getDefaultConfig()
	cfg.Server.CertFile, cfg.Server.KeyFile = writeTestKeyPair(t)
	return cfg
}

func TestValidateConfigAcceptsDefaultsWithCerts(t *testing.T) {
	cfg := validTestConfig(t)
	require.NoError(t, NewConfigManager().ValidateConfig(cfg))
}

func TestValidateConfigRejectsMissingCerts(t *testing.T) {
	cfg := NewConfigManager().getDefaultConfig()
	err := NewConfigManager().ValidateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cert_file")
}

func TestValidateConfigRejections(t *testing.T) {
	cm := NewConfigManager()

	cfg := validTestConfig(t)
	cfg.Server.LogLevel = "verbose"
	assert.Error(t, cm.ValidateConfig(cfg))

	cfg = validTestConfig(t)
	cfg.Cache.MinTTL = 100
	cfg.Cache.MaxTTL = 10
	assert.Error(t, cm.ValidateConfig(cfg))

	cfg = validTestConfig(t)
	cfg.Channels = append(cfg.Channels, ChannelConfig{Type: "bogus", ServiceEndpoint: "http://x"})
	assert.Error(t, cm.ValidateConfig(cfg))

	cfg = validTestConfig(t)
	cfg.Channels = append(cfg.Channels, cfg.Channels[0])
	assert.Error(t, cm.ValidateConfig(cfg), "duplicate channel types are refused")

	cfg = validTestConfig(t)
	cfg.Resolver.EnableENSBridge = true
	cfg.Resolver.ENSRPCEndpoint = ""
	assert.Error(t, cm.ValidateConfig(cfg))

	cfg = validTestConfig(t)
	cfg.Redis.Address = "not-an-address"
	assert.Error(t, cm.ValidateConfig(cfg))

	cfg = validTestConfig(t)
	cfg.Service.AlertRules = []AlertRuleConfig{{Name: "x", Condition: "made_up"}}
	assert.Error(t, cm.ValidateConfig(cfg))
}

func TestLoadConfigFromFile(t *testing.T) {
	cfg := validTestConfig(t)
	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Server.HTTP2Port, loaded.Server.HTTP2Port)
	assert.Equal(t, cfg.Cache.MaxEntries, loaded.Cache.MaxEntries)
}

func TestGenerateExampleConfigParses(t *testing.T) {
	example := GenerateExampleConfig()
	var cfg ServerConfig
	require.NoError(t, json.Unmarshal([]byte(example), &cfg))
	assert.Equal(t, types.DefaultHTTP2Port, cfg.Server.HTTP2Port)
	assert.True(t, cfg.Resolver.EnableENSBridge)
	assert.NotEmpty(t, cfg.Service.AlertRules)
}

func TestRuntimeChannels(t *testing.T) {
	cfg := NewConfigManager().getDefaultConfig()
	channels := cfg.RuntimeChannels()
	require.Len(t, channels, len(cfg.Channels))

	byType := map[types.ChannelType]types.Channel{}
	for _, channel := range channels {
		byType[channel.Type] = channel
	}
	wallet := byType[types.ChannelWallet]
	assert.Equal(t, 5*time.Second, wallet.Timeout)
	assert.True(t, wallet.EncryptionRequired)
}
