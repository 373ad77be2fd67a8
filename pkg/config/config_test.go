package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsProduceValidConfig(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	cfg := fromViper(v)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "filesystem", cfg.Storage.Driver)
	assert.Equal(t, 4, cfg.Storage.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.Storage.InitialBackoff)
	assert.Equal(t, int64(32*1024*1024), cfg.Upload.MaxRequestBytes)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
	assert.Equal(t, 5*time.Minute, cfg.Download.LinkTTL)
	assert.Equal(t, 5*time.Second, cfg.Events.RetryBackoff)
	assert.Equal(t, 5*time.Minute, cfg.Events.MaxBackoff)
	assert.Equal(t, 20, cfg.Events.StallAfter)
}

func TestValidateRejectsDevKeyInProduction(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("ENV", EnvProduction)

	cfg := fromViper(v)
	require.Error(t, cfg.Validate())

	cfg.Encryption.MasterKey = "cHJvZHVjdGlvbi1zZWNyZXQtdmFsdWUtMzItYnl0ZXMh"
	require.NoError(t, cfg.Validate())

	cfg.Encryption.KeyStoreDriver = "memory"
	require.Error(t, cfg.Validate())
}

func TestValidateRequiresKafkaBrokers(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("EVENTS_DRIVER", "kafka")

	cfg := fromViper(v)
	require.Error(t, cfg.Validate())

	cfg.Events.KafkaBrokers = []string{"localhost:9092"}
	require.NoError(t, cfg.Validate())
}

func TestLoadPolicyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	content := `rules:
  - category: receipt
    max_size_bytes: 1024
    allowed_mime_types: [application/pdf]
    allowed_extensions: [pdf]
    require_encryption: true
    require_scan: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	rules, err := LoadPolicyFile(path)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "receipt", rules[0].Category)
	assert.Equal(t, int64(1024), rules[0].MaxSizeBytes)
	assert.Equal(t, []string{"application/pdf"}, rules[0].AllowedMIMETypes)
	assert.True(t, rules[0].RequireScan)
}

func TestLoadPolicyFileMissing(t *testing.T) {
	_, err := LoadPolicyFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestSplitAndTrim(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitAndTrim(" a , ,b"))
	assert.Nil(t, splitAndTrim(""))
}
