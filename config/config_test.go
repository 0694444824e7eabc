package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spherigo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
	return path
}

func TestLoad_Full(t *testing.T) {
	path := writeConfig(t, `
dataDir: /var/lib/spherigo
codec: go-json
bitsPerAxis: 20
depths: [2, 4, 6]
fanoutCeiling: 32
memberCap: 512
syncIndexing: true
rebuildRate: 200
logLevel: debug
logFormat: json
redis:
  addr: localhost:6379
  db: 1
  ttl: 45s
minio:
  endpoint: localhost:9000
  accessKey: minioadmin
  secretKey: minioadmin
  bucket: spherigo-cells
  prefix: prod
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/spherigo", cfg.DataDir)
	assert.Equal(t, "go-json", cfg.Codec)
	assert.Equal(t, 20, cfg.BitsPerAxis)
	assert.Equal(t, []int{2, 4, 6}, cfg.Depths)
	assert.Equal(t, 32, cfg.FanoutCeiling)
	assert.Equal(t, 512, cfg.MemberCap)
	assert.True(t, cfg.SyncIndexing)
	assert.Equal(t, 200.0, cfg.RebuildRate)
	require.NotNil(t, cfg.Redis)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 1, cfg.Redis.DB)
	require.NotNil(t, cfg.Minio)
	assert.Equal(t, "spherigo-cells", cfg.Minio.Bucket)

	opts, err := cfg.Options()
	require.NoError(t, err)
	assert.NotEmpty(t, opts)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `dataDir: ./somewhere`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "./somewhere", cfg.DataDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Nil(t, cfg.Redis)
	assert.Nil(t, cfg.Minio)

	opts, err := cfg.Options()
	require.NoError(t, err)
	assert.NotEmpty(t, opts)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty dataDir", `dataDir: ""`},
		{"unknown codec", "dataDir: ./d\ncodec: msgpack"},
		{"unknown log level", "dataDir: ./d\nlogLevel: chatty"},
		{"unknown log format", "dataDir: ./d\nlogFormat: xml"},
		{"minio without bucket", "dataDir: ./d\nminio:\n  endpoint: localhost:9000"},
		{"malformed yaml", "dataDir: [unclosed"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			require.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
