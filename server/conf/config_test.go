package conf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewCfg().Load(&CommandLineArgs{})
	require.NoError(t, err)
	assert.Equal(t, 4096, cfg.BlockSize)
	assert.Equal(t, 4, cfg.DirectorySize)
	assert.Equal(t, 64, cfg.NodeOrder)
	assert.Equal(t, 2.0, cfg.RehashThreshold)
	assert.True(t, cfg.Doublewrite)
	assert.Equal(t, filepath.Join("data", "xmysql.ibd"), cfg.DataFilePath())
}

func TestLoadIni(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "my.ini", `
[storage]
data_dir = /tmp/xs
block_size = 8192
node_order = 4
rehash_threshold = 1.5
doublewrite = false

[logs]
log_level = DEBUG

[redo]
enabled = true
compression = lz4
`)
	cfg, err := NewCfg().Load(&CommandLineArgs{ConfigPath: path})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/xs", cfg.DataDir)
	assert.Equal(t, 8192, cfg.BlockSize)
	assert.Equal(t, 4, cfg.NodeOrder)
	assert.Equal(t, 1.5, cfg.RehashThreshold)
	assert.False(t, cfg.Doublewrite)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.RedoEnabled)
	assert.Equal(t, "lz4", cfg.RedoCompression)
	assert.Equal(t, filepath.Join("/tmp/xs", "redo", "redo.log"), cfg.RedoFilePath())
}

func TestLoadToml(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "storage.toml", `
[storage]
block_size = 1024
directory_size = 8
rehash_threshold = 3

[redo]
compression = "none"
`)
	cfg, err := NewCfg().Load(&CommandLineArgs{ConfigPath: path})
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.BlockSize)
	assert.Equal(t, 8, cfg.DirectorySize)
	assert.Equal(t, 3.0, cfg.RehashThreshold)
	assert.Equal(t, "none", cfg.RedoCompression)
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	envFile := writeFile(t, dir, ".env", "XMYSQL_STORAGE_NODE_ORDER=5\nXMYSQL_STORAGE_BLOCK_SIZE=2048\n")
	t.Setenv("XMYSQL_STORAGE_BLOCK_SIZE", "16384")
	t.Setenv("XMYSQL_STORAGE_REDO_ENABLED", "true")

	cfg, err := NewCfg().Load(&CommandLineArgs{EnvFile: envFile})
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.NodeOrder)
	// 进程环境变量优先
	assert.Equal(t, 16384, cfg.BlockSize)
	assert.True(t, cfg.RedoEnabled)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Cfg)
	}{
		{"块大小非2的幂", func(c *Cfg) { c.BlockSize = 3000 }},
		{"块大小过小", func(c *Cfg) { c.BlockSize = 256 }},
		{"阶数过小", func(c *Cfg) { c.NodeOrder = 2 }},
		{"目录大小为0", func(c *Cfg) { c.DirectorySize = 0 }},
		{"阈值为0", func(c *Cfg) { c.RehashThreshold = 0 }},
		{"未知压缩算法", func(c *Cfg) { c.RedoCompression = "zstd" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewCfg()
			tc.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	t.Run("无效日志级别回退", func(t *testing.T) {
		cfg := NewCfg()
		cfg.LogLevel = "loud"
		require.NoError(t, cfg.Validate())
		assert.Equal(t, "info", cfg.LogLevel)
	})
}
