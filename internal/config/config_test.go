package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddr = "https://healthcare.googleapis.com/v1/projects/p/locations/us/datasets/d"

func baseArgs(extra ...string) []string {
	return append([]string{"-a", testAddr, "-p", "/mnt/dicom"}, extra...)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(baseArgs())
	require.NoError(t, err)

	assert.Equal(t, testAddr, cfg.DatasetAddr)
	assert.Equal(t, "/mnt/dicom", cfg.MountPath)
	assert.Equal(t, CacheTime{Objects: 60 * time.Second, Files: 300 * time.Second}, cfg.CacheTime)
	assert.Equal(t, int64(10000), cfg.CacheSize)
	assert.True(t, cfg.EnableDeletion)
	assert.Empty(t, cfg.KeyFile)
	assert.Equal(t, DefaultStagingDir(), cfg.StagingDir)
	assert.Equal(t, 3*time.Second, cfg.CleanupDelay)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.False(t, cfg.PrintConfig)
}

func TestLoad_ShortFlags(t *testing.T) {
	cfg, err := Load(baseArgs("-t", "10,20", "-s", "5", "-d=false", "-k", "key.json"))
	require.NoError(t, err)

	assert.Equal(t, CacheTime{Objects: 10 * time.Second, Files: 20 * time.Second}, cfg.CacheTime)
	assert.Equal(t, int64(5), cfg.CacheSize)
	assert.False(t, cfg.EnableDeletion)
	assert.Equal(t, "key.json", cfg.KeyFile)
}

func TestLoad_NegativeValuesNameTheField(t *testing.T) {
	_, err := Load(baseArgs("--cacheTime=-1,300"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CacheTime.Objects")

	_, err = Load(baseArgs("--cacheSize=-3"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CacheSize")
	assert.Contains(t, err.Error(), "gte")
}

func TestLoad_MalformedCacheTime(t *testing.T) {
	_, err := Load(baseArgs("-t", "60"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache time")
}

func TestLoad_RequiresAddressAndMount(t *testing.T) {
	_, err := Load([]string{"-p", "/mnt/dicom"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DatasetAddr")

	_, err = Load([]string{"-a", testAddr})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MountPath")
}

func TestLoad_BadDatasetAddr(t *testing.T) {
	_, err := Load([]string{"-a", "https://healthcare.googleapis.com/v1/projects/p", "-p", "/mnt"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DatasetAddr")
	assert.Contains(t, err.Error(), "datasets")
}

func TestLoad_EnvOverridesDefaultsNotFlags(t *testing.T) {
	t.Setenv("DICOMFUSE_CACHESIZE", "42")
	t.Setenv("DICOMFUSE_LOGLEVEL", "debug")

	cfg, err := Load(baseArgs())
	require.NoError(t, err)
	assert.Equal(t, int64(42), cfg.CacheSize)
	assert.Equal(t, "debug", cfg.LogLevel)

	cfg, err = Load(baseArgs("-s", "7"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), cfg.CacheSize)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dicomfuse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
datasetAddr: `+testAddr+`
mountPath: /mnt/from-file
cacheTime: "5,6"
cleanupDelay: 250ms
logFormat: json
`), 0o644))

	cfg, err := Load([]string{"--config", path})
	require.NoError(t, err)
	assert.Equal(t, "/mnt/from-file", cfg.MountPath)
	assert.Equal(t, CacheTime{Objects: 5 * time.Second, Files: 6 * time.Second}, cfg.CacheTime)
	assert.Equal(t, 250*time.Millisecond, cfg.CleanupDelay)
	assert.Equal(t, "json", cfg.LogFormat)

	cfg, err = Load([]string{"--config", path, "-p", "/mnt/flag"})
	require.NoError(t, err)
	assert.Equal(t, "/mnt/flag", cfg.MountPath)
}

func TestLoad_Help(t *testing.T) {
	_, err := Load([]string{"-h"})
	assert.True(t, errors.Is(err, pflag.ErrHelp))
}

func TestParseCacheTime(t *testing.T) {
	tests := []struct {
		in      string
		want    CacheTime
		wantErr bool
	}{
		{in: "60,300", want: CacheTime{Objects: time.Minute, Files: 5 * time.Minute}},
		{in: " 0 , 1 ", want: CacheTime{Files: time.Second}},
		{in: "60", wantErr: true},
		{in: "a,1", wantErr: true},
		{in: "1,2,3", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseCacheTime(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.want, mustParse(t, got.String()))
	}
}

func mustParse(t *testing.T, s string) CacheTime {
	t.Helper()
	c, err := ParseCacheTime(s)
	require.NoError(t, err)
	return c
}

func TestConfig_Mappings(t *testing.T) {
	cfg, err := Load(baseArgs("-t", "10,20", "-s", "99", "--stagingDir", "/tmp/x", "--cleanupDelay", "1s", "--logOutput", "stdout"))
	require.NoError(t, err)

	st := cfg.Staging()
	assert.Equal(t, "/tmp/x", st.Dir)
	assert.Equal(t, int64(99), st.CacheSizeMB)
	assert.Equal(t, 20*time.Second, st.FilesTTL)
	assert.Equal(t, time.Second, st.CleanupDelay)

	lc := cfg.Logging()
	assert.Equal(t, "info", lc.Level)
	assert.Equal(t, "stdout", lc.OutputPath)
}

func TestConfig_Dump(t *testing.T) {
	cfg, err := Load(baseArgs())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, cfg.Dump(&buf))
	out := buf.String()
	assert.Contains(t, out, "datasetAddr:")
	assert.Contains(t, out, testAddr)
	assert.Contains(t, out, "cacheTime:")
	assert.Contains(t, out, "60,300")
	assert.Contains(t, out, "cleanupDelay: 3s")
	assert.NotContains(t, out, "printConfig")
}
