package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/accesscode"
	"github.com/taskmesh/taskmesh/internal/config"
)

func resetCommandState(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(func() {
		viper.Reset()
		cfgFile = ""
		cfg = config.Config{}
	})
}

func TestInitConfig_ReadsConfigFile(t *testing.T) {
	resetCommandState(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := "port: 20123\nlog_level: debug\ntick_interval: 250ms\n"
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))
	cfgFile = path

	initConfig()

	require.Equal(t, 20123, cfg.Port)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 250*time.Millisecond, cfg.TickInterval)
	// Keys the file does not mention keep their defaults.
	require.Equal(t, config.Defaults().AdminPort, cfg.AdminPort)
	require.Equal(t, config.Defaults().PaymentBatchSize, cfg.PaymentBatchSize)
}

func TestInitConfig_WritesDefaultConfigWhenMissing(t *testing.T) {
	resetCommandState(t)

	tmp := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(tmp))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	// The user config lookup must miss as well.
	t.Setenv("HOME", tmp)

	initConfig()

	require.FileExists(t, filepath.Join(tmp, ".taskmesh", "config.yaml"))
	defaults := config.Defaults()
	require.Equal(t, defaults.Port, cfg.Port)
	require.Equal(t, defaults.TaskAcceptanceTime, cfg.TaskAcceptanceTime)
	require.True(t, cfg.RequireAccessCodes)
}

func TestAccessCodeCommands_MintThenList(t *testing.T) {
	resetCommandState(t)

	cfg = config.Defaults()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")

	accessCodeCount = 3
	t.Cleanup(func() { accessCodeCount = 1 })
	require.NoError(t, runAccessCodeMint(nil, nil))
	require.NoError(t, runAccessCodeList(nil, nil))

	st, err := openStore()
	require.NoError(t, err)
	defer func() { _ = st.Close() }()

	records, err := accesscode.List(st)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, rec := range records {
		require.False(t, rec.Consumed())
	}
}
