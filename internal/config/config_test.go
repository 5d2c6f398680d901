package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.False(t, cfg.Full)
	require.Equal(t, ".", cfg.OutputDir)
	require.Equal(t, "truncate", cfg.CorruptPolicy)
	require.Empty(t, cfg.Validate())
}

func TestParseValidConfig(t *testing.T) {
	tmp := t.TempDir()
	data := `
full: true
console_off: true
dmesg: true
temp_dir: ` + tmp + `
output_dir: /var/tmp
keep_temp: true
log_level: debug
log_format: json
corrupt_policy: skip
dmesg_command: ["sudo", "dmesg", "--time-format", "iso", "-w"]
`
	cfg, err := Parse([]byte(data))
	require.NoError(t, err)
	require.True(t, cfg.Full)
	require.True(t, cfg.ConsoleOff)
	require.True(t, cfg.Dmesg)
	require.True(t, cfg.KeepTemp)
	require.Equal(t, tmp, cfg.TempDir)
	require.Equal(t, "/var/tmp", cfg.OutputDir)
	require.Equal(t, "skip", cfg.CorruptPolicy)
	require.Equal(t, []string{"sudo", "dmesg", "--time-format", "iso", "-w"}, cfg.DmesgCommand)
	require.Nil(t, cfg.JournalCommand)
	require.Empty(t, cfg.Validate())
}

func TestParseKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := Parse([]byte("full: true\n"))
	require.NoError(t, err)
	require.True(t, cfg.Full)
	require.Equal(t, Default().LogLevel, cfg.LogLevel)
	require.Equal(t, Default().TempDir, cfg.TempDir)
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestParseUnknownKey(t *testing.T) {
	_, err := Parse([]byte("fulll: true\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "loud"
	cfg.LogFormat = "xml"
	cfg.CorruptPolicy = "sort"
	cfg.TempDir = filepath.Join(t.TempDir(), "missing")
	cfg.DmesgCommand = []string{}

	errs := cfg.Validate()
	require.Len(t, errs, 5)
}

func TestLoad(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)

	path := filepath.Join(t.TempDir(), "dmerg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("output: session.log\n"), 0600))
	cfg, err = Load(path)
	require.NoError(t, err)
	require.Equal(t, "session.log", cfg.Output)

	_, err = Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/dmerg.yaml")
	require.Equal(t, "flag.yaml", Path("flag.yaml"))
	require.Equal(t, "/etc/dmerg.yaml", Path(""))
}
