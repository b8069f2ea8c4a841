package client

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// useConfigDir points the global config at a temporary directory.
func useConfigDir(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	oldGetConfigDir := getConfigDirFunc
	oldGetConfigPath := getConfigPathFunc
	getConfigDirFunc = func() (string, error) { return tmpDir, nil }
	getConfigPathFunc = func() (string, error) { return configPath, nil }
	t.Cleanup(func() {
		getConfigDirFunc = oldGetConfigDir
		getConfigPathFunc = oldGetConfigPath
	})
	return configPath
}

func writeConfig(t *testing.T, path string, cfg GlobalConfig) {
	t.Helper()
	data, _ := json.MarshalIndent(cfg, "", "  ")
	require.NoError(t, os.WriteFile(path, data, 0600))
}

func TestGetConfigDir(t *testing.T) {
	dir, err := GetConfigDir()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(dir))
	assert.True(t, strings.HasSuffix(dir, "cse"))
}

func TestGetConfigPath(t *testing.T) {
	path, err := GetConfigPath()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(path))
	assert.True(t, strings.HasSuffix(path, "config.json"))
}

func TestLoadGlobalConfig_FileNotExists(t *testing.T) {
	useConfigDir(t)

	config, err := LoadGlobalConfig()
	require.NoError(t, err)
	assert.Nil(t, config)
}

func TestLoadGlobalConfig_ValidFile(t *testing.T) {
	path := useConfigDir(t)
	writeConfig(t, path, GlobalConfig{APIToken: "cse_tok", ServerURL: "http://cse.internal:8080", SessionID: "s-1"})

	config, err := LoadGlobalConfig()
	require.NoError(t, err)
	require.NotNil(t, config)
	assert.Equal(t, "cse_tok", config.APIToken)
	assert.Equal(t, "http://cse.internal:8080", config.ServerURL)
	assert.Equal(t, "s-1", config.SessionID)
}

func TestLoadGlobalConfig_InvalidJSON(t *testing.T) {
	path := useConfigDir(t)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err := LoadGlobalConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestSaveGlobalConfig_Permissions(t *testing.T) {
	path := useConfigDir(t)

	require.NoError(t, SaveGlobalConfig(&GlobalConfig{ServerURL: defaultServerURL}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestSaveGlobalConfig_NilConfig(t *testing.T) {
	assert.Error(t, SaveGlobalConfig(nil))
}

func TestDeleteGlobalConfig(t *testing.T) {
	path := useConfigDir(t)
	writeConfig(t, path, GlobalConfig{ServerURL: defaultServerURL})

	require.NoError(t, DeleteGlobalConfig())
	assert.NoFileExists(t, path)

	// deleting twice is fine
	require.NoError(t, DeleteGlobalConfig())
}

func TestSaveGlobalConfig_LeavesNoTempFiles(t *testing.T) {
	path := useConfigDir(t)

	require.NoError(t, SaveGlobalConfig(&GlobalConfig{ServerURL: "http://a:8080"}))
	require.NoError(t, SaveGlobalConfig(&GlobalConfig{ServerURL: "http://b:8080"}))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "config.json", entries[0].Name())

	config, err := LoadGlobalConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://b:8080", config.ServerURL)
}

func TestUpdateGlobalConfig_StartsEmpty(t *testing.T) {
	useConfigDir(t)

	require.NoError(t, UpdateGlobalConfig(func(c *GlobalConfig) {
		assert.Equal(t, GlobalConfig{}, *c)
		c.ServerURL = "http://cse:8080"
	}))

	config, err := LoadGlobalConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://cse:8080", config.ServerURL)
}

func TestRememberSession_KeepsCredentials(t *testing.T) {
	path := useConfigDir(t)
	writeConfig(t, path, GlobalConfig{APIToken: "cse_tok", ServerURL: "http://cse:8080"})

	require.NoError(t, RememberSession("s-42"))

	config, err := LoadGlobalConfig()
	require.NoError(t, err)
	assert.Equal(t, "s-42", config.SessionID)
	assert.Equal(t, "cse_tok", config.APIToken)

	require.NoError(t, RememberSession(""))
	config, err = LoadGlobalConfig()
	require.NoError(t, err)
	assert.Empty(t, config.SessionID)
}

func TestGetCredentialSource(t *testing.T) {
	tests := []struct {
		name       string
		flagToken  string
		flagURL    string
		envToken   string
		envURL     string
		global     *GlobalConfig
		wantSource CredentialSource
		wantToken  string
		wantURL    string
	}{
		{
			name: "flag wins", flagToken: "flag-tok", flagURL: "http://flag:8080",
			envToken: "env-tok", envURL: "http://env:8080",
			wantSource: SourceFlag, wantToken: "flag-tok", wantURL: "http://flag:8080",
		},
		{
			name: "env over global", envToken: "env-tok", envURL: "http://env:8080",
			global:     &GlobalConfig{APIToken: "global-tok", ServerURL: "http://global:8080"},
			wantSource: SourceEnvFile, wantToken: "env-tok", wantURL: "http://env:8080",
		},
		{
			name:       "global config",
			global:     &GlobalConfig{APIToken: "global-tok", ServerURL: "http://global:8080"},
			wantSource: SourceGlobalConfig, wantToken: "global-tok", wantURL: "http://global:8080",
		},
		{
			name: "flag token with global server", flagToken: "flag-tok",
			global:     &GlobalConfig{APIToken: "global-tok", ServerURL: "http://global:8080"},
			wantSource: SourceGlobalConfig, wantToken: "flag-tok", wantURL: "http://global:8080",
		},
		{
			name:       "default server",
			wantSource: SourceDefault, wantURL: defaultServerURL,
		},
		{
			name: "default server with env token", envToken: "env-tok",
			wantSource: SourceDefault, wantToken: "env-tok", wantURL: defaultServerURL,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := useConfigDir(t)
			t.Setenv(envAPIToken, tt.envToken)
			t.Setenv(envServerURL, tt.envURL)
			if tt.global != nil {
				writeConfig(t, path, *tt.global)
			}

			source, token, url := GetCredentialSource(tt.flagToken, tt.flagURL)
			assert.Equal(t, tt.wantSource, source)
			assert.Equal(t, tt.wantToken, token)
			assert.Equal(t, tt.wantURL, url)
		})
	}
}
