package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	envAPIToken  = "CSE_API_TOKEN"
	envServerURL = "CSE_SERVER_URL"

	defaultServerURL = "http://localhost:8080"
	configFileName   = "config.json"
)

// GlobalConfig is what "cse auth login" and "cse ask" persist between runs.
type GlobalConfig struct {
	APIToken  string `json:"api_token,omitempty"`
	ServerURL string `json:"server_url"`
	// SessionID is the conversation resumed by "cse ask" when --session is not given
	SessionID string `json:"session_id,omitempty"`
}

// swapped by tests
var (
	getConfigDirFunc  = defaultGetConfigDir
	getConfigPathFunc = defaultGetConfigPath
)

func defaultGetConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}
	return filepath.Join(base, "cse"), nil
}

func defaultGetConfigPath() (string, error) {
	dir, err := getConfigDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}

// GetConfigDir returns <user config dir>/cse.
func GetConfigDir() (string, error) {
	return getConfigDirFunc()
}

func GetConfigPath() (string, error) {
	return getConfigPathFunc()
}

// LoadGlobalConfig returns nil, nil when no config has been saved yet.
func LoadGlobalConfig() (*GlobalConfig, error) {
	path, err := GetConfigPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config GlobalConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &config, nil
}

// SaveGlobalConfig replaces config.json atomically. The file holds the API
// token, so it is written 0600.
func SaveGlobalConfig(config *GlobalConfig) error {
	if config == nil {
		return errors.New("config cannot be nil")
	}

	dir, err := GetConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	path, err := GetConfigPath()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.json")
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// UpdateGlobalConfig loads the config (empty if none), applies fn and saves it.
func UpdateGlobalConfig(fn func(*GlobalConfig)) error {
	config, err := LoadGlobalConfig()
	if err != nil {
		return err
	}
	if config == nil {
		config = &GlobalConfig{}
	}
	fn(config)
	return SaveGlobalConfig(config)
}

// DeleteGlobalConfig removes config.json. A missing file is not an error.
func DeleteGlobalConfig() error {
	path, err := GetConfigPath()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete config file: %w", err)
	}
	return nil
}

// RememberSession stores id as the session to resume. An empty id forgets it.
func RememberSession(id string) error {
	return UpdateGlobalConfig(func(c *GlobalConfig) { c.SessionID = id })
}

// CredentialSource names the layer the server URL was taken from.
type CredentialSource string

const (
	SourceFlag         CredentialSource = "flag"
	SourceEnvFile      CredentialSource = "env_file"
	SourceGlobalConfig CredentialSource = "global_config"
	SourceDefault      CredentialSource = "default"
)

// GetCredentialSource resolves the server URL from the first layer that sets
// one: flag, then CSE_SERVER_URL (also read from .env), then the global config,
// then the local default. A --token flag always wins; otherwise the token comes
// from the same layer as the URL, or CSE_API_TOKEN for the default server.
func GetCredentialSource(flagToken, flagURL string) (CredentialSource, string, string) {
	pick := func(layerToken string) string {
		if flagToken != "" {
			return flagToken
		}
		return layerToken
	}

	if flagURL != "" {
		return SourceFlag, flagToken, flagURL
	}
	if envURL := os.Getenv(envServerURL); envURL != "" {
		return SourceEnvFile, pick(os.Getenv(envAPIToken)), envURL
	}
	if config, err := LoadGlobalConfig(); err == nil && config != nil && config.ServerURL != "" {
		return SourceGlobalConfig, pick(config.APIToken), config.ServerURL
	}
	return SourceDefault, pick(os.Getenv(envAPIToken)), defaultServerURL
}
