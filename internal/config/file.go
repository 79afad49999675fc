package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// File is the optional on-disk shape for bootstrapping pubsub.Options from a
// YAML config file. Every field except Debug maps onto a recognized option
// key (AuthHeaders onto authOptions.headers); the SDK
// itself never requires a config file, this is purely a convenience for
// cmd/example and similar host programs.
type File struct {
	APIKey      string            `yaml:"apiKey"`
	AuthURL     string            `yaml:"authUrl"`
	AuthHeaders map[string]string `yaml:"authHeaders"`
	Alias       string            `yaml:"alias"`

	HTTPHost string `yaml:"httpHost"`
	HTTPPort int    `yaml:"httpPort"`
	WSHost   string `yaml:"wsHost"`
	WSPort   int    `yaml:"wsPort"`
	IsSecure bool   `yaml:"isSecure"`

	AutoConnect      bool `yaml:"autoConnect"`
	AutoReconnect    bool `yaml:"autoReconnect"`
	AutoResubscribe  bool `yaml:"autoResubscribe"`
	AutoAuthenticate bool `yaml:"autoAuthenticate"`

	AuthenticateRetries         int `yaml:"authenticateRetries"`
	AuthenticateRetryIntervalMs int `yaml:"authenticateRetryIntervalMs"`

	MaxReconnectAttempts       int     `yaml:"maxReconnectAttempts"`
	InitialReconnectDelayMs    int     `yaml:"initialReconnectDelayMs"`
	MaxReconnectDelayMs        int     `yaml:"maxReconnectDelayMs"`
	ReconnectBackoffMultiplier float64 `yaml:"reconnectBackoffMultiplier"`

	PingTimeoutMs    int `yaml:"pingTimeoutMs"`
	ConnectTimeoutMs int `yaml:"connectTimeoutMs"`

	Debug bool `yaml:"debug"`
}

// Load reads a YAML config file from path into a File. An empty path
// returns a zero-valued File so a host program can run purely off
// environment variables or in-code options. Environment variables from a
// .env file in the working directory (if present) are loaded first via
// godotenv so
// ${VAR}-style values placed in the YAML by a host program's own expansion
// step see them; this package does no expansion itself.
func Load(path string) (*File, error) {
	_ = godotenv.Load() // best effort; absence of .env is not an error

	if path == "" {
		return &File{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &f, nil
}
