// Package configs loads SDK configuration from config.yml plus secrets
// from the environment.
package configs

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/metaapi-cloud/metaapi-go/metaapi"
)

// Config represents the entire configuration structure from config.yml
type Config struct {
	Domain            string        `yaml:"domain"`
	Application       string        `yaml:"application"`
	RequestTimeoutSec int           `yaml:"requestTimeoutSec"`
	Retry             RetryYAMLData `yaml:"retry"`
}

// RetryYAMLData is the HTTP retry policy section from YAML
type RetryYAMLData struct {
	Retries     int `yaml:"retries"`
	MinDelaySec int `yaml:"minDelaySec"`
	MaxDelaySec int `yaml:"maxDelaySec"`
	MaxWaitSec  int `yaml:"maxWaitSec"`
}

// LoadConfig reads and parses config.yml into a Config struct
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &config, nil
}

// LoadToken resolves the auth token from the environment, optionally
// loading a dotenv file first. The token never lives in config.yml.
func LoadToken(envFile string) (string, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return "", fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	token := os.Getenv("METAAPI_TOKEN")
	if token == "" {
		return "", fmt.Errorf("METAAPI_TOKEN not set")
	}
	return token, nil
}

// ToClientOptions converts the config into socket client options.
func (c *Config) ToClientOptions(token string) metaapi.ClientOptions {
	return metaapi.ClientOptions{
		Token:          token,
		Domain:         c.Domain,
		Application:    c.Application,
		RequestTimeout: time.Duration(c.RequestTimeoutSec) * time.Second,
	}
}

// ToRetryOptions converts the retry section into HTTP client options.
func (c *Config) ToRetryOptions() metaapi.RetryOptions {
	return metaapi.RetryOptions{
		Retries:       c.Retry.Retries,
		MinRetryDelay: time.Duration(c.Retry.MinDelaySec) * time.Second,
		MaxRetryDelay: time.Duration(c.Retry.MaxDelaySec) * time.Second,
		MaxDelay:      time.Duration(c.Retry.MaxWaitSec) * time.Second,
	}
}
