package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/senacrud/crudauth/models"
)

const (
	defaultConfigPath  = "/app/config.yaml"
	defaultSecretsPath = "/app/secrets.yaml"
	configKey          = "crudauth"
)

// envOverrides maps environment variables onto config fields. Secrets are
// usually injected this way instead of living in config.yaml.
var envOverrides = map[string]func(*models.Config, string){
	"CRUDAUTH_JWT_SECRET":           func(c *models.Config, v string) { c.JWTSecret = v },
	"CRUDAUTH_COOKIE_SECRET":        func(c *models.Config, v string) { c.CookieSecret = v },
	"CRUDAUTH_GOOGLE_CLIENT_ID":     func(c *models.Config, v string) { c.Google.ClientID = v },
	"CRUDAUTH_GOOGLE_CLIENT_SECRET": func(c *models.Config, v string) { c.Google.ClientSecret = v },
	"CRUDAUTH_DATABASE_URL":         func(c *models.Config, v string) { c.DatabaseURL = v },
	"CRUDAUTH_REDIS_URL":            func(c *models.Config, v string) { c.RedisURL = v },
	"CRUDAUTH_ADMIN_KEY":            func(c *models.Config, v string) { c.AdminKey = v },
}

func isTestRun() bool {
	return strings.HasSuffix(os.Args[0], ".test")
}

// loadConfig reads config.yaml, merges the sops encrypted secrets.yaml on
// top when present, then applies environment overrides and defaults.
func loadConfig(logger *logrus.Logger) (models.Config, error) {
	var cfg models.Config
	configPath := firstExistingPath(defaultConfigPath, "./config.yaml", "../config.yaml")
	if configPath == "" {
		if !isTestRun() {
			logger.Warn("config.yaml not found, running on environment and defaults")
		}
		applyEnvOverrides(&cfg, os.Getenv)
		cfg.Defaults()
		return cfg, nil
	}

	configData, err := os.ReadFile(configPath)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	var secretsData []byte
	if secretsPath := firstExistingPath(defaultSecretsPath, "./secrets.yaml", "../secrets.yaml"); secretsPath != "" {
		secretsData, err = decryptSopsFile(secretsPath)
		if err != nil {
			if !isTestRun() {
				return cfg, err
			}
			logger.Printf("Skipping secrets (%s): %v", secretsPath, err)
		} else {
			logger.Printf("Loaded secrets from %s", secretsPath)
		}
	}

	cfg, err = parseConfig(configData, secretsData)
	if err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg, os.Getenv)
	cfg.Defaults()
	logger.Printf("Loaded config from %s", configPath)
	return cfg, nil
}

// parseConfig decodes the crudauth key of the merged config and secrets
// documents.
func parseConfig(configData, secretsData []byte) (models.Config, error) {
	var cfg models.Config

	configMap := map[string]interface{}{}
	if err := yaml.Unmarshal(configData, &configMap); err != nil {
		return cfg, fmt.Errorf("parse config yaml: %w", err)
	}
	secretsMap := map[string]interface{}{}
	if len(secretsData) > 0 {
		if err := yaml.Unmarshal(secretsData, &secretsMap); err != nil {
			return cfg, fmt.Errorf("parse secrets yaml: %w", err)
		}
	}

	merged, ok := mergeConfig(configMap, secretsMap).(map[string]interface{})
	if !ok {
		return cfg, errors.New("merged config is not a map")
	}
	section := getMap(merged, configKey)
	if section == nil {
		section = map[string]interface{}{}
	}

	payload, err := json.Marshal(section)
	if err != nil {
		return cfg, fmt.Errorf("encode %s config: %w", configKey, err)
	}
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return cfg, fmt.Errorf("decode %s config: %w", configKey, err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *models.Config, getenv func(string) string) {
	for name, set := range envOverrides {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			set(cfg, v)
		}
	}
}

func firstExistingPath(paths ...string) string {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func decryptSopsFile(path string) ([]byte, error) {
	cmd := exec.Command("sops", "-d", path)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", path, err)
	}
	return output, nil
}

// mergeConfig overlays override on base. Maps merge key by key and any
// other value in override replaces the one in base.
func mergeConfig(base, override interface{}) interface{} {
	if override == nil {
		return base
	}

	switch overrideTyped := override.(type) {
	case map[string]interface{}:
		baseMap, ok := base.(map[string]interface{})
		if !ok {
			baseMap = map[string]interface{}{}
		}
		result := map[string]interface{}{}
		for key, value := range baseMap {
			result[key] = value
		}
		for key, value := range overrideTyped {
			result[key] = mergeConfig(result[key], value)
		}
		return result
	default:
		return override
	}
}

func getMap(source map[string]interface{}, key string) map[string]interface{} {
	if source == nil {
		return nil
	}
	value, ok := source[key]
	if !ok {
		return nil
	}
	if typed, ok := value.(map[string]interface{}); ok {
		return typed
	}
	return nil
}
