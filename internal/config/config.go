// Package config loads workbench settings from a YAML or JSON file, a .env
// file and environment variables, in that order of increasing precedence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrConfiguration is wrapped by Validate failures.
var ErrConfiguration = errors.New("invalid configuration")

const (
	DefaultLLMBaseURL = "http://localhost:11434"
	DefaultModel      = "glm-4.7-flash:bf16"
	DefaultFHIRURL    = "https://r4.smarthealthit.org"
)

type Config struct {
	LLM       LLMConfig     `json:"llm" yaml:"llm"`
	Sandbox   SandboxConfig `json:"sandbox" yaml:"sandbox"`
	FHIR      FHIRConfig    `json:"fhir" yaml:"fhir"`
	SkillsDir string        `json:"skills_dir" yaml:"skills_dir"`
	Redis     RedisConfig   `json:"redis" yaml:"redis"`
	NATS      NATSConfig    `json:"nats" yaml:"nats"`
	Server    ServerConfig  `json:"server" yaml:"server"`
	Schedules []Schedule    `json:"schedules" yaml:"schedules"`
}

type LLMConfig struct {
	BaseURL        string  `json:"base_url" yaml:"base_url"`
	Model          string  `json:"model" yaml:"model"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxTokens      int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature    float64 `json:"temperature" yaml:"temperature"`
	APIKey         string  `json:"api_key" yaml:"api_key"`
}

type SandboxConfig struct {
	Interpreter       string `json:"interpreter" yaml:"interpreter"`
	ScriptName        string `json:"script_name" yaml:"script_name"`
	TimeoutSeconds    int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	ArtifactExt       string `json:"artifact_ext" yaml:"artifact_ext"`
	BaseDir           string `json:"base_dir" yaml:"base_dir"`
	WorkDirPrefix     string `json:"work_dir_prefix" yaml:"work_dir_prefix"`
	FailOnNonZeroExit bool   `json:"fail_on_non_zero_exit" yaml:"fail_on_non_zero_exit"`
}

type FHIREndpoint struct {
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url" yaml:"url"`
}

type FHIRConfig struct {
	Endpoints           []FHIREndpoint `json:"endpoints" yaml:"endpoints"`
	DefaultEndpoint     string         `json:"default_endpoint" yaml:"default_endpoint"`
	CheckTimeoutSeconds int            `json:"check_timeout_seconds" yaml:"check_timeout_seconds"`
	CacheDir            string         `json:"cache_dir" yaml:"cache_dir"`
}

// RedisConfig: an empty Addr disables persistence.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	TTLHours int    `json:"ttl_hours" yaml:"ttl_hours"`
}

// NATSConfig: an empty URL disables event publishing.
type NATSConfig struct {
	URL           string `json:"url" yaml:"url"`
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
}

type ServerConfig struct {
	Host          string `json:"host" yaml:"host"`
	Port          int    `json:"port" yaml:"port"`
	MaxConcurrent int    `json:"max_concurrent" yaml:"max_concurrent"`
}

// Schedule is a cron entry. Kind is one of gap_analysis, custom_query or health.
type Schedule struct {
	Name     string `json:"name" yaml:"name"`
	Cron     string `json:"cron" yaml:"cron"`
	Kind     string `json:"kind" yaml:"kind"`
	Preset   string `json:"preset,omitempty" yaml:"preset,omitempty"`
	Question string `json:"question,omitempty" yaml:"question,omitempty"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
}

// Default returns the settings used when no file is present.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			BaseURL:        DefaultLLMBaseURL,
			Model:          DefaultModel,
			TimeoutSeconds: 300,
			MaxTokens:      4096,
			Temperature:    0.2,
		},
		Sandbox: SandboxConfig{
			Interpreter:    "python3",
			ScriptName:     "_analysis.py",
			TimeoutSeconds: 120,
			ArtifactExt:    ".png",
			WorkDirPrefix:  "clinical_",
		},
		FHIR: FHIRConfig{
			Endpoints:           []FHIREndpoint{{Name: "SMART Test Server", URL: DefaultFHIRURL}},
			DefaultEndpoint:     DefaultFHIRURL,
			CheckTimeoutSeconds: 10,
			CacheDir:            "fhir-cache",
		},
		SkillsDir: "skills",
		Redis:     RedisConfig{Addr: "localhost:6379", TTLHours: 24},
		NATS:      NATSConfig{SubjectPrefix: "workbench.events"},
		Server:    ServerConfig{Host: "0.0.0.0", Port: 8090, MaxConcurrent: 2},
	}
}

// Load reads path over the defaults. A missing file is not an error.
// Environment variables in the file are expanded.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("⚠️ [CONFIG] %s not found, using defaults", path)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := []byte(os.ExpandEnv(string(data)))
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(expanded, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		if err := json.Unmarshal(expanded, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}
	log.Printf("📋 [CONFIG] Loaded configuration from %s", path)
	return cfg, nil
}

// LoadEnvFile loads .env from the current directory or up to three parents.
func LoadEnvFile() error {
	if err := godotenv.Load(".env"); err == nil {
		log.Printf("✅ [ENV] Loaded .env file from current directory")
		return nil
	}

	dir, err := os.Getwd()
	if err != nil {
		return err
	}
	for i := 0; i < 3; i++ {
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
		envPath := filepath.Join(dir, ".env")
		if err := godotenv.Load(envPath); err == nil {
			log.Printf("✅ [ENV] Loaded .env file from: %s", envPath)
			return nil
		}
	}
	return fmt.Errorf(".env file not found")
}

// ApplyEnvOverrides lets environment variables override file settings.
func (c *Config) ApplyEnvOverrides() {
	for _, key := range []string{"OLLAMA_URL", "OLLAMA_BASE_URL", "LLM_BASE_URL"} {
		if v := getenvTrim(key); v != "" {
			c.LLM.BaseURL = v
		}
	}
	if v := getenvTrim("LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := getenvTrim("LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := getenvTrim("REDIS_URL"); v != "" {
		c.Redis.Addr = NormalizeRedisAddr(v)
	}
	if v := getenvTrim("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := getenvTrim("FHIR_URL"); v != "" {
		c.FHIR.DefaultEndpoint = v
		if !c.hasEndpoint(v) {
			c.FHIR.Endpoints = append([]FHIREndpoint{{Name: "Environment", URL: v}}, c.FHIR.Endpoints...)
		}
	}
	if v := getenvTrim("SKILLS_DIR"); v != "" {
		c.SkillsDir = v
	}
	setInt(&c.Sandbox.TimeoutSeconds, "SANDBOX_TIMEOUT_SECONDS")
	setInt(&c.LLM.TimeoutSeconds, "LLM_TIMEOUT_SECONDS")
	setInt(&c.Server.Port, "WORKBENCH_PORT")
	setInt(&c.Server.MaxConcurrent, "WORKBENCH_MAX_CONCURRENT_EXECUTIONS")
}

func (c *Config) hasEndpoint(url string) bool {
	for _, ep := range c.FHIR.Endpoints {
		if ep.URL == url {
			return true
		}
	}
	return false
}

// Validate reports every missing or out-of-range field at once.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.LLM.BaseURL) == "" {
		problems = append(problems, "llm.base_url is required")
	}
	if strings.TrimSpace(c.LLM.Model) == "" {
		problems = append(problems, "llm.model is required")
	}
	if c.LLM.TimeoutSeconds <= 0 {
		problems = append(problems, "llm.timeout_seconds must be positive")
	}
	if c.Sandbox.TimeoutSeconds <= 0 {
		problems = append(problems, "sandbox.timeout_seconds must be positive")
	}
	if strings.TrimSpace(c.Sandbox.Interpreter) == "" {
		problems = append(problems, "sandbox.interpreter is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxConcurrent <= 0 {
		problems = append(problems, "server.max_concurrent must be positive")
	}
	for i, s := range c.Schedules {
		if s.Cron == "" {
			problems = append(problems, fmt.Sprintf("schedules[%d].cron is required", i))
		}
		switch s.Kind {
		case "gap_analysis":
			if s.Preset == "" {
				problems = append(problems, fmt.Sprintf("schedules[%d].preset is required for gap_analysis", i))
			}
		case "custom_query":
			if strings.TrimSpace(s.Question) == "" {
				problems = append(problems, fmt.Sprintf("schedules[%d].question is required for custom_query", i))
			}
		case "health":
		default:
			problems = append(problems, fmt.Sprintf("schedules[%d].kind %q is unknown", i, s.Kind))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}

func (c *Config) SandboxTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSeconds) * time.Second
}

func (c *Config) FHIRCheckTimeout() time.Duration {
	return time.Duration(c.FHIR.CheckTimeoutSeconds) * time.Second
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// FHIREndpointURL returns the default FHIR endpoint, falling back to the
// first configured one.
func (c *Config) FHIREndpointURL() string {
	if c.FHIR.DefaultEndpoint != "" {
		return c.FHIR.DefaultEndpoint
	}
	if len(c.FHIR.Endpoints) > 0 {
		return c.FHIR.Endpoints[0].URL
	}
	return DefaultFHIRURL
}

// NormalizeRedisAddr strips a redis:// prefix and trailing slash and adds the
// default port when none is given.
func NormalizeRedisAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "localhost:6379"
	}
	addr = strings.TrimPrefix(addr, "redis://")
	addr = strings.TrimSuffix(addr, "/")
	if !strings.Contains(addr, ":") {
		addr = addr + ":6379"
	}
	return addr
}

func getenvTrim(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func setInt(dst *int, key string) {
	v := getenvTrim(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("⚠️ [CONFIG] Ignoring %s=%q: not a positive integer", key, v)
		return
	}
	*dst = n
}
