package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.LLMTimeout() != 300*time.Second || cfg.SandboxTimeout() != 120*time.Second {
		t.Errorf("unexpected default timeouts %v %v", cfg.LLMTimeout(), cfg.SandboxTimeout())
	}
	if cfg.FHIREndpointURL() != DefaultFHIRURL {
		t.Errorf("unexpected default endpoint %s", cfg.FHIREndpointURL())
	}
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("TEST_FHIR_HOST", "fhir.example.org")
	path := filepath.Join(t.TempDir(), "workbench.yaml")
	data := `
llm:
  base_url: http://gpu-box:8000
  model: llama3
sandbox:
  timeout_seconds: 30
  fail_on_non_zero_exit: true
fhir:
  endpoints:
    - name: Lab
      url: https://${TEST_FHIR_HOST}/fhir
schedules:
  - name: nightly-diabetes
    cron: "0 0 2 * * *"
    kind: gap_analysis
    preset: Diabetes Mellitus Type 2
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.BaseURL != "http://gpu-box:8000" || cfg.LLM.Model != "llama3" {
		t.Errorf("unexpected llm config %+v", cfg.LLM)
	}
	if cfg.LLM.MaxTokens != 4096 {
		t.Errorf("unset fields keep defaults, got max_tokens %d", cfg.LLM.MaxTokens)
	}
	if cfg.SandboxTimeout() != 30*time.Second || !cfg.Sandbox.FailOnNonZeroExit {
		t.Errorf("unexpected sandbox config %+v", cfg.Sandbox)
	}
	if len(cfg.FHIR.Endpoints) != 1 || cfg.FHIR.Endpoints[0].URL != "https://fhir.example.org/fhir" {
		t.Errorf("env vars not expanded: %+v", cfg.FHIR.Endpoints)
	}
	if len(cfg.Schedules) != 1 || cfg.Schedules[0].Kind != "gap_analysis" {
		t.Errorf("unexpected schedules %+v", cfg.Schedules)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workbench.json")
	if err := os.WriteFile(path, []byte(`{"server":{"port":9999,"max_concurrent":4},"redis":{"addr":""}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9999 || cfg.Server.MaxConcurrent != 4 || cfg.Redis.Addr != "" {
		t.Errorf("unexpected config %+v %+v", cfg.Server, cfg.Redis)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("host default lost: %q", cfg.Server.Host)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should not fail: %v", err)
	}
	if cfg.LLM.BaseURL != DefaultLLMBaseURL {
		t.Errorf("expected defaults, got %+v", cfg.LLM)
	}
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("llm: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("OLLAMA_URL", "http://ollama:11434")
	t.Setenv("LLM_BASE_URL", "http://vllm:8000")
	t.Setenv("LLM_MODEL", "qwen")
	t.Setenv("REDIS_URL", "redis://cache/")
	t.Setenv("NATS_URL", "nats://bus:4222")
	t.Setenv("FHIR_URL", "https://hapi.example/fhir")
	t.Setenv("SANDBOX_TIMEOUT_SECONDS", "45")
	t.Setenv("WORKBENCH_PORT", "not-a-number")
	t.Setenv("WORKBENCH_MAX_CONCURRENT_EXECUTIONS", "8")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	if cfg.LLM.BaseURL != "http://vllm:8000" {
		t.Errorf("LLM_BASE_URL should win, got %s", cfg.LLM.BaseURL)
	}
	if cfg.LLM.Model != "qwen" || cfg.Redis.Addr != "cache:6379" || cfg.NATS.URL != "nats://bus:4222" {
		t.Errorf("unexpected overrides %+v %+v %+v", cfg.LLM, cfg.Redis, cfg.NATS)
	}
	if cfg.FHIREndpointURL() != "https://hapi.example/fhir" || cfg.FHIR.Endpoints[0].URL != "https://hapi.example/fhir" {
		t.Errorf("FHIR_URL not applied: %+v", cfg.FHIR)
	}
	if cfg.Sandbox.TimeoutSeconds != 45 || cfg.Server.MaxConcurrent != 8 {
		t.Errorf("int overrides not applied: %+v %+v", cfg.Sandbox, cfg.Server)
	}
	if cfg.Server.Port != 8090 {
		t.Errorf("invalid port override should be ignored, got %d", cfg.Server.Port)
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.LLM.BaseURL = ""
	cfg.Server.Port = 0
	cfg.Schedules = []Schedule{
		{Cron: "@hourly", Kind: "custom_query"},
		{Kind: "weird"},
	}
	err := cfg.Validate()
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	for _, want := range []string{"llm.base_url", "server.port", "schedules[0].question", "schedules[1].cron", `schedules[1].kind "weird"`} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing problem %q in %v", want, err)
		}
	}
}

func TestNormalizeRedisAddr(t *testing.T) {
	cases := map[string]string{
		"":                   "localhost:6379",
		"redis://host:6380/": "host:6380",
		"  myredis  ":        "myredis:6379",
		"10.0.0.1:6379":      "10.0.0.1:6379",
	}
	for in, want := range cases {
		if got := NormalizeRedisAddr(in); got != want {
			t.Errorf("NormalizeRedisAddr(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadEnvFile(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "a", ".env"), []byte("WORKBENCH_ENV_PROBE=found\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(nested)
	t.Setenv("WORKBENCH_ENV_PROBE", "")
	os.Unsetenv("WORKBENCH_ENV_PROBE")

	if err := LoadEnvFile(); err != nil {
		t.Fatalf("expected .env in parent to be found: %v", err)
	}
	if os.Getenv("WORKBENCH_ENV_PROBE") != "found" {
		t.Errorf("variable not loaded")
	}
}
