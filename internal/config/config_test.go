package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func minimalConfig() *Config {
	return &Config{
		Homeserver: HomeserverConfig{Address: "https://matrix.example.com", Domain: "example.com"},
		AppService: AppServiceConfig{ASToken: "as-token", HSToken: "hs-token"},
		Database:   DatabaseConfig{URI: "postgres://localhost/max"},
		Max:        MaxConfig{ConnectionMode: "bot", BotToken: "bot-token"},
	}
}

func TestValidate_AppliesDefaults(t *testing.T) {
	cfg := minimalConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.AppService.Port != 29350 {
		t.Errorf("AppService.Port = %d, want 29350", cfg.AppService.Port)
	}
	if cfg.AppService.ID != "max" {
		t.Errorf("AppService.ID = %q, want %q", cfg.AppService.ID, "max")
	}
	if cfg.AppService.Bot.Username != "maxbot" {
		t.Errorf("AppService.Bot.Username = %q, want %q", cfg.AppService.Bot.Username, "maxbot")
	}
	if cfg.Bridge.UsernameTemplate != "max_{userid}" {
		t.Errorf("Bridge.UsernameTemplate = %q", cfg.Bridge.UsernameTemplate)
	}
	if cfg.Max.APIURL == "" || cfg.Max.WSURL == "" {
		t.Error("Max.APIURL/WSURL should have defaults")
	}
	if cfg.Metrics.Listen != "0.0.0.0:9110" {
		t.Errorf("Metrics.Listen = %q", cfg.Metrics.Listen)
	}
}

func TestValidate_RequiresHomeserverAddress(t *testing.T) {
	cfg := minimalConfig()
	cfg.Homeserver.Address = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when homeserver.address is missing")
	}
}

func TestValidate_RequiresASToken(t *testing.T) {
	cfg := minimalConfig()
	cfg.AppService.ASToken = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when appservice.as_token is missing")
	}
}

func TestValidate_UsernameTemplateMustContainPlaceholder(t *testing.T) {
	cfg := minimalConfig()
	cfg.Bridge.UsernameTemplate = "max_user"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when username_template lacks {userid}")
	}
}

func TestValidate_ConnectionModeMustBeBotOrUser(t *testing.T) {
	cfg := minimalConfig()
	cfg.Max.ConnectionMode = "carrier_pigeon"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid connection_mode")
	}
}

func TestValidate_BotModeRequiresBotToken(t *testing.T) {
	cfg := minimalConfig()
	cfg.Max.BotToken = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when bot connection mode has no bot_token")
	}
}

func TestValidate_ProvisioningRequiresSharedSecretWhenEnabled(t *testing.T) {
	cfg := minimalConfig()
	cfg.Bridge.Provisioning.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when provisioning is enabled without a shared secret")
	}
}

func TestGenerateRegistration(t *testing.T) {
	cfg := minimalConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	cfg.AppService.Address = "http://localhost:29350"

	reg := cfg.GenerateRegistration()
	for _, want := range []string{"id: max", "as_token: as-token", "hs_token: hs-token", "@max_.+:example\\.com"} {
		if !strings.Contains(reg, want) {
			t.Errorf("registration YAML missing %q:\n%s", want, reg)
		}
	}
}

func TestLoad_ExpandsEnvAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	t.Setenv("TEST_BOT_TOKEN", "expanded-token")

	yaml := `
homeserver:
  address: https://matrix.example.com
  domain: example.com
appservice:
  as_token: as-token
  hs_token: hs-token
database:
  uri: postgres://localhost/max
max:
  connection_mode: bot
  bot_token: "${TEST_BOT_TOKEN}"
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Max.BotToken != "expanded-token" {
		t.Errorf("Max.BotToken = %q, want env-expanded value", cfg.Max.BotToken)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("expected error loading nonexistent config file")
	}
}
