package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/bcnelson/vultr-fw-sync/internal/validation"
)

var allVars = []string{
	"VULTR_API_KEY", "VULTR_API_URL", "VULTR_FILE_SHIM", "VULTR_FWGROUP_NAME",
	"TCP_PORTS", "UDP_PORTS", "IP_MATCH_MODE", "IP_LOOKUP_URL",
	"HISTORY_DB_DRIVER", "HISTORY_DB_DSN", "PUSHGATEWAY_URL", "PUSHGATEWAY_JOB",
}

// clearEnv unsets every variable the config reads for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allVars {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func setValidEnv(t *testing.T) {
	t.Helper()
	clearEnv(t)
	t.Setenv("VULTR_API_KEY", "secret")
	t.Setenv("VULTR_FWGROUP_NAME", "home-fw")
	t.Setenv("TCP_PORTS", "22, 443")
	t.Setenv("UDP_PORTS", "")
}

func TestLoad_Defaults(t *testing.T) {
	setValidEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if cfg.Vultr.BaseURL != "https://api.vultr.com/v2" {
		t.Errorf("Unexpected base URL %q", cfg.Vultr.BaseURL)
	}
	if cfg.IPLookup.URL != "https://ipinfo.io/json" {
		t.Errorf("Unexpected lookup URL %q", cfg.IPLookup.URL)
	}
	if cfg.Sync.MatchMode != "exact" {
		t.Errorf("Unexpected match mode %q", cfg.Sync.MatchMode)
	}
	if cfg.History.Enabled() {
		t.Error("Expected history to be disabled by default")
	}
	if cfg.Metrics.Enabled() {
		t.Error("Expected metrics push to be disabled by default")
	}
	if cfg.UseFileShim() {
		t.Error("Expected real API by default")
	}
}

func TestPortLists(t *testing.T) {
	setValidEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got := cfg.Sync.GetTCPPorts(); !reflect.DeepEqual(got, []string{"22", "443"}) {
		t.Errorf("Unexpected TCP ports %v", got)
	}
	if got := cfg.Sync.GetUDPPorts(); len(got) != 0 {
		t.Errorf("Expected no UDP ports, got %v", got)
	}
}

func TestLoad_MissingPortVariable(t *testing.T) {
	setValidEnv(t)
	os.Unsetenv("UDP_PORTS")

	if _, err := Load(); err == nil {
		t.Fatal("Expected error when UDP_PORTS is not set")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		env    map[string]string
		fields []string
	}{
		{"missing api key", map[string]string{"VULTR_API_KEY": ""}, []string{"VULTR_API_KEY"}},
		{"shim replaces api key", map[string]string{"VULTR_API_KEY": "", "VULTR_FILE_SHIM": "fw.json"}, nil},
		{"missing group", map[string]string{"VULTR_FWGROUP_NAME": " "}, []string{"VULTR_FWGROUP_NAME"}},
		{"bad tcp port", map[string]string{"TCP_PORTS": "22,ssh"}, []string{"TCP_PORTS"}},
		{"bad udp range", map[string]string{"UDP_PORTS": "60001:60000"}, []string{"UDP_PORTS"}},
		{"bad match mode", map[string]string{"IP_MATCH_MODE": "cidr"}, []string{"IP_MATCH_MODE"}},
		{"upper-case match mode", map[string]string{"IP_MATCH_MODE": "SUBSTRING"}, nil},
		{"bad history driver", map[string]string{"HISTORY_DB_DSN": "x", "HISTORY_DB_DRIVER": "mysql"}, []string{"HISTORY_DB_DRIVER"}},
		{"several problems", map[string]string{"VULTR_API_KEY": "", "VULTR_FWGROUP_NAME": ""}, []string{"VULTR_API_KEY", "VULTR_FWGROUP_NAME"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setValidEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}

			err = cfg.Validate()
			if len(tt.fields) == 0 {
				if err != nil {
					t.Fatalf("Expected valid config, got %v", err)
				}
				return
			}

			var verrs validation.ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("Expected ValidationErrors, got %v", err)
			}
			if len(verrs) != len(tt.fields) {
				t.Fatalf("Expected %d errors, got %v", len(tt.fields), verrs)
			}
			for i, field := range tt.fields {
				if verrs[i].Field != field {
					t.Errorf("Expected error %d on %s, got %s", i, field, verrs[i].Field)
				}
			}
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "sync.env")
	content := "VULTR_FWGROUP_NAME=from-file\nTCP_PORTS=22\nUDP_PORTS=\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	// Variables already in the environment win over the file.
	t.Setenv("TCP_PORTS", "2222")

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile failed: %v", err)
	}

	if got := os.Getenv("VULTR_FWGROUP_NAME"); got != "from-file" {
		t.Errorf("Expected group from file, got %q", got)
	}
	if got := os.Getenv("TCP_PORTS"); got != "2222" {
		t.Errorf("Expected environment to win, got %q", got)
	}
}

func TestLoadEnvFile_Missing(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "absent.env")); err == nil {
		t.Error("Expected error for explicit missing file")
	}

	chdir(t, t.TempDir())
	if err := LoadEnvFile(""); err != nil {
		t.Errorf("Expected missing default .env to be ignored, got %v", err)
	}
}

func TestLoadHistory_IgnoresSyncVariables(t *testing.T) {
	clearEnv(t)
	t.Setenv("HISTORY_DB_DSN", "runs.db")

	cfg, err := LoadHistory()
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	if !cfg.Enabled() || cfg.Driver != "sqlite3" {
		t.Errorf("Unexpected history config %+v", cfg)
	}
}

// chdir changes the working directory for the duration of the test,
// mirroring testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
