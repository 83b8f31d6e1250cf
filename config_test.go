package tollgate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Addr() != "0.0.0.0:3000" {
		t.Errorf("expected addr 0.0.0.0:3000, got %s", cfg.Server.Addr())
	}
	if cfg.Server.ReadHeaderTimeout != 30*time.Second {
		t.Errorf("expected read_header_timeout 30s, got %v", cfg.Server.ReadHeaderTimeout)
	}
	if cfg.Filter.Restrict {
		t.Error("expected restrict false (allowlist) by default")
	}
	if cfg.Filter.DomainList != "domain_list" {
		t.Errorf("expected domain_list 'domain_list', got %s", cfg.Filter.DomainList)
	}
	if !cfg.Filter.ReloadOnSIGHUP {
		t.Error("expected reload_on_sighup true")
	}
	if cfg.Upstream.DialTimeout != 10*time.Second {
		t.Errorf("expected dial_timeout 10s, got %v", cfg.Upstream.DialTimeout)
	}
	if cfg.Upstream.ResponseHeaderTimeout != 30*time.Second {
		t.Errorf("expected response_header_timeout 30s, got %v", cfg.Upstream.ResponseHeaderTimeout)
	}
	if cfg.Upstream.TunnelIdleTimeout != 5*time.Minute {
		t.Errorf("expected tunnel_idle_timeout 5m, got %v", cfg.Upstream.TunnelIdleTimeout)
	}
	if !cfg.Ops.Metrics || !cfg.Ops.Admin {
		t.Error("expected ops metrics and admin enabled")
	}
	if cfg.RateLimit.Enabled {
		t.Error("expected rate limiting disabled")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected logging.level info, got %s", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("expected logging.format text, got %s", cfg.Logging.Format)
	}
}

func TestServerConfigAddr(t *testing.T) {
	tests := []struct {
		host string
		port int
		want string
	}{
		{"0.0.0.0", 3000, "0.0.0.0:3000"},
		{"", 8080, ":8080"},
		{"::1", 3128, "[::1]:3128"},
	}

	for _, tt := range tests {
		got := ServerConfig{Host: tt.host, Port: tt.port}.Addr()
		if got != tt.want {
			t.Errorf("Addr(%q, %d) = %q, want %q", tt.host, tt.port, got, tt.want)
		}
	}
}

func TestLoadConfigFromReaderYAML(t *testing.T) {
	yaml := `
server:
  host: "127.0.0.1"
  port: 8118
  idle_timeout: 90s

filter:
  restrict: true
  domain_list: "/etc/tollgate/blocked"
  sources:
    - type: static
      domains:
        - "example.com"
        - "example.org"
    - type: url
      url: "https://lists.example.com/domains.txt"

upstream:
  dial_timeout: 3s
  tunnel_idle_timeout: 0s

rate_limit:
  enabled: true
  rate: 5
  burst: 10

logging:
  level: debug
  format: json
  output: "/var/log/tollgate.log"
`

	cfg, err := LoadConfigFromReader("yaml", []byte(yaml))
	if err != nil {
		t.Fatalf("LoadConfigFromReader failed: %v", err)
	}

	if cfg.Server.Addr() != "127.0.0.1:8118" {
		t.Errorf("expected addr 127.0.0.1:8118, got %s", cfg.Server.Addr())
	}
	if cfg.Server.IdleTimeout != 90*time.Second {
		t.Errorf("expected idle_timeout 90s, got %v", cfg.Server.IdleTimeout)
	}
	if !cfg.Filter.Restrict {
		t.Error("expected restrict true")
	}
	if cfg.Filter.DomainList != "/etc/tollgate/blocked" {
		t.Errorf("expected domain_list /etc/tollgate/blocked, got %s", cfg.Filter.DomainList)
	}
	if len(cfg.Filter.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(cfg.Filter.Sources))
	}
	if cfg.Filter.Sources[0].Type != "static" || len(cfg.Filter.Sources[0].Domains) != 2 {
		t.Errorf("unexpected static source: %+v", cfg.Filter.Sources[0])
	}
	if cfg.Filter.Sources[1].URL != "https://lists.example.com/domains.txt" {
		t.Errorf("unexpected url source: %+v", cfg.Filter.Sources[1])
	}
	if cfg.Upstream.DialTimeout != 3*time.Second {
		t.Errorf("expected dial_timeout 3s, got %v", cfg.Upstream.DialTimeout)
	}
	if cfg.Upstream.TunnelIdleTimeout != 0 {
		t.Errorf("expected tunnel_idle_timeout 0, got %v", cfg.Upstream.TunnelIdleTimeout)
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.Rate != 5 || cfg.RateLimit.Burst != 10 {
		t.Errorf("unexpected rate_limit: %+v", cfg.RateLimit)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected logging.level debug, got %s", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "/var/log/tollgate.log" {
		t.Errorf("expected logging.output /var/log/tollgate.log, got %s", cfg.Logging.Output)
	}
}

func TestLoadConfigFromReaderJSON(t *testing.T) {
	json := `{
  "server": {
    "port": 7070
  },
  "filter": {
    "restrict": true,
    "domain_list": "blocked.txt"
  }
}`

	cfg, err := LoadConfigFromReader("json", []byte(json))
	if err != nil {
		t.Fatalf("LoadConfigFromReader(json) failed: %v", err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("expected port 7070, got %d", cfg.Server.Port)
	}
	if !cfg.Filter.Restrict || cfg.Filter.DomainList != "blocked.txt" {
		t.Errorf("unexpected filter: %+v", cfg.Filter)
	}
}

func TestLoadConfigFromReaderDefaults(t *testing.T) {
	yaml := `
server:
  port: 9999
`

	cfg, err := LoadConfigFromReader("yaml", []byte(yaml))
	if err != nil {
		t.Fatalf("LoadConfigFromReader failed: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Server.Port)
	}

	// untouched sections keep their defaults
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("expected default host 0.0.0.0, got %s", cfg.Server.Host)
	}
	if cfg.Upstream.ResponseHeaderTimeout != 30*time.Second {
		t.Errorf("expected default response_header_timeout 30s, got %v", cfg.Upstream.ResponseHeaderTimeout)
	}
	if cfg.Filter.DomainList != "domain_list" {
		t.Errorf("expected default domain_list, got %s", cfg.Filter.DomainList)
	}
}

func TestLoadConfigFromReaderInvalid(t *testing.T) {
	_, err := LoadConfigFromReader("yaml", []byte("invalid: yaml: data: ["))
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoadConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "tollgate.yaml")

	yaml := `
server:
  port: 8888
filter:
  restrict: true
`
	if err := os.WriteFile(configPath, []byte(yaml), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.Port != 8888 {
		t.Errorf("expected port 8888, got %d", cfg.Server.Port)
	}
	if !cfg.Filter.Restrict {
		t.Error("expected restrict true")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	// an explicit path must exist
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestLoadConfigNoFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("expected default port 3000, got %d", cfg.Server.Port)
	}
}

func TestLoadConfigSearchPath(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", t.TempDir())

	if err := os.WriteFile(filepath.Join(dir, "tollgate.yaml"), []byte("server:\n  port: 4444\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Server.Port != 4444 {
		t.Errorf("expected port 4444 from ./tollgate.yaml, got %d", cfg.Server.Port)
	}
}

func TestBuildDomainSource(t *testing.T) {
	tests := []struct {
		name  string
		cfg   func(*Config)
		check func(t *testing.T, src DomainSource)
	}{
		{
			name: "domain list only",
			cfg:  func(*Config) {},
			check: func(t *testing.T, src DomainSource) {
				fs, ok := src.(*FileSource)
				if !ok {
					t.Fatalf("expected *FileSource, got %T", src)
				}
				if fs.Path != "domain_list" {
					t.Errorf("expected path domain_list, got %s", fs.Path)
				}
			},
		},
		{
			name: "no sources",
			cfg:  func(c *Config) { c.Filter.DomainList = "" },
			check: func(t *testing.T, src DomainSource) {
				if _, ok := src.(*StaticSource); !ok {
					t.Errorf("expected *StaticSource, got %T", src)
				}
			},
		},
		{
			name: "static only",
			cfg: func(c *Config) {
				c.Filter.DomainList = ""
				c.Filter.Sources = []SourceConfig{{Type: "static", Domains: []string{"example.com"}}}
			},
			check: func(t *testing.T, src DomainSource) {
				if _, ok := src.(*StaticSource); !ok {
					t.Errorf("expected *StaticSource, got %T", src)
				}
			},
		},
		{
			name: "multiple sources",
			cfg: func(c *Config) {
				c.Filter.Sources = []SourceConfig{
					{Type: "static", Domains: []string{"example.com"}},
					{Type: "url", URL: "https://lists.example.com/domains.txt"},
					{Type: "file", Path: "/etc/tollgate/extra"},
					{Type: "postgres", DSN: "postgres://localhost/tollgate?sslmode=disable"},
				}
			},
			check: func(t *testing.T, src DomainSource) {
				ms, ok := src.(*MultiSource)
				if !ok {
					t.Fatalf("expected *MultiSource, got %T", src)
				}
				defer func() { _ = ms.Close() }()
				if len(ms.Sources) != 5 {
					t.Fatalf("expected 5 sources, got %d", len(ms.Sources))
				}
				if _, ok := ms.Sources[0].(*FileSource); !ok {
					t.Errorf("domain_list should come first, got %T", ms.Sources[0])
				}
				sql, ok := ms.Sources[4].(*SQLSource)
				if !ok {
					t.Fatalf("expected *SQLSource, got %T", ms.Sources[4])
				}
				if sql.Query != DefaultDomainQuery {
					t.Errorf("expected default query, got %q", sql.Query)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.cfg(&cfg)

			src, err := cfg.BuildDomainSource(nil)
			if err != nil {
				t.Fatalf("BuildDomainSource failed: %v", err)
			}
			tt.check(t, src)
		})
	}
}

func TestBuildDomainSourceUnknownType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Filter.Sources = []SourceConfig{{Type: "ldap"}}

	if _, err := cfg.BuildDomainSource(nil); err == nil {
		t.Error("expected error for unknown source type")
	}
}

func TestLoadDomains(t *testing.T) {
	dir := t.TempDir()
	listPath := filepath.Join(dir, "domain_list")
	if err := os.WriteFile(listPath, []byte("www.Example.com\n# comment\nexample.org\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.Filter.DomainList = listPath
	cfg.Filter.Sources = []SourceConfig{{Type: "static", Domains: []string{"example.net"}}}

	ds, src, err := cfg.LoadDomains(context.Background(), nil)
	if err != nil {
		t.Fatalf("LoadDomains failed: %v", err)
	}
	if src == nil {
		t.Fatal("expected a source")
	}
	for _, d := range []string{"example.com", "example.org", "example.net"} {
		if !ds.Contains(d) {
			t.Errorf("expected set to contain %s", d)
		}
	}
	if ds.Len() != 3 {
		t.Errorf("expected 3 domains, got %d", ds.Len())
	}
}

func TestLoadDomainsMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "domain_list")

	cfg := DefaultConfig()
	cfg.Filter.DomainList = missing

	var reported string
	ds, _, err := cfg.LoadDomains(context.Background(), func(path string) { reported = path })
	if err != nil {
		t.Fatalf("LoadDomains failed: %v", err)
	}
	if ds.Len() != 0 {
		t.Errorf("expected empty set, got %d domains", ds.Len())
	}
	if reported != missing {
		t.Errorf("expected onMissing(%s), got %q", missing, reported)
	}
}

func TestWriteExampleConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "example", "tollgate.yaml")

	if err := WriteExampleConfig(configPath); err != nil {
		t.Fatalf("WriteExampleConfig failed: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}

	cfg, err := LoadConfigFromReader("yaml", data)
	if err != nil {
		t.Fatalf("example config is not valid: %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("expected port 3000 in example, got %d", cfg.Server.Port)
	}
	if len(cfg.Filter.Sources) != 1 || cfg.Filter.Sources[0].Type != "static" {
		t.Errorf("expected one static source in example, got %+v", cfg.Filter.Sources)
	}
	if _, err := cfg.BuildDomainSource(nil); err != nil {
		t.Errorf("example config sources do not build: %v", err)
	}
}

func TestWriteExampleConfigCurrentDir(t *testing.T) {
	t.Chdir(t.TempDir())

	if err := WriteExampleConfig("tollgate.yaml"); err != nil {
		t.Fatalf("WriteExampleConfig failed: %v", err)
	}

	if _, err := os.Stat("tollgate.yaml"); os.IsNotExist(err) {
		t.Error("config file was not created in current dir")
	}
}

func TestEnvironmentVariableOverride(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "tollgate.yaml")
	if err := os.WriteFile(configPath, []byte("server:\n  port: 8080\n"), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("TOLLGATE_SERVER_PORT", "9999")

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("expected port 9999 from env, got %d", cfg.Server.Port)
	}
}

func TestEnvironmentVariableNestedOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("TOLLGATE_FILTER_RESTRICT", "true")
	t.Setenv("TOLLGATE_UPSTREAM_DIAL_TIMEOUT", "2s")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if !cfg.Filter.Restrict {
		t.Error("expected restrict true from env")
	}
	if cfg.Upstream.DialTimeout != 2*time.Second {
		t.Errorf("expected dial_timeout 2s from env, got %v", cfg.Upstream.DialTimeout)
	}
}
