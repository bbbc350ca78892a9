package relay

import (
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/securechat/core/errkind"
)

// Config is the relay server configuration. Values load from YAML, then
// environment variables override, then defaults fill the gaps.
type Config struct {
	// ListenAddr is the HTTP listen address, default ":8443".
	ListenAddr string `yaml:"listen_addr"`
	// JWTSecret is the HS256 key shared with the auth service.
	JWTSecret string `yaml:"jwt_secret"`
	// RequireHTTPS rejects cleartext requests with 403 when set. Disabled
	// only in development.
	RequireHTTPS bool `yaml:"require_https"`
	// TLSCert and TLSKey serve TLS directly when both are set; otherwise a
	// terminating proxy is assumed.
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// DefaultConfig returns the development defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":8443",
		RequireHTTPS: true,
	}
}

// LoadConfig reads the YAML file at path (optional, pass "" to skip) and
// applies environment overrides. A .env file in the working directory is
// merged first when present.
func LoadConfig(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errkind.Wrap(errkind.BadInput, "config file unreadable", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errkind.Wrap(errkind.BadInput, "config file malformed", err)
		}
	}

	if v := os.Getenv("SECURECHAT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SECURECHAT_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("SECURECHAT_REQUIRE_HTTPS"); v != "" {
		cfg.RequireHTTPS = v != "false" && v != "0"
	}
	if v := os.Getenv("SECURECHAT_TLS_CERT"); v != "" {
		cfg.TLSCert = v
	}
	if v := os.Getenv("SECURECHAT_TLS_KEY"); v != "" {
		cfg.TLSKey = v
	}

	if cfg.JWTSecret == "" {
		return cfg, errkind.New(errkind.BadInput, "jwt secret is required")
	}
	return cfg, nil
}
