package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	defaultMumblePort = 64738
	envPrefix         = "MUMBLEPWA_"
	configFlagName    = "config"
)

// Config is the complete client configuration. Values are layered: built-in
// defaults, then the YAML file, then MUMBLEPWA_* environment variables, then
// command-line flags.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	TLS     TLSConfig     `yaml:"tls"`
	HTTP    HTTPConfig    `yaml:"http"`
	Auth    AuthConfig    `yaml:"auth"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig names the Mumble server and the account used on it. In serve
// mode a non-empty Address with Fixed set overrides whatever the browser asks
// for.
type ServerConfig struct {
	Address  string `yaml:"address"`
	Fixed    bool   `yaml:"fixed"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Tokens   string `yaml:"tokens"`
}

type ClientConfig struct {
	Codec          string        `yaml:"codec"`
	CELTLib        string        `yaml:"celt_lib"`
	OpusLib        string        `yaml:"opus_lib"`
	QoS            bool          `yaml:"qos"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	Release        string        `yaml:"release"`
	PluginContext  string        `yaml:"plugin_context"`
	PluginIdentity string        `yaml:"plugin_identity"`
	Output         string        `yaml:"output"`
}

type TLSConfig struct {
	Mode        string `yaml:"mode"`
	Fingerprint string `yaml:"fingerprint"`
	CertFile    string `yaml:"cert_file"`
	KeyFile     string `yaml:"key_file"`
	CAFile      string `yaml:"ca_file"`
}

type HTTPConfig struct {
	Listen   string `yaml:"listen"`
	BasePath string `yaml:"base_path"`
	WSToken  string `yaml:"ws_token"`
}

type AuthConfig struct {
	Mode              string `yaml:"mode"`
	BasicUser         string `yaml:"basic_user"`
	BasicPass         string `yaml:"basic_pass"`
	OIDCIssuer        string `yaml:"oidc_issuer"`
	OIDCClientID      string `yaml:"oidc_client_id"`
	OIDCClientSecret  string `yaml:"oidc_client_secret"`
	OIDCRedirectURL   string `yaml:"oidc_redirect_url"`
	OIDCScopes        string `yaml:"oidc_scopes"`
	OIDCSessionSecret string `yaml:"oidc_session_secret"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaultConfig() Config {
	return Config{
		Client: ClientConfig{
			Codec:         codecCELT,
			DialTimeout:   defaultDialTimeout,
			ReadTimeout:   defaultReadTimeout,
			WriteTimeout:  defaultWriteTimeout,
			PingInterval:  defaultPingInterval,
			Release:       defaultRelease,
			PluginContext: defaultPluginContext,
			Output:        "-",
		},
		TLS: TLSConfig{
			Mode: string(tlsVerify),
		},
		HTTP: HTTPConfig{
			Listen:   ":8080",
			BasePath: "/",
		},
		Auth: AuthConfig{
			Mode:       string(authModeNone),
			OIDCScopes: "openid,profile,email",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// registerFlags binds every setting to a flag writing straight into cfg.
func registerFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.String(configFlagName, "", "path to a YAML config file")

	fs.StringVar(&cfg.Server.Address, "server", cfg.Server.Address, "Mumble server host[:port]")
	fs.BoolVar(&cfg.Server.Fixed, "fixed-server", cfg.Server.Fixed, "serve: ignore the server requested by the browser")
	fs.StringVar(&cfg.Server.Username, "username", cfg.Server.Username, "Mumble user name")
	fs.StringVar(&cfg.Server.Password, "password", cfg.Server.Password, "Mumble server password")
	fs.StringVar(&cfg.Server.Tokens, "tokens", cfg.Server.Tokens, "access tokens CSV")

	fs.StringVar(&cfg.Client.Codec, "codec", cfg.Client.Codec, "voice codec: celt|opus")
	fs.StringVar(&cfg.Client.CELTLib, "celt-lib", cfg.Client.CELTLib, "optional path to libcelt0.so")
	fs.StringVar(&cfg.Client.OpusLib, "opus-lib", cfg.Client.OpusLib, "optional path to libopus.so")
	fs.BoolVar(&cfg.Client.QoS, "qos", cfg.Client.QoS, "mark the control connection with DSCP EF")
	fs.DurationVar(&cfg.Client.DialTimeout, "dial-timeout", cfg.Client.DialTimeout, "TCP connect and TLS handshake timeout")
	fs.DurationVar(&cfg.Client.ReadTimeout, "read-timeout", cfg.Client.ReadTimeout, "maximum silence on the control channel")
	fs.DurationVar(&cfg.Client.WriteTimeout, "write-timeout", cfg.Client.WriteTimeout, "per-frame write deadline")
	fs.DurationVar(&cfg.Client.PingInterval, "ping-interval", cfg.Client.PingInterval, "keep-alive ping interval")
	fs.StringVar(&cfg.Client.Release, "release", cfg.Client.Release, "release label sent in the version announcement")
	fs.StringVar(&cfg.Client.PluginContext, "plugin-context", cfg.Client.PluginContext, "positional audio plugin context")
	fs.StringVar(&cfg.Client.PluginIdentity, "plugin-identity", cfg.Client.PluginIdentity, "positional audio plugin identity")
	fs.StringVar(&cfg.Client.Output, "output", cfg.Client.Output, "connect: raw PCM output file, - for stdout")

	fs.StringVar(&cfg.TLS.Mode, "tls-mode", cfg.TLS.Mode, "server certificate check: verify|insecure|pinned")
	fs.StringVar(&cfg.TLS.Fingerprint, "tls-fingerprint", cfg.TLS.Fingerprint, "SHA-256 certificate fingerprint (tls-mode=pinned)")
	fs.StringVar(&cfg.TLS.CertFile, "tls-cert", cfg.TLS.CertFile, "client certificate PEM")
	fs.StringVar(&cfg.TLS.KeyFile, "tls-key", cfg.TLS.KeyFile, "client certificate key PEM")
	fs.StringVar(&cfg.TLS.CAFile, "tls-ca", cfg.TLS.CAFile, "extra CA bundle PEM")

	fs.StringVar(&cfg.HTTP.Listen, "listen", cfg.HTTP.Listen, "HTTP listen address")
	fs.StringVar(&cfg.HTTP.BasePath, "base-path", cfg.HTTP.BasePath, "base path for reverse proxy deployment (e.g. /pwa)")
	fs.StringVar(&cfg.HTTP.WSToken, "ws-token", cfg.HTTP.WSToken, "optional shared token required for websocket connections")

	fs.StringVar(&cfg.Auth.Mode, "auth-mode", cfg.Auth.Mode, "auth mode: none|basic|oidc")
	fs.StringVar(&cfg.Auth.BasicUser, "basic-user", cfg.Auth.BasicUser, "basic auth username (auth-mode=basic)")
	fs.StringVar(&cfg.Auth.BasicPass, "basic-pass", cfg.Auth.BasicPass, "basic auth password (auth-mode=basic)")
	fs.StringVar(&cfg.Auth.OIDCIssuer, "oidc-issuer", cfg.Auth.OIDCIssuer, "OIDC issuer URL (auth-mode=oidc)")
	fs.StringVar(&cfg.Auth.OIDCClientID, "oidc-client-id", cfg.Auth.OIDCClientID, "OIDC client ID (auth-mode=oidc)")
	fs.StringVar(&cfg.Auth.OIDCClientSecret, "oidc-client-secret", cfg.Auth.OIDCClientSecret, "OIDC client secret (auth-mode=oidc, optional for public clients)")
	fs.StringVar(&cfg.Auth.OIDCRedirectURL, "oidc-redirect-url", cfg.Auth.OIDCRedirectURL, "OIDC redirect URL override (auth-mode=oidc)")
	fs.StringVar(&cfg.Auth.OIDCScopes, "oidc-scopes", cfg.Auth.OIDCScopes, "OIDC scopes CSV (auth-mode=oidc)")
	fs.StringVar(&cfg.Auth.OIDCSessionSecret, "oidc-session-secret", cfg.Auth.OIDCSessionSecret, "OIDC session signing secret (auth-mode=oidc)")

	fs.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "log level: debug|info|warn|error")
	fs.StringVar(&cfg.Logging.Format, "log-format", cfg.Logging.Format, "log format: text|json")
}

// resolveConfig rebuilds cfg in layer order once the flags have been parsed
// into it. Flags the user set are replayed last so they win.
func resolveConfig(fs *pflag.FlagSet, cfg *Config) error {
	explicit := make(map[string]string)
	fs.Visit(func(f *pflag.Flag) {
		explicit[f.Name] = f.Value.String()
	})

	*cfg = defaultConfig()

	path := explicit[configFlagName]
	if path == "" {
		path = getenvOrDefault(envKey(configFlagName), "")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return err
		}
	}

	var setErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if setErr != nil || f.Name == configFlagName {
			return
		}
		value := getenvOrDefault(envKey(f.Name), "")
		if value == "" {
			return
		}
		if err := f.Value.Set(value); err != nil {
			setErr = fmt.Errorf("%s: %w", envKey(f.Name), err)
		}
	})
	if setErr != nil {
		return setErr
	}

	for name, value := range explicit {
		if name == configFlagName {
			continue
		}
		if err := fs.Lookup(name).Value.Set(value); err != nil {
			return fmt.Errorf("--%s: %w", name, err)
		}
	}

	return cfg.Validate()
}

func envKey(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("client config: %w", err)
	}
	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("tls config: %w", err)
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

func (s *ServerConfig) Validate() error {
	if strings.TrimSpace(s.Address) != "" {
		if _, _, err := parseServerAddress(s.Address); err != nil {
			return fmt.Errorf("address: %w", err)
		}
	} else if s.Fixed {
		return fmt.Errorf("fixed requires an address")
	}
	return nil
}

func (c *ClientConfig) Validate() error {
	codec, err := normalizeCodec(c.Codec)
	if err != nil {
		return err
	}
	c.Codec = codec

	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read_timeout must be positive, got %s", c.ReadTimeout)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be positive, got %s", c.WriteTimeout)
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be positive, got %s", c.DialTimeout)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("ping_interval must be positive, got %s", c.PingInterval)
	}
	if c.PingInterval >= c.ReadTimeout {
		log.Warnf("ping_interval %s is not below read_timeout %s; idle servers may time out", c.PingInterval, c.ReadTimeout)
	}
	return nil
}

func (t *TLSConfig) Validate() error {
	mode, ok := parseTLSMode(t.Mode)
	if !ok {
		return fmt.Errorf("unsupported mode: %s", t.Mode)
	}
	t.Mode = string(mode)

	if mode == tlsPinned {
		if _, err := parseFingerprint(t.Fingerprint); err != nil {
			return err
		}
	}
	if (t.CertFile == "") != (t.KeyFile == "") {
		return fmt.Errorf("cert_file and key_file must be set together")
	}
	return nil
}

func (a *AuthConfig) Validate() error {
	mode, err := parseAuthMode(a.Mode)
	if err != nil {
		return err
	}
	a.Mode = string(mode)

	switch mode {
	case authModeBasic:
		if strings.TrimSpace(a.BasicUser) == "" || strings.TrimSpace(a.BasicPass) == "" {
			return fmt.Errorf("auth-mode=basic requires basic_user and basic_pass")
		}
	case authModeOIDC:
		if strings.TrimSpace(a.OIDCIssuer) == "" {
			return fmt.Errorf("oidc issuer is required")
		}
		if strings.TrimSpace(a.OIDCClientID) == "" {
			return fmt.Errorf("oidc client id is required")
		}
		if len(strings.TrimSpace(a.OIDCSessionSecret)) < 16 {
			return fmt.Errorf("oidc session secret is too short (min 16 chars)")
		}
	}
	return nil
}

func (l *LoggingConfig) Validate() error {
	if _, err := log.ParseLevel(l.Level); err != nil {
		return err
	}
	switch l.Format {
	case "text", "json":
		return nil
	default:
		return fmt.Errorf("format must be text or json, got %q", l.Format)
	}
}

// sessionConfig turns the layered settings into what one session needs.
// host and port come from the caller because serve mode lets the browser
// choose the server.
func (c *Config) sessionConfig(host string, port int) sessionConfig {
	return sessionConfig{
		Host:           host,
		Port:           port,
		Username:       c.Server.Username,
		Password:       c.Server.Password,
		Tokens:         parseCSV(c.Server.Tokens),
		Codec:          c.Client.Codec,
		CELTLibPath:    strings.TrimSpace(c.Client.CELTLib),
		OpusLibPath:    strings.TrimSpace(c.Client.OpusLib),
		TLS:            c.TLS,
		QoS:            c.Client.QoS,
		DialTimeout:    c.Client.DialTimeout,
		ReadTimeout:    c.Client.ReadTimeout,
		WriteTimeout:   c.Client.WriteTimeout,
		PingInterval:   c.Client.PingInterval,
		Release:        c.Client.Release,
		PluginContext:  c.Client.PluginContext,
		PluginIdentity: c.Client.PluginIdentity,
	}
}

func setupLogging(cfg LoggingConfig) error {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// parseServerAddress accepts host, host:port, [v6]:port or a bare IPv6
// address; the port defaults to the Mumble port.
func parseServerAddress(value string) (string, int, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return "", 0, fmt.Errorf("server address is empty")
	}

	host, port, err := splitHostPort(raw)
	if err != nil {
		return "", 0, err
	}
	host = strings.Trim(strings.TrimSpace(host), "[]")
	if host == "" {
		return "", 0, fmt.Errorf("server host is empty")
	}

	if port == 0 {
		port = defaultMumblePort
	}
	if port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("server port is out of range")
	}
	return host, port, nil
}

func splitHostPort(value string) (string, int, error) {
	if strings.Contains(value, ":") {
		host, portText, err := net.SplitHostPort(value)
		if err == nil {
			port, convErr := strconv.Atoi(portText)
			if convErr != nil {
				return "", 0, convErr
			}
			return host, port, nil
		}

		if strings.Contains(err.Error(), "missing port in address") {
			return value, 0, nil
		}

		if strings.Count(value, ":") > 1 && !strings.HasPrefix(value, "[") {
			// Probably a raw IPv6 address without port.
			return value, 0, nil
		}
		return "", 0, err
	}

	return value, 0, nil
}

func getenvOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func parseCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, item := range parts {
		token := strings.TrimSpace(item)
		if token == "" {
			continue
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
	}
	return out
}
