// Package config loads the mailer settings from a key/value file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingKey is returned when a required settings key is absent.
	ErrMissingKey = errors.New("missing required configuration key")

	// ErrInvalidValue is returned when a settings value cannot be converted
	// or conflicts with another value.
	ErrInvalidValue = errors.New("invalid configuration value")
)

// RequiredKeys lists the settings every source must provide. The process
// refuses to start when any of them is absent.
var RequiredKeys = []string{
	"mail_server",
	"mail_port",
	"mail_use_tls",
	"mail_use_ssl",
	"mail_debug",
	"mail_username",
	"mail_password",
	"mail_default_sender",
	"mail_max_emails",
	"mail_supress_send",
	"mail_ascii_attachments",
}

// optionalKeys are read when present and defaulted otherwise.
var optionalKeys = []string{
	"http_listen",
	"resource_root",
	"log_level",
	"mail_transport",
	"mail_tls_skip_verify",
	"ses_region",
	"ses_access_key_id",
	"ses_secret_access_key",
}

// Supported values for mail_transport.
const (
	TransportSMTP = "smtp"
	TransportSES  = "ses"
)

// Config holds the complete application configuration.
type Config struct {
	Mail    MailConfig
	HTTP    HTTPConfig
	SES     SESConfig
	Logging LoggingConfig
}

// MailConfig holds the outbound mail settings.
type MailConfig struct {
	Server        string
	Port          int
	UseTLS        bool
	UseSSL        bool
	Debug         bool
	Username      string
	Password      string
	DefaultSender string

	// MaxEmails is the number of messages sent on one connection before it
	// is recycled. Zero or negative means no limit.
	MaxEmails int

	// SuppressSend renders messages locally instead of delivering them.
	SuppressSend     bool
	ASCIIAttachments bool
	TLSSkipVerify    bool
	Transport        string
}

// HTTPConfig holds the web server settings.
type HTTPConfig struct {
	Listen       string
	ResourceRoot string
}

// SESConfig holds AWS SES settings, used when Mail.Transport is "ses".
type SESConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string
}

// Load reads the settings file at path, applies environment variable
// overrides and converts the result into a Config. Files ending in .yaml or
// .yml are parsed as YAML; anything else is read as a dotenv file. An empty
// path reads settings from the environment only.
func Load(path string) (*Config, error) {
	values := make(map[string]string)

	if path != "" {
		fileValues, err := readFile(path)
		if err != nil {
			return nil, err
		}
		for k, v := range fileValues {
			values[strings.ToLower(k)] = v
		}
	}

	applyEnvVars(values)

	return Parse(values)
}

// Parse converts a raw key/value mapping into a Config. Keys are expected in
// lower case.
func Parse(values map[string]string) (*Config, error) {
	var missing []string
	for _, key := range RequiredKeys {
		if _, ok := values[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingKey, strings.Join(missing, ", "))
	}

	p := &valueParser{values: values}
	cfg := &Config{
		Mail: MailConfig{
			Server:           p.str("mail_server", ""),
			Port:             p.integer("mail_port"),
			UseTLS:           p.boolean("mail_use_tls"),
			UseSSL:           p.boolean("mail_use_ssl"),
			Debug:            p.boolean("mail_debug"),
			Username:         p.str("mail_username", ""),
			Password:         p.str("mail_password", ""),
			DefaultSender:    p.str("mail_default_sender", ""),
			MaxEmails:        p.integer("mail_max_emails"),
			SuppressSend:     p.boolean("mail_supress_send"),
			ASCIIAttachments: p.boolean("mail_ascii_attachments"),
			TLSSkipVerify:    p.boolean("mail_tls_skip_verify"),
			Transport:        strings.ToLower(p.str("mail_transport", TransportSMTP)),
		},
		HTTP: HTTPConfig{
			Listen:       p.str("http_listen", "127.0.0.1:5000"),
			ResourceRoot: p.str("resource_root", "."),
		},
		SES: SESConfig{
			Region:          p.str("ses_region", ""),
			AccessKeyID:     p.str("ses_access_key_id", ""),
			SecretAccessKey: p.str("ses_secret_access_key", ""),
		},
		Logging: LoggingConfig{
			Level: strings.ToLower(p.str("log_level", "info")),
		},
	}

	if _, ok := values["log_level"]; !ok && cfg.Mail.Debug {
		cfg.Logging.Level = "debug"
	}

	if err := p.err(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SESConfigured returns true if the SES region is set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != ""
}

// AuthEnabled returns true if an SMTP username is configured.
func (c *Config) AuthEnabled() bool {
	return c.Mail.Username != ""
}

func (c *Config) validate() error {
	if c.Mail.Port <= 0 || c.Mail.Port > 65535 {
		return fmt.Errorf("%w: mail_port %d out of range", ErrInvalidValue, c.Mail.Port)
	}
	if c.Mail.UseTLS && c.Mail.UseSSL {
		return fmt.Errorf("%w: mail_use_tls and mail_use_ssl are mutually exclusive", ErrInvalidValue)
	}
	switch c.Mail.Transport {
	case TransportSMTP:
	case TransportSES:
		if !c.SESConfigured() {
			return fmt.Errorf("%w: mail_transport ses requires ses_region", ErrInvalidValue)
		}
	default:
		return fmt.Errorf("%w: unknown mail_transport %q", ErrInvalidValue, c.Mail.Transport)
	}
	return nil
}

// readFile reads a settings file into a flat mapping.
func readFile(path string) (map[string]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		raw := make(map[string]any)
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}

		values := make(map[string]string, len(raw))
		for k, v := range raw {
			switch tv := v.(type) {
			case nil:
				values[k] = ""
			case bool:
				// YAML booleans map onto the 0/1 convention of the dotenv files.
				if tv {
					values[k] = "1"
				} else {
					values[k] = "0"
				}
			default:
				values[k] = fmt.Sprint(tv)
			}
		}
		return values, nil

	default:
		values, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		return values, nil
	}
}

// applyEnvVars overrides values with environment variables named after the
// upper-cased key. Only non-empty environment variables override.
func applyEnvVars(values map[string]string) {
	for _, keys := range [][]string{RequiredKeys, optionalKeys} {
		for _, key := range keys {
			if v := os.Getenv(strings.ToUpper(key)); v != "" {
				values[key] = v
			}
		}
	}
}

// valueParser converts raw strings and collects every conversion error.
type valueParser struct {
	values map[string]string
	errs   []error
}

// str returns the trimmed value, or def when the key is absent or empty.
func (p *valueParser) str(key, def string) string {
	if v := strings.TrimSpace(p.values[key]); v != "" {
		return v
	}
	return def
}

func (p *valueParser) integer(key string) int {
	raw := p.str(key, "0")
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidValue, key, raw))
		return 0
	}
	return n
}

// boolean accepts integers (non-zero is true) as well as the forms understood
// by strconv.ParseBool.
func (p *valueParser) boolean(key string) bool {
	raw := p.str(key, "0")
	if n, err := strconv.Atoi(raw); err == nil {
		return n != 0
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalidValue, key, raw))
		return false
	}
	return b
}

func (p *valueParser) err() error {
	return errors.Join(p.errs...)
}
