package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"sigs.k8s.io/yaml"
)

// Config holds the application configuration.
type Config struct {
	// Gateway connection settings
	RouterIP string `json:"routerIp"`
	Username string `json:"username"`
	Password string `json:"password"`
	ProxyURL string `json:"proxyUrl"`

	// Behaviour
	TimeoutSeconds     int `json:"timeoutSeconds"`
	VerifyAttempts     int `json:"verifyAttempts"`
	ReplaceConcurrency int `json:"replaceConcurrency"`

	// Application settings
	Debug    bool   `json:"debug"`
	LogLevel string `json:"logLevel"`

	// Runtime values (derived from settings)
	Host    string        `json:"-"`
	Timeout time.Duration `json:"-"`
}

// Load loads configuration from a .env file (if present), then
// environment variables, then applies defaults and derived values.
func (c *Config) Load() {
	// .env is optional; absence is not an error.
	_ = godotenv.Load()

	InitFromEnv(c)
	c.SetDefaults()
	c.SetDerivedValues()
}

// LoadFile merges settings from a YAML or JSON config file. Values read
// from the file override whatever the struct already holds.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	c.SetDerivedValues()
	return nil
}

// InitFromEnv initializes config from environment variables.
func InitFromEnv(cfg *Config) {
	if envRouterIP := os.Getenv("TIANYI_ROUTER_IP"); envRouterIP != "" {
		cfg.RouterIP = envRouterIP
	}
	if envUsername := os.Getenv("TIANYI_USERNAME"); envUsername != "" {
		cfg.Username = envUsername
	}
	if envPassword := os.Getenv("TIANYI_PASSWORD"); envPassword != "" {
		cfg.Password = envPassword
	}
	if envProxy := os.Getenv("TIANYI_PROXY_URL"); envProxy != "" {
		cfg.ProxyURL = envProxy
	}
	if envTimeout := os.Getenv("TIANYI_TIMEOUT_SECONDS"); envTimeout != "" {
		if seconds, err := strconv.Atoi(envTimeout); err == nil {
			cfg.TimeoutSeconds = seconds
		}
	}
	if !cfg.Debug {
		cfg.Debug = os.Getenv("DEBUG") != ""
	}
	if envLogLevel := os.Getenv("LOG_LEVEL"); envLogLevel != "" {
		cfg.LogLevel = envLogLevel
	}
}

// SetDefaults sets the default values for configuration.
func (c *Config) SetDefaults() {
	if c.RouterIP == "" {
		c.RouterIP = "192.168.1.1"
	}
	if c.Username == "" {
		c.Username = "useradmin"
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 10
	}
	if c.VerifyAttempts == 0 {
		c.VerifyAttempts = 3
	}
	if c.ReplaceConcurrency == 0 {
		c.ReplaceConcurrency = 1
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// SetDerivedValues calculates derived values from the configuration.
func (c *Config) SetDerivedValues() {
	baseURL := url.URL{
		Host:   c.RouterIP,
		Scheme: "http",
	}
	c.Host = baseURL.String()
	c.Timeout = time.Duration(c.TimeoutSeconds) * time.Second
}

// Validate performs basic validation of the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.RouterIP == "" {
		errs = append(errs, "router IP cannot be empty")
	} else if err := validateIP(c.RouterIP); err != nil {
		errs = append(errs, fmt.Sprintf("invalid router IP format: %v", err))
	}

	if c.Username == "" {
		errs = append(errs, "username cannot be empty")
	}
	if c.Password == "" {
		errs = append(errs, "password must be provided")
	}

	if c.ProxyURL != "" {
		if _, err := url.Parse(c.ProxyURL); err != nil {
			errs = append(errs, fmt.Sprintf("invalid proxy URL: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// validateIP performs IP address validation using Go's net package.
func validateIP(ip string) error {
	if ip == "" {
		return fmt.Errorf("empty string")
	}
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("invalid IP address format")
	}
	return nil
}
