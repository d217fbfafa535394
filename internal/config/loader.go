package config

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	// Unmarshal YAML into config
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Load the external disposable-domain file, if any
	if cfg.Signals.DisposableDomainsFile != "" {
		extra, err := loadDomainFile(cfg.Signals.DisposableDomainsFile)
		if err != nil {
			return nil, fmt.Errorf("disposable domains file: %w", err)
		}
		cfg.Signals.DisposableDomains = append(cfg.Signals.DisposableDomains, extra...)
	}
	if len(cfg.Signals.DisposableDomains) == 0 {
		cfg.Signals.DisposableDomains = DefaultDisposableDomains
	}

	// Validate configuration
	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration for errors. A missing signing secret is
// fatal here rather than per-request.
func (l *Loader) validate(cfg *Config) error {
	if cfg.Token.Secret == "" {
		return fmt.Errorf("token.secret is required")
	}
	if cfg.Token.MaxAge <= 0 {
		return fmt.Errorf("token.max_age must be positive")
	}
	if cfg.Token.MinAge < 0 {
		return fmt.Errorf("token.min_age must not be negative")
	}
	if cfg.Token.MinAge >= cfg.Token.MaxAge {
		return fmt.Errorf("token.min_age must be below token.max_age")
	}
	if cfg.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive")
	}
	switch cfg.RateLimit.FailMode {
	case "", "open", "closed":
	default:
		return fmt.Errorf("rate_limit.fail_mode must be open or closed, got %q", cfg.RateLimit.FailMode)
	}
	if cfg.Scoring.SuspectThreshold <= 0 || cfg.Scoring.BlockThreshold <= 0 {
		return fmt.Errorf("scoring thresholds must be positive")
	}
	if cfg.Scoring.BlockThreshold < cfg.Scoring.SuspectThreshold {
		return fmt.Errorf("scoring.block_threshold must be >= scoring.suspect_threshold")
	}
	if cfg.Signals.HoneypotField == "" {
		return fmt.Errorf("signals.honeypot_field is required")
	}
	for name, p := range cfg.Purposes {
		if p.MinTokenAge < 0 {
			return fmt.Errorf("purposes.%s.min_token_age must not be negative", name)
		}
		if p.MinTokenAge >= cfg.Token.MaxAge {
			return fmt.Errorf("purposes.%s.min_token_age must be below token.max_age", name)
		}
	}
	if cfg.Server.SpikeArrest.Enabled && cfg.Server.SpikeArrest.Rate <= 0 {
		return fmt.Errorf("server.spike_arrest.rate must be positive when enabled")
	}
	return nil
}

// loadDomainFile reads one domain per line, ignoring blanks and comments.
func loadDomainFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var domains []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		domains = append(domains, line)
	}
	return domains, scanner.Err()
}
