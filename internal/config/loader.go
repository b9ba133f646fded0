package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// e164Pattern matches phone numbers in E.164 form.
var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands environment references
// in secret fields, and validates the result. Useful in tests where configs
// are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandSecrets(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandSecrets replaces "${NAME}" values in credential fields with the
// corresponding environment variable. Only exact-form references are
// expanded; literal values pass through untouched.
func expandSecrets(cfg *Config) {
	for _, p := range []*string{
		&cfg.Carrier.AccountSID,
		&cfg.Carrier.AuthToken,
		&cfg.Realtime.APIKey,
		&cfg.Realtime.WebhookSecret,
		&cfg.Ticketing.APIKey,
		&cfg.Database.PostgresDSN,
	} {
		*p = expandEnvRef(*p)
	}
}

func expandEnvRef(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		name := v[2 : len(v)-1]
		if resolved, ok := os.LookupEnv(name); ok {
			return resolved
		}
		slog.Warn("config: environment reference is not set", "name", name)
	}
	return v
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.Environment == "" {
		cfg.Server.Environment = EnvDevelopment
	}
	if cfg.Costs.AgentCentsPerMinute <= 0 {
		cfg.Costs.AgentCentsPerMinute = 19
	}
	if cfg.Realtime.Model == "" {
		cfg.Realtime.Model = "gpt-realtime"
	}
	if cfg.Realtime.TranscriptionModel == "" {
		cfg.Realtime.TranscriptionModel = "gpt-4o-mini-transcribe"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.PublicURL == "" {
		errs = append(errs, errors.New("server.public_url is required; carrier callbacks cannot be built without it"))
	} else if !strings.HasPrefix(cfg.Server.PublicURL, "http://") && !strings.HasPrefix(cfg.Server.PublicURL, "https://") {
		errs = append(errs, fmt.Errorf("server.public_url %q must start with http:// or https://", cfg.Server.PublicURL))
	}
	if !cfg.Server.Environment.IsValid() {
		errs = append(errs, fmt.Errorf("server.environment %q is invalid; valid values: development, production", cfg.Server.Environment))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Carrier
	if cfg.Carrier.AccountSID == "" {
		errs = append(errs, errors.New("carrier.account_sid is required"))
	}
	if cfg.Carrier.AuthToken == "" {
		errs = append(errs, errors.New("carrier.auth_token is required"))
	}
	if cfg.Carrier.VerifiedDID == "" {
		errs = append(errs, errors.New("carrier.verified_did is required; the realtime service rejects SIP invites from unverified numbers"))
	} else if !e164Pattern.MatchString(cfg.Carrier.VerifiedDID) {
		errs = append(errs, fmt.Errorf("carrier.verified_did %q is not E.164", cfg.Carrier.VerifiedDID))
	}
	if cfg.Carrier.HumanAgentE164 == "" {
		errs = append(errs, errors.New("carrier.human_agent_e164 is required; escalation and attach failure have no destination without it"))
	} else if !e164Pattern.MatchString(cfg.Carrier.HumanAgentE164) {
		errs = append(errs, fmt.Errorf("carrier.human_agent_e164 %q is not E.164", cfg.Carrier.HumanAgentE164))
	}

	// Realtime
	if cfg.Realtime.APIKey == "" {
		errs = append(errs, errors.New("realtime.api_key is required"))
	}
	if cfg.Realtime.ProjectID == "" {
		errs = append(errs, errors.New("realtime.project_id is required; the agent leg has no SIP address without it"))
	}
	if cfg.Realtime.WebhookSecret == "" {
		errs = append(errs, errors.New("realtime.webhook_secret is required"))
	} else if !strings.HasPrefix(cfg.Realtime.WebhookSecret, "whsec_") {
		errs = append(errs, fmt.Errorf("realtime.webhook_secret must start with %q", "whsec_"))
	}

	// Ticketing needs both halves or neither.
	if cfg.Ticketing.BaseURL != "" && cfg.Ticketing.APIKey == "" {
		errs = append(errs, errors.New("ticketing.api_key is required when ticketing.base_url is set"))
	}

	// Database
	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.postgres_dsn is empty; running cache-only, call records will not survive a restart")
	}

	// Agents
	if len(cfg.Agents) == 0 {
		errs = append(errs, errors.New("agents is empty; at least one roster entry is required"))
	}
	slugsSeen := make(map[string]int, len(cfg.Agents))
	for i, a := range cfg.Agents {
		prefix := fmt.Sprintf("agents[%d]", i)
		if a.Slug == "" {
			errs = append(errs, fmt.Errorf("%s.slug is required", prefix))
		} else {
			if prev, ok := slugsSeen[a.Slug]; ok {
				errs = append(errs, fmt.Errorf("%s.slug %q is a duplicate of agents[%d]", prefix, a.Slug, prev))
			}
			slugsSeen[a.Slug] = i
		}
		if a.Greeting == "" {
			slog.Warn("agent has no greeting; the first response will be model-improvised", "slug", a.Slug)
		}
		for _, n := range a.DialedNumbers {
			if !e164Pattern.MatchString(n) {
				errs = append(errs, fmt.Errorf("%s.dialed_numbers entry %q is not E.164", prefix, n))
			}
		}
	}
	if _, ok := slugsSeen[DefaultAgentSlug]; !ok && len(cfg.Agents) > 0 {
		slog.Warn("roster has no entry with the default slug; calls on unmatched numbers use the first unrestricted agent",
			"default_slug", DefaultAgentSlug)
	}

	return errors.Join(errs...)
}
