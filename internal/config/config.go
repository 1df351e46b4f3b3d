package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"calldirector/internal/campaign"
)

// Config holds all configuration required by the dialer processes.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	Provider  ProviderConfig
	Sheets    SheetsConfig
	Dialing   DialingConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Campaigns map[string]CampaignConfig
}

type AppConfig struct {
	Env  string
	Port int
}

// ProviderConfig is the voice provider account.
type ProviderConfig struct {
	APIKey  string
	BaseURL string

	// PhoneNumberIDs is the caller-id pool rotated across outbound calls.
	PhoneNumberIDs []string
}

type SheetsConfig struct {
	AccessToken string
	BaseURL     string
}

// DialingConfig carries the operational guardrails shared by all campaigns.
type DialingConfig struct {
	MaxBatchSize    int
	Pacing          time.Duration
	PollInterval    time.Duration
	MaxCallWait     time.Duration
	AnalysisWait    time.Duration
	MaxCallsPerHour int

	// Calling window in local business hours; EndHour exclusive.
	WindowStartHour int
	WindowEndHour   int
	Timezone        string

	// ExcludedPrefixes are never dialed (test lines, office numbers).
	ExcludedPrefixes []string
}

// RedisConfig is optional: without an address the hourly budget falls back to
// an in-process counter.
type RedisConfig struct {
	Addr string
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	AccessTokenTTL time.Duration
}

// CampaignConfig binds one built-in campaign to its sheet and scripts.
// AssistantIDs are positional: one per stage.
type CampaignConfig struct {
	SheetID      string
	AssistantIDs []string
	CatchUp      bool
	SkipWait     bool
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port = intOr("APP_PORT", 8080, &parseErrs)

	c.Provider.APIKey = os.Getenv("VAPI_API_KEY")
	c.Provider.BaseURL = strings.TrimSpace(os.Getenv("VAPI_BASE_URL"))
	c.Provider.PhoneNumberIDs = splitList(os.Getenv("PHONE_NUMBER_IDS"))

	c.Sheets.AccessToken = os.Getenv("SMARTSHEET_ACCESS_TOKEN")
	c.Sheets.BaseURL = strings.TrimSpace(os.Getenv("SMARTSHEET_BASE_URL"))

	c.Dialing.MaxBatchSize = intOr("DIAL_MAX_BATCH_SIZE", 50, &parseErrs)
	c.Dialing.Pacing = durationOr("DIAL_PACING", 36*time.Second, &parseErrs)
	c.Dialing.PollInterval = durationOr("DIAL_POLL_INTERVAL", 15*time.Second, &parseErrs)
	c.Dialing.MaxCallWait = durationOr("DIAL_MAX_CALL_WAIT", 5*time.Minute, &parseErrs)
	c.Dialing.AnalysisWait = durationOr("DIAL_ANALYSIS_WAIT", 3*time.Minute, &parseErrs)
	c.Dialing.MaxCallsPerHour = intOr("DIAL_MAX_CALLS_PER_HOUR", 60, &parseErrs)
	c.Dialing.WindowStartHour = intOr("DIAL_WINDOW_START_HOUR", 9, &parseErrs)
	c.Dialing.WindowEndHour = intOr("DIAL_WINDOW_END_HOUR", 17, &parseErrs)
	c.Dialing.Timezone = strings.TrimSpace(os.Getenv("DIAL_TIMEZONE"))
	if c.Dialing.Timezone == "" {
		c.Dialing.Timezone = "America/Los_Angeles"
	}
	c.Dialing.ExcludedPrefixes = splitList(os.Getenv("DIAL_EXCLUDED_PREFIXES"))

	c.Redis.Addr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.AccessTokenTTL = durationOr("JWT_ACCESS_TTL", 15*time.Minute, &parseErrs)

	c.Campaigns = loadCampaigns()

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// loadCampaigns reads the per-campaign bindings. Only campaigns with a sheet
// id configured are active; the rest are simply absent from the map.
func loadCampaigns() map[string]CampaignConfig {
	out := map[string]CampaignConfig{}
	for _, name := range campaign.Names() {
		prefix := "CAMPAIGN_" + strings.ReplaceAll(strings.ToUpper(name), "-", "_")
		sheetID := strings.TrimSpace(os.Getenv(prefix + "_SHEET_ID"))
		if sheetID == "" {
			continue
		}
		out[name] = CampaignConfig{
			SheetID:      sheetID,
			AssistantIDs: splitList(os.Getenv(prefix + "_ASSISTANT_IDS")),
			CatchUp:      parseBool(os.Getenv(prefix + "_CATCH_UP")),
			SkipWait:     parseBool(os.Getenv(prefix + "_SKIP_WAIT")),
		}
	}
	return out
}

func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.Provider.APIKey == "" {
		errs = append(errs, errors.New("VAPI_API_KEY is required"))
	}
	if len(c.Provider.PhoneNumberIDs) == 0 {
		errs = append(errs, errors.New("PHONE_NUMBER_IDS is required (comma-separated)"))
	}

	if c.Sheets.AccessToken == "" {
		errs = append(errs, errors.New("SMARTSHEET_ACCESS_TOKEN is required"))
	}

	if c.Dialing.MaxBatchSize <= 0 || c.Dialing.MaxBatchSize > 50 {
		errs = append(errs, fmt.Errorf("DIAL_MAX_BATCH_SIZE must be 1-50, got %d", c.Dialing.MaxBatchSize))
	}
	if c.Dialing.MaxCallsPerHour <= 0 {
		errs = append(errs, fmt.Errorf("DIAL_MAX_CALLS_PER_HOUR must be > 0, got %d", c.Dialing.MaxCallsPerHour))
	}
	if c.Dialing.WindowStartHour < 0 || c.Dialing.WindowStartHour > 23 ||
		c.Dialing.WindowEndHour < 1 || c.Dialing.WindowEndHour > 24 ||
		c.Dialing.WindowStartHour >= c.Dialing.WindowEndHour {
		errs = append(errs, fmt.Errorf("calling window %d-%d is invalid", c.Dialing.WindowStartHour, c.Dialing.WindowEndHour))
	}
	if _, err := time.LoadLocation(c.Dialing.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("DIAL_TIMEZONE %q is not a valid location", c.Dialing.Timezone))
	}

	if c.Auth.JWTSecret == "" && c.IsProduction() {
		errs = append(errs, errors.New("JWT_SECRET is required in production"))
	}

	for name, cc := range c.Campaigns {
		p, err := campaign.Lookup(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(cc.AssistantIDs) != p.Stages() {
			errs = append(errs, fmt.Errorf(
				"campaign %s needs %d assistant ids (one per stage), got %d", name, p.Stages(), len(cc.AssistantIDs)))
		}
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

// Location returns the calling-window timezone. Validate has already checked
// it parses.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Dialing.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

/// Policy materializes the runtime policy for one configured campaign: the
// built-in schedule plus the script bindings and flag overrides from env.
func (c Config) Policy(name string) (campaign.Policy, error) {
	cc, ok := c.Campaigns[name]
	if !ok {
		return campaign.Policy{}, fmt.Errorf("config: campaign %q is not configured (set CAMPAIGN_%s_SHEET_ID)",
			name, strings.ReplaceAll(strings.ToUpper(name), "-", "_"))
	}
	p, err := campaign.Lookup(name)
	if err != nil {
		return campaign.Policy{}, err
	}
	p.ScriptIDs = append([]string(nil), cc.AssistantIDs...)
	if cc.CatchUp {
		p.CatchUp = true
	}
	if cc.SkipWait {
		p.SkipWait = true
	}
	if err := p.Validate(); err != nil {
		return campaign.Policy{}, err
	}
	return p, nil
}

func intOr(key string, def int, errs *[]error) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be an integer, got %q", key, v))
		return def
	}
	return n
}

func durationOr(key string, def time.Duration, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be a duration like 36s, got %q", key, v))
		return def
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true
	}
	return false
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
