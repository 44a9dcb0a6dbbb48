package config

import (
	"fmt"
	"os"
	"strings"

	attendsync "github.com/mof-lk/attendsync"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	defaultGenericURL      = "http://localhost:3000"
	defaultSyncInterval    = 30
	defaultDeviceDelay     = 2
	defaultHostedSlug      = "hr-attendance-system"
	defaultHostedOwner     = "username"
	defaultHostedEnv       = "production"
	genericLogFile         = "attendance_sync.log"
	hostedLogFile          = "hosted_attendance_sync.log"
	genericStatusEvery     = 10
	hostedStatusEvery      = 20
	defaultConfigName      = "attendsync"
	notHostedDeploymentTag = "not_hosted"
)

// envBindings maps config keys to the environment variables that feed them,
// in priority order.
var envBindings = map[string][]string{
	"profile":         {"SYNC_PROFILE"},
	"api_url":         {"API_URL"},
	"hosted_app_url":  {"HOSTED_APP_URL", "REPLIT_APP_URL"},
	"sync_interval":   {"SYNC_INTERVAL"},
	"device_delay":    {"SYNC_DEVICE_DELAY"},
	"status_every":    {"SYNC_STATUS_EVERY"},
	"api_token":       {"API_TOKEN", "REPLIT_TOKEN"},
	"log_file":        {"SYNC_LOG_FILE"},
	"log_level":       {"SYNC_LOG_LEVEL"},
	"history_db_path": {"SYNC_HISTORY_DB_PATH"},

	"feishu.app_id":      {"FEISHU_APP_ID"},
	"feishu.app_secret":  {"FEISHU_APP_SECRET"},
	"feishu.tenant_key":  {"FEISHU_TENANT_KEY"},
	"feishu.base_url":    {"FEISHU_BASE_URL"},
	"feishu.bitable_url": {"SYNC_BITABLE_URL"},

	"hosting.repl_id":     {"REPL_ID"},
	"hosting.repl_slug":   {"REPL_SLUG"},
	"hosting.repl_owner":  {"REPL_OWNER"},
	"hosting.db_url":      {"REPLIT_DB_URL"},
	"hosting.cluster":     {"REPLIT_CLUSTER"},
	"hosting.environment": {"REPL_ENVIRONMENT"},
}

// flagBindings maps config keys to persistent CLI flags.
var flagBindings = map[string]string{
	"api_url":       "api-url",
	"sync_interval": "interval",
	"profile":       "profile",
	"log_file":      "log-file",
	"log_level":     "log-level",
}

// Settings is the resolved runtime configuration.
type Settings struct {
	Profile       string  `mapstructure:"profile"`
	APIURL        string  `mapstructure:"api_url"`
	HostedAppURL  string  `mapstructure:"hosted_app_url"`
	SyncInterval  int     `mapstructure:"sync_interval"`
	DeviceDelay   int     `mapstructure:"device_delay"`
	StatusEvery   int     `mapstructure:"status_every"`
	Token         string  `mapstructure:"api_token"`
	LogFile       string  `mapstructure:"log_file"`
	LogLevel      string  `mapstructure:"log_level"`
	HistoryDBPath string  `mapstructure:"history_db_path"`
	Feishu        Feishu  `mapstructure:"feishu"`
	Hosting       Hosting `mapstructure:"hosting"`

	// BaseURL is derived from the URL settings and hosting metadata.
	BaseURL string `mapstructure:"-"`
	// DotenvPath is the .env file applied before reading the environment.
	DotenvPath string `mapstructure:"-"`

	// apiURLFlag is set when --api-url was given; it then outranks the
	// hosted app URL from the environment.
	apiURLFlag bool
}

// Feishu holds the optional bitable cycle ledger settings.
type Feishu struct {
	AppID      string `mapstructure:"app_id"`
	AppSecret  string `mapstructure:"app_secret"`
	TenantKey  string `mapstructure:"tenant_key"`
	BaseURL    string `mapstructure:"base_url"`
	BitableURL string `mapstructure:"bitable_url"`
}

// Enabled reports whether the bitable ledger has enough settings to run.
func (f Feishu) Enabled() bool {
	return strings.TrimSpace(f.BitableURL) != "" &&
		strings.TrimSpace(f.AppID) != "" &&
		strings.TrimSpace(f.AppSecret) != ""
}

// Hosting carries metadata exported by the hosting platform, if any.
type Hosting struct {
	ReplID      string `mapstructure:"repl_id"`
	ReplSlug    string `mapstructure:"repl_slug"`
	ReplOwner   string `mapstructure:"repl_owner"`
	DBURL       string `mapstructure:"db_url"`
	Cluster     string `mapstructure:"cluster"`
	Environment string `mapstructure:"environment"`
}

// Detected reports whether any hosting marker variable is present.
func (h Hosting) Detected() bool {
	for _, v := range []string{h.ReplID, h.ReplSlug, h.ReplOwner, h.DBURL, h.Cluster} {
		if strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}

// Options controls where Load looks for input.
type Options struct {
	// ConfigFile is an explicit config file; when empty attendsync.yaml is
	// searched in the working directory and the user config directory.
	ConfigFile string
	// Flags holds CLI flags that override file and environment values.
	Flags *pflag.FlagSet
	// Dotenv is an explicit .env file; when empty $ATTENDSYNC_DOTENV is used,
	// then .env is searched next to attendsync.yaml.
	Dotenv string
	// SkipDotenv leaves the process environment untouched.
	SkipDotenv bool
}

// Load layers defaults, the optional config file, environment variables and
// CLI flags, then derives profile-dependent values.
func Load(opts Options) (*Settings, error) {
	var dotenvPath string
	if !opts.SkipDotenv {
		var err error
		dotenvPath, err = loadDotenv(firstNonEmpty(opts.Dotenv, os.Getenv(EnvDotenvPath)))
		if err != nil {
			return nil, err
		}
	}

	v := viper.New()
	v.SetDefault("profile", "")
	v.SetDefault("sync_interval", defaultSyncInterval)
	v.SetDefault("device_delay", defaultDeviceDelay)
	v.SetDefault("status_every", 0)
	v.SetDefault("log_level", "info")
	for key, names := range envBindings {
		if !v.IsSet(key) {
			v.SetDefault(key, "")
		}
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, errors.Wrapf(err, "bind env for %s", key)
		}
	}
	if opts.Flags != nil {
		for key, name := range flagBindings {
			flag := opts.Flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, errors.Wrapf(err, "bind flag %s", name)
			}
		}
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName(defaultConfigName)
		v.SetConfigType("yaml")
		for _, dir := range searchDirs() {
			v.AddConfigPath(dir)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if opts.Flags != nil {
		if flag := opts.Flags.Lookup(flagBindings["api_url"]); flag != nil && flag.Changed {
			s.apiURLFlag = true
		}
	}
	s.DotenvPath = dotenvPath
	if err := s.resolve(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) resolve() error {
	s.Profile = strings.ToLower(strings.TrimSpace(s.Profile))
	switch s.Profile {
	case "":
		s.Profile = attendsync.ProfileGeneric
		if s.Hosting.Detected() {
			s.Profile = attendsync.ProfileHosted
		}
	case attendsync.ProfileGeneric, attendsync.ProfileHosted:
	default:
		return errors.Errorf("unknown profile %q (want %s or %s)", s.Profile, attendsync.ProfileGeneric, attendsync.ProfileHosted)
	}
	if s.SyncInterval <= 0 {
		return errors.Errorf("sync interval must be positive, got %d", s.SyncInterval)
	}
	if s.DeviceDelay <= 0 {
		s.DeviceDelay = defaultDeviceDelay
	}
	if s.StatusEvery <= 0 {
		s.StatusEvery = genericStatusEvery
		if s.Profile == attendsync.ProfileHosted {
			s.StatusEvery = hostedStatusEvery
		}
	}
	if strings.TrimSpace(s.LogFile) == "" {
		s.LogFile = genericLogFile
		if s.Profile == attendsync.ProfileHosted {
			s.LogFile = hostedLogFile
		}
	}
	if strings.TrimSpace(s.Hosting.Environment) == "" {
		s.Hosting.Environment = defaultHostedEnv
	}
	s.BaseURL = s.resolveBaseURL()
	return nil
}

func (s *Settings) resolveBaseURL() string {
	candidates := []string{s.HostedAppURL, s.APIURL}
	if s.apiURLFlag {
		candidates = []string{s.APIURL, s.HostedAppURL}
	}
	for _, candidate := range candidates {
		if trimmed := strings.TrimRight(strings.TrimSpace(candidate), "/"); trimmed != "" {
			return trimmed
		}
	}
	if !s.Hosting.Detected() {
		return defaultGenericURL
	}
	slug := firstNonEmpty(s.Hosting.ReplSlug, defaultHostedSlug)
	owner := firstNonEmpty(s.Hosting.ReplOwner, defaultHostedOwner)
	return fmt.Sprintf("https://%s.%s.repl.co", slug, owner)
}

// Deployment returns the metadata printed by the info command and included in
// status reports, in display order.
func (s *Settings) Deployment() []attendsync.InfoField {
	if !s.Hosting.Detected() {
		return []attendsync.InfoField{
			{Key: "status", Value: notHostedDeploymentTag},
			{Key: "profile", Value: s.Profile},
			{Key: "base_url", Value: s.BaseURL},
		}
	}
	return []attendsync.InfoField{
		{Key: "repl_id", Value: s.Hosting.ReplID},
		{Key: "repl_slug", Value: s.Hosting.ReplSlug},
		{Key: "repl_owner", Value: s.Hosting.ReplOwner},
		{Key: "cluster", Value: s.Hosting.Cluster},
		{Key: "environment", Value: s.Hosting.Environment},
		{Key: "profile", Value: s.Profile},
		{Key: "base_url", Value: s.BaseURL},
	}
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
