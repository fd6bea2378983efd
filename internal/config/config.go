package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`

	Server struct {
		Address         string        `mapstructure:"address"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	DB struct {
		Driver   string `mapstructure:"driver"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Pipeline struct {
		ApprovalThreshold float64       `mapstructure:"approval_threshold"`
		OnSubmit          string        `mapstructure:"on_submit"`
		ApprovalTimeout   time.Duration `mapstructure:"approval_timeout"`
		StepAttempts      int           `mapstructure:"step_attempts"`
		PatchRetries      int           `mapstructure:"patch_retries"`
	} `mapstructure:"pipeline"`
	Broadcast struct {
		BufferSize      int           `mapstructure:"buffer_size"`
		LivenessTimeout time.Duration `mapstructure:"liveness_timeout"`
		PingInterval    time.Duration `mapstructure:"ping_interval"`
	} `mapstructure:"broadcast"`
	Collaborators struct {
		URL     string        `mapstructure:"url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"collaborators"`
	Similarity struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"similarity"`
	Auth struct {
		OktaDomain      string   `mapstructure:"okta_domain"`
		ClientID        string   `mapstructure:"client_id"`
		ClientSecret    string   `mapstructure:"client_secret"`
		RedirectURL     string   `mapstructure:"redirect_url"`
		SwaggerClientID string   `mapstructure:"swagger_client_id"`
		AllowedDomains  []string `mapstructure:"allowed_domains"`
	} `mapstructure:"auth"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

// IsDev reports whether the service runs in the DEV environment.
func (c *Config) IsDev() bool {
	return strings.EqualFold(c.Environment, "DEV")
}

// ConnString builds a libpq style connection string for the database.
func (c *Config) ConnString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}

// LoadConfig loads the configuration from a file and the environment. An
// empty path searches ./config.yaml and ./config/config.yaml; a missing file
// is not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("PIPELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// legacy variable name still set by older deployments
	_ = v.BindEnv("pipeline.approval_threshold", "PIPELINE_PIPELINE_APPROVAL_THRESHOLD", "HITL_CONFIDENCE_THRESHOLD")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// normalize OKTA issuer url (strip trailing slash if any)
	config.Auth.OktaDomain = normalizeOktaIssuer(config.Auth.OktaDomain)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "DEV")
	v.SetDefault("dev_mode_bypass", false)

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("db.driver", "memory")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.sslmode", "disable")

	v.SetDefault("pipeline.approval_threshold", 0.95)
	v.SetDefault("pipeline.on_submit", "keep")
	v.SetDefault("pipeline.approval_timeout", time.Duration(0))
	v.SetDefault("pipeline.step_attempts", 1)
	v.SetDefault("pipeline.patch_retries", 5)

	v.SetDefault("broadcast.buffer_size", 64)
	v.SetDefault("broadcast.liveness_timeout", 45*time.Second)
	v.SetDefault("broadcast.ping_interval", 15*time.Second)

	v.SetDefault("collaborators.timeout", 5*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks value ranges that viper cannot express.
func (c *Config) Validate() error {
	if c.Pipeline.ApprovalThreshold < 0 || c.Pipeline.ApprovalThreshold > 1 {
		return fmt.Errorf("pipeline.approval_threshold must be within [0,1], got %v", c.Pipeline.ApprovalThreshold)
	}
	switch c.Pipeline.OnSubmit {
	case "keep", "approve", "reject":
	default:
		return fmt.Errorf("pipeline.on_submit must be keep, approve or reject, got %q", c.Pipeline.OnSubmit)
	}
	if c.Pipeline.StepAttempts < 1 {
		return fmt.Errorf("pipeline.step_attempts must be at least 1")
	}
	if c.Pipeline.ApprovalTimeout < 0 {
		return fmt.Errorf("pipeline.approval_timeout must not be negative")
	}
	switch c.DB.Driver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("db.driver must be memory or postgres, got %q", c.DB.Driver)
	}
	if c.Broadcast.BufferSize < 1 {
		return fmt.Errorf("broadcast.buffer_size must be at least 1")
	}
	return nil
}

// normalizeOktaIssuer ensures the provided Okta issuer string is in a
// predictable form. It removes any trailing slash and leaves the scheme and
// path intact.
func normalizeOktaIssuer(input string) string {
	iss := strings.TrimSpace(input)
	if strings.HasSuffix(iss, "/") {
		iss = strings.TrimRight(iss, "/")
	}
	return iss
}
