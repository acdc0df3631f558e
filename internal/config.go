package internal

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full application configuration. It is constructed once by
// LoadConfig and passed explicitly to every component that needs it.
type Config struct {
	// Server holds HTTP server configuration.
	Server struct {
		Port           int    `yaml:"port"`
		ReadHeaderMS   int64  `yaml:"read_header_timeout_ms"`
		MaxBodyBytes   int64  `yaml:"max_body_bytes"`
		RateLimitRPS   int64  `yaml:"rate_limit_rps"`
		RateLimitBurst int64  `yaml:"rate_limit_burst"`
		MetricsEnabled bool   `yaml:"metrics_enabled"`
		MetricsPath    string `yaml:"metrics_path"`
		PublicBaseURL  string `yaml:"public_base_url"`
	} `yaml:"server"`

	// Providers contains configuration for each code-hosting provider.
	Providers struct {
		GitHub    ProviderConfig `yaml:"github"`
		GitLab    ProviderConfig `yaml:"gitlab"`
		Bitbucket ProviderConfig `yaml:"bitbucket"`
	} `yaml:"providers"`

	// Storage configures the GORM-backed stores.
	Storage StorageConfig `yaml:"storage"`

	// Queue configures the watermill publisher/subscriber and the two
	// lifecycle topics.
	Queue QueueConfig `yaml:"queue"`

	// Orchestrator is the external build engine collaborator.
	Orchestrator struct {
		BaseURL string `yaml:"base_url"`
		Token   string `yaml:"token"`
	} `yaml:"orchestrator"`

	// Imports bounds batch repository imports.
	Imports struct {
		ParallelImports int   `yaml:"parallel_imports"`
		PollIntervalMS  int64 `yaml:"poll_interval_ms"`
	} `yaml:"imports"`

	// Credentials tunes token expiry handling.
	Credentials struct {
		// ExpiryAdjustmentMS shifts the strict expiry test; zero means a
		// token is expired exactly at expires_at.
		ExpiryAdjustmentMS int64 `yaml:"expiry_adjustment_ms"`
	} `yaml:"credentials"`

	// Coordination configures the distributed lock store.
	Coordination struct {
		Servers          []string `yaml:"servers"`
		SessionTimeoutMS int64    `yaml:"session_timeout_ms"`
		LockRoot         string   `yaml:"lock_root"`
	} `yaml:"coordination"`

	// Email holds SMTP settings for the email notification kind.
	Email EmailConfig `yaml:"email"`

	// Auth configures the OAuth callback flow.
	Auth struct {
		CookieName  string `yaml:"cookie_name"`
		LoginURL    string `yaml:"login_url"`
		SuccessURL  string `yaml:"success_url"`
		RedirectURL string `yaml:"redirect_url"`
	} `yaml:"auth"`
}

// EmailConfig holds SMTP relay settings.
type EmailConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	From     string `yaml:"from"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ProviderConfig holds webhook and credential settings for one provider.
type ProviderConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Secret  string `yaml:"secret"`

	AppID          int64  `yaml:"app_id"`
	AppSlug        string `yaml:"app_slug"`
	PrivateKeyPath string `yaml:"private_key_path"`

	OAuthClientID     string   `yaml:"oauth_client_id"`
	OAuthClientSecret string   `yaml:"oauth_client_secret"`
	OAuthScopes       []string `yaml:"oauth_scopes"`

	BaseURL    string `yaml:"base_url"`
	WebBaseURL string `yaml:"web_base_url"`
}

// StorageConfig configures the document stores.
type StorageConfig struct {
	Driver      string `yaml:"driver"`
	DSN         string `yaml:"dsn"`
	AutoMigrate bool   `yaml:"auto_migrate"`

	InstallationsTable string `yaml:"installations_table"`
	NotificationsTable string `yaml:"notifications_table"`
	AppsTable          string `yaml:"apps_table"`
}

// QueueConfig holds the watermill driver configuration plus topic names.
type QueueConfig struct {
	Driver  string   `yaml:"driver"`
	Drivers []string `yaml:"drivers"`

	RepoTopic  string `yaml:"repo_topic"`
	BuildTopic string `yaml:"build_topic"`

	GoChannel GoChannelConfig `yaml:"gochannel"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	NATS      NATSConfig      `yaml:"nats"`
	AMQP      AMQPConfig      `yaml:"amqp"`
	SQL       SQLConfig       `yaml:"sql"`
	HTTP      HTTPConfig      `yaml:"http"`
	JobTable  JobTableConfig  `yaml:"job_table"`
}

// GoChannelConfig holds configuration for the GoChannel pub/sub.
type GoChannelConfig struct {
	OutputChannelBuffer            int64 `yaml:"output_buffer"`
	Persistent                     bool  `yaml:"persistent"`
	BlockPublishUntilSubscriberAck bool  `yaml:"block_publish_until_subscriber_ack"`
}

// KafkaConfig holds configuration for the Kafka pub/sub.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	ConsumerGroup string   `yaml:"consumer_group"`
}

// NATSConfig holds configuration for the NATS streaming pub/sub.
type NATSConfig struct {
	ClusterID      string `yaml:"cluster_id"`
	ClientID       string `yaml:"client_id"`
	ClientIDSuffix string `yaml:"client_id_suffix"`
	URL            string `yaml:"url"`
	Durable        string `yaml:"durable"`
}

// AMQPConfig holds configuration for the AMQP pub/sub.
type AMQPConfig struct {
	URL  string `yaml:"url"`
	Mode string `yaml:"mode"`
}

// SQLConfig holds configuration for the SQL pub/sub.
type SQLConfig struct {
	Driver               string `yaml:"driver"`
	DSN                  string `yaml:"dsn"`
	Dialect              string `yaml:"dialect"`
	ConsumerGroup        string `yaml:"consumer_group"`
	InitializeSchema     bool   `yaml:"initialize_schema"`
	AutoInitializeSchema bool   `yaml:"auto_initialize_schema"`
}

// HTTPConfig holds configuration for the HTTP publisher.
type HTTPConfig struct {
	BaseURL string `yaml:"base_url"`
	Mode    string `yaml:"mode"`
}

// JobTableConfig holds configuration for the SQL job-table publisher.
type JobTableConfig struct {
	Driver      string   `yaml:"driver"`
	DSN         string   `yaml:"dsn"`
	Table       string   `yaml:"table"`
	Queue       string   `yaml:"queue"`
	Kind        string   `yaml:"kind"`
	MaxAttempts int      `yaml:"max_attempts"`
	Priority    int      `yaml:"priority"`
	Tags        []string `yaml:"tags"`
}

// LoadConfig loads the application configuration from a YAML file.
// It expands environment variables and applies default values.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, err
	}

	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadHeaderMS == 0 {
		cfg.Server.ReadHeaderMS = 5000
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/debug/vars"
	}
	if cfg.Providers.GitHub.Path == "" {
		cfg.Providers.GitHub.Path = "/webhooks/github"
	}
	if cfg.Providers.GitLab.Path == "" {
		cfg.Providers.GitLab.Path = "/webhooks/gitlab"
	}
	if cfg.Providers.Bitbucket.Path == "" {
		cfg.Providers.Bitbucket.Path = "/webhooks/bitbucket"
	}
	if cfg.Storage.InstallationsTable == "" {
		cfg.Storage.InstallationsTable = "buildhooks_installations"
	}
	if cfg.Storage.NotificationsTable == "" {
		cfg.Storage.NotificationsTable = "buildhooks_notifications"
	}
	if cfg.Storage.AppsTable == "" {
		cfg.Storage.AppsTable = "buildhooks_provider_apps"
	}
	if cfg.Queue.Driver == "" && len(cfg.Queue.Drivers) == 0 {
		cfg.Queue.Driver = "gochannel"
	}
	if cfg.Queue.RepoTopic == "" {
		cfg.Queue.RepoTopic = "repo.notification"
	}
	if cfg.Queue.BuildTopic == "" {
		cfg.Queue.BuildTopic = "build.notification"
	}
	if cfg.Queue.GoChannel.OutputChannelBuffer == 0 {
		cfg.Queue.GoChannel.OutputChannelBuffer = 64
	}
	if cfg.Queue.HTTP.Mode == "" {
		cfg.Queue.HTTP.Mode = "topic_url"
	}
	if cfg.Queue.JobTable.Table == "" {
		cfg.Queue.JobTable.Table = "buildhooks_jobs"
	}
	if cfg.Queue.JobTable.Queue == "" {
		cfg.Queue.JobTable.Queue = "default"
	}
	if cfg.Queue.JobTable.Kind == "" {
		cfg.Queue.JobTable.Kind = "buildhooks.event"
	}
	if cfg.Queue.JobTable.MaxAttempts == 0 {
		cfg.Queue.JobTable.MaxAttempts = 25
	}
	if cfg.Imports.PollIntervalMS == 0 {
		cfg.Imports.PollIntervalMS = 500
	}
	if cfg.Coordination.SessionTimeoutMS == 0 {
		cfg.Coordination.SessionTimeoutMS = 10000
	}
	if cfg.Coordination.LockRoot == "" {
		cfg.Coordination.LockRoot = "/buildhooks/locks"
	}
	if cfg.Auth.CookieName == "" {
		cfg.Auth.CookieName = "buildhooks_session"
	}
	if cfg.Email.Port == 0 {
		cfg.Email.Port = 587
	}
}
