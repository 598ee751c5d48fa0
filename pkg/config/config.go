package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string
	AdminJWTSecret string
	AdminTokenTTL  time.Duration

	// Database
	DBDriver string // "postgres" or "sqlite"
	DBDSN    string

	// Logging
	LogLevel  string
	LogFormat string

	// OAuth clients
	GoogleClientID        string
	GoogleClientSecret    string
	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftTenant       string

	// Push (Gmail watch -> Pub/Sub)
	GoogleProjectID     string
	GooglePubSubTopic   string
	GoogleCredentials   string
	ReplyEventsTopic    string // empty disables reply event publishing
	FirebaseCredentials string

	// IMAP passwords are stored sealed with this key (hex, 32 bytes)
	EncryptionKey string

	// Detection
	QuorumMinHealthyLayers int
	QuorumOverrides        map[string]int
	LayerTimeout           time.Duration
	ProviderCallTimeout    time.Duration
	RetryMaxAttempts       int
	RetryInitialBackoff    time.Duration
	RetryMaxBackoff        time.Duration
	HealthCacheTTL         time.Duration
	AliasTTL               time.Duration
	SearchMaxResults       int

	// Scheduler
	PollInterval            time.Duration
	PushRestoreInterval     time.Duration
	PushFailureThreshold    int
	DeltaSweepInterval      time.Duration
	SweepConcurrency        int
	HealthCheckInterval     time.Duration
	StaleSyncThreshold      time.Duration
	AlertCooldown           time.Duration
	CredentialRefreshEvery  time.Duration
	CredentialRefreshWindow time.Duration
	NightlySchedule         string
	HourlySchedule          string
	Timezone                string

	// Reconciliation
	HourlyLookback        time.Duration
	HourlyRecheckAfter    time.Duration
	HourlyPacing          time.Duration
	NightlyPacing         time.Duration
	ReconciliationMaxRows int
	AuditRetention        time.Duration // zero keeps audit rows forever

	// Task queue
	TaskWorkers   int
	TaskQueueSize int
}

func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	return &Config{
		Port:           v.GetString("PORT"),
		AdminJWTSecret: v.GetString("ADMIN_JWT_SECRET"),
		AdminTokenTTL:  v.GetDuration("ADMIN_TOKEN_TTL"),

		DBDriver: v.GetString("DB_DRIVER"),
		DBDSN:    v.GetString("DB_DSN"),

		LogLevel:  v.GetString("LOG_LEVEL"),
		LogFormat: v.GetString("LOG_FORMAT"),

		GoogleClientID:        v.GetString("GOOGLE_CLIENT_ID"),
		GoogleClientSecret:    v.GetString("GOOGLE_CLIENT_SECRET"),
		MicrosoftClientID:     v.GetString("MICROSOFT_CLIENT_ID"),
		MicrosoftClientSecret: v.GetString("MICROSOFT_CLIENT_SECRET"),
		MicrosoftTenant:       v.GetString("MICROSOFT_TENANT"),

		GoogleProjectID:     v.GetString("GOOGLE_PROJECT_ID"),
		GooglePubSubTopic:   v.GetString("GOOGLE_PUBSUB_TOPIC"),
		GoogleCredentials:   v.GetString("GOOGLE_APPLICATION_CREDENTIALS"),
		ReplyEventsTopic:    v.GetString("REPLY_EVENTS_TOPIC"),
		FirebaseCredentials: v.GetString("FIREBASE_CREDENTIALS"),

		EncryptionKey: v.GetString("ENCRYPTION_KEY"),

		QuorumMinHealthyLayers: v.GetInt("QUORUM_MIN_HEALTHY_LAYERS"),
		QuorumOverrides:        parseOverrides(v.GetString("QUORUM_OVERRIDES")),
		LayerTimeout:           v.GetDuration("LAYER_TIMEOUT"),
		ProviderCallTimeout:    v.GetDuration("PROVIDER_CALL_TIMEOUT"),
		RetryMaxAttempts:       v.GetInt("RETRY_MAX_ATTEMPTS"),
		RetryInitialBackoff:    v.GetDuration("RETRY_INITIAL_BACKOFF"),
		RetryMaxBackoff:        v.GetDuration("RETRY_MAX_BACKOFF"),
		HealthCacheTTL:         v.GetDuration("HEALTH_CACHE_TTL"),
		AliasTTL:               v.GetDuration("ALIAS_TTL"),
		SearchMaxResults:       v.GetInt("SEARCH_MAX_RESULTS"),

		PollInterval:            v.GetDuration("POLL_INTERVAL"),
		PushRestoreInterval:     v.GetDuration("PUSH_RESTORE_INTERVAL"),
		PushFailureThreshold:    v.GetInt("PUSH_FAILURE_THRESHOLD"),
		DeltaSweepInterval:      v.GetDuration("DELTA_SWEEP_INTERVAL"),
		SweepConcurrency:        v.GetInt("SWEEP_CONCURRENCY"),
		HealthCheckInterval:     v.GetDuration("HEALTH_CHECK_INTERVAL"),
		StaleSyncThreshold:      v.GetDuration("STALE_SYNC_THRESHOLD"),
		AlertCooldown:           v.GetDuration("ALERT_COOLDOWN"),
		CredentialRefreshEvery:  v.GetDuration("CREDENTIAL_REFRESH_INTERVAL"),
		CredentialRefreshWindow: v.GetDuration("CREDENTIAL_REFRESH_WINDOW"),
		NightlySchedule:         v.GetString("NIGHTLY_SCHEDULE"),
		HourlySchedule:          v.GetString("HOURLY_SCHEDULE"),
		Timezone:                v.GetString("TZ_NAME"),

		HourlyLookback:        v.GetDuration("RECONCILE_HOURLY_LOOKBACK"),
		HourlyRecheckAfter:    v.GetDuration("RECONCILE_HOURLY_RECHECK_AFTER"),
		HourlyPacing:          v.GetDuration("RECONCILE_HOURLY_PACING"),
		NightlyPacing:         v.GetDuration("RECONCILE_NIGHTLY_PACING"),
		ReconciliationMaxRows: v.GetInt("RECONCILE_MAX_ROWS"),
		AuditRetention:        v.GetDuration("AUDIT_RETENTION"),

		TaskWorkers:   v.GetInt("TASK_WORKERS"),
		TaskQueueSize: v.GetInt("TASK_QUEUE_SIZE"),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("ADMIN_JWT_SECRET", "change-me-in-production")
	v.SetDefault("ADMIN_TOKEN_TTL", 24*time.Hour)
	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("DB_DSN", "host=localhost user=postgres password=postgres dbname=replywatch port=5432 sslmode=disable")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("MICROSOFT_TENANT", "common")
	v.SetDefault("GOOGLE_PUBSUB_TOPIC", "gmail-updates")

	v.SetDefault("QUORUM_MIN_HEALTHY_LAYERS", 3)
	v.SetDefault("LAYER_TIMEOUT", 30*time.Second)
	v.SetDefault("PROVIDER_CALL_TIMEOUT", 15*time.Second)
	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_INITIAL_BACKOFF", 500*time.Millisecond)
	v.SetDefault("RETRY_MAX_BACKOFF", 8*time.Second)
	v.SetDefault("HEALTH_CACHE_TTL", 60*time.Second)
	v.SetDefault("ALIAS_TTL", 365*24*time.Hour)
	v.SetDefault("SEARCH_MAX_RESULTS", 25)

	v.SetDefault("POLL_INTERVAL", time.Minute)
	v.SetDefault("PUSH_RESTORE_INTERVAL", 30*time.Minute)
	v.SetDefault("PUSH_FAILURE_THRESHOLD", 3)
	v.SetDefault("DELTA_SWEEP_INTERVAL", 10*time.Minute)
	v.SetDefault("SWEEP_CONCURRENCY", 1)
	v.SetDefault("HEALTH_CHECK_INTERVAL", 5*time.Minute)
	v.SetDefault("STALE_SYNC_THRESHOLD", 60*time.Minute)
	v.SetDefault("ALERT_COOLDOWN", 6*time.Hour)
	v.SetDefault("CREDENTIAL_REFRESH_INTERVAL", 6*time.Hour)
	v.SetDefault("CREDENTIAL_REFRESH_WINDOW", 24*time.Hour)
	v.SetDefault("NIGHTLY_SCHEDULE", "0 2 * * *")
	v.SetDefault("HOURLY_SCHEDULE", "15 * * * *")
	v.SetDefault("TZ_NAME", "Local")

	v.SetDefault("RECONCILE_HOURLY_LOOKBACK", 24*time.Hour)
	v.SetDefault("RECONCILE_HOURLY_RECHECK_AFTER", time.Hour)
	v.SetDefault("RECONCILE_HOURLY_PACING", 500*time.Millisecond)
	v.SetDefault("RECONCILE_NIGHTLY_PACING", time.Second)
	v.SetDefault("RECONCILE_MAX_ROWS", 0)
	v.SetDefault("AUDIT_RETENTION", 90*24*time.Hour)

	v.SetDefault("TASK_WORKERS", 4)
	v.SetDefault("TASK_QUEUE_SIZE", 256)
}

// QuorumFor returns the minimum healthy layer count for the given provider.
func (c *Config) QuorumFor(provider string) int {
	if n, ok := c.QuorumOverrides[provider]; ok && n > 0 {
		return n
	}
	return c.QuorumMinHealthyLayers
}

// parseOverrides reads "imap=2,outlook=3".
func parseOverrides(raw string) map[string]int {
	out := make(map[string]int)
	for _, pair := range strings.Split(raw, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			out[strings.TrimSpace(k)] = n
		}
	}
	return out
}
