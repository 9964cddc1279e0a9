package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	KafkaBrokers     []string
	KafkaSourceTopic string
	KafkaEventsTopic string
	KafkaTrendsTopic string
	KafkaKpisTopic   string
	KafkaGroupID     string

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	BatchSize       int

	// Partitioning and event-time handling.
	PartitionCount   int
	TrendWindow      time.Duration
	AllowedLateness  time.Duration
	MaxTimestampSkew time.Duration

	// Anomaly scoring.
	ZScoreThreshold   float64
	EwmaAlpha         float64
	AnomalyMinSamples int64
	ModelURL          string // empty disables model scoring
	ModelTimeout      time.Duration

	// Dimension source: exactly one of file or URL.
	DimensionFile            string
	DimensionURL             string
	DimensionRefreshInterval time.Duration

	// Sessionization tunables.
	SessionDryThreshold float64
	SessionMinDuration  time.Duration
	SessionCooldown     time.Duration

	// Sink delivery.
	SinkMaxAttempts int
	SinkBackoffBase time.Duration
	SinkBackoffCap  time.Duration
	DeadLetterDir   string

	// Optional warehouse and archive destinations.
	WarehouseDSN     string
	ArchiveEndpoint  string
	ArchiveBucket    string
	ArchiveAccessKey string
	ArchiveSecretKey string
	ArchiveUseSSL    bool

	// Checkpointing.
	CheckpointDir      string
	CheckpointInterval time.Duration
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	cfg := &Config{
		KafkaBrokers:     parseBrokers(envOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaSourceTopic: envOrDefault("KAFKA_SOURCE_TOPIC", "farm-sensors"),
		KafkaEventsTopic: envOrDefault("KAFKA_EVENTS_TOPIC", "farm-insights"),
		KafkaTrendsTopic: envOrDefault("KAFKA_TRENDS_TOPIC", "farm-trends"),
		KafkaKpisTopic:   envOrDefault("KAFKA_KPIS_TOPIC", "farm-kpis"),
		KafkaGroupID:     envOrDefault("KAFKA_GROUP_ID", "farm-insights-engine"),

		HTTPAddr:  envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:  envOrDefault("LOG_LEVEL", "info"),
		LogFormat: envOrDefault("LOG_FORMAT", "json"),

		ModelURL:         os.Getenv("MODEL_SCORING_URL"),
		DimensionFile:    os.Getenv("DIMENSION_FILE"),
		DimensionURL:     os.Getenv("DIMENSION_URL"),
		DeadLetterDir:    envOrDefault("DEAD_LETTER_DIR", "./data/deadletter"),
		CheckpointDir:    envOrDefault("CHECKPOINT_DIR", "./data/checkpoints"),
		WarehouseDSN:     os.Getenv("WAREHOUSE_DSN"),
		ArchiveEndpoint:  os.Getenv("ARCHIVE_ENDPOINT"),
		ArchiveBucket:    envOrDefault("ARCHIVE_BUCKET", "farm-archive"),
		ArchiveAccessKey: os.Getenv("ARCHIVE_ACCESS_KEY"),
		ArchiveSecretKey: os.Getenv("ARCHIVE_SECRET_KEY"),
		ArchiveUseSSL:    os.Getenv("ARCHIVE_USE_SSL") == "true",
	}

	var err error
	if cfg.ShutdownTimeout, err = envDuration("SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.BatchSize, err = envInt("BATCH_SIZE", 50); err != nil {
		return nil, err
	}
	if cfg.PartitionCount, err = envInt("PARTITION_COUNT", 4); err != nil {
		return nil, err
	}
	if cfg.TrendWindow, err = envDuration("WINDOW_SIZE", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.AllowedLateness, err = envDuration("ALLOWED_LATENESS", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.MaxTimestampSkew, err = envDuration("MAX_TIMESTAMP_SKEW", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ZScoreThreshold, err = envFloat("ANOMALY_Z_THRESHOLD", 3.0); err != nil {
		return nil, err
	}
	if cfg.EwmaAlpha, err = envFloat("ANOMALY_EWMA_ALPHA", 0.05); err != nil {
		return nil, err
	}
	minSamples, err := envInt("ANOMALY_MIN_SAMPLES", 30)
	if err != nil {
		return nil, err
	}
	cfg.AnomalyMinSamples = int64(minSamples)
	if cfg.ModelTimeout, err = envDuration("MODEL_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.DimensionRefreshInterval, err = envDuration("DIMENSION_REFRESH_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SessionDryThreshold, err = envFloat("SESSION_DRY_THRESHOLD", 30); err != nil {
		return nil, err
	}
	if cfg.SessionMinDuration, err = envDuration("SESSION_MIN_DURATION", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SessionCooldown, err = envDuration("SESSION_COOLDOWN", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SinkMaxAttempts, err = envInt("SINK_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if cfg.SinkBackoffBase, err = envDuration("SINK_BACKOFF_BASE", 200*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.SinkBackoffCap, err = envDuration("SINK_BACKOFF_CAP", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.CheckpointInterval, err = envDuration("CHECKPOINT_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.KafkaBrokers) == 0 {
		return errors.New("KAFKA_BROKERS is required")
	}
	if c.KafkaSourceTopic == "" {
		return errors.New("KAFKA_SOURCE_TOPIC is required")
	}
	if c.PartitionCount < 1 {
		return errors.New("PARTITION_COUNT must be at least 1")
	}
	if c.TrendWindow <= 0 {
		return errors.New("WINDOW_SIZE must be positive")
	}
	if c.AllowedLateness < 0 {
		return errors.New("ALLOWED_LATENESS must not be negative")
	}
	if c.ZScoreThreshold <= 0 {
		return errors.New("ANOMALY_Z_THRESHOLD must be positive")
	}
	if c.EwmaAlpha <= 0 || c.EwmaAlpha >= 1 {
		return errors.New("ANOMALY_EWMA_ALPHA must be in (0, 1)")
	}
	if c.SessionMinDuration <= 0 || c.SessionCooldown <= 0 {
		return errors.New("session durations must be positive")
	}
	if c.SinkMaxAttempts < 1 {
		return errors.New("SINK_MAX_ATTEMPTS must be at least 1")
	}
	if c.DimensionFile != "" && c.DimensionURL != "" {
		return errors.New("set only one of DIMENSION_FILE and DIMENSION_URL")
	}
	if c.ArchiveEndpoint != "" && (c.ArchiveAccessKey == "" || c.ArchiveSecretKey == "") {
		return errors.New("ARCHIVE_ENDPOINT requires ARCHIVE_ACCESS_KEY and ARCHIVE_SECRET_KEY")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBrokers(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}
