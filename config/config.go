package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Alert store backends
const (
	StoreFirebase = "firebase"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// DatabaseConfig holds the Postgres connection settings
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN renders the lib/pq connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

type Config struct {
	Timezone string
	HTTPPort string

	LogLevel  string
	LogFormat string
	LogFile   string

	// Patients whose sessions start at boot
	MonitorPatientIDs []string

	AlertStore                 string
	FirebaseDbUrl              string
	FirebaseServiceAccountJSON string
	Database                   DatabaseConfig

	MQTTBrokerURL   string
	MQTTClientID    string
	MQTTUsername    string
	MQTTPassword    string
	MQTTTopicPrefix string

	RabbitMQURL      string
	RabbitMQExchange string

	TelegramBotToken string
	TelegramChatID   string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisStatusTTL time.Duration

	WebhookURL     string
	WebhookTimeout time.Duration

	// Monitoring thresholds and timing
	GeofenceInterval        time.Duration
	GeofenceLocationTimeout time.Duration
	FallThresholdG          float64
	FallCooldown            time.Duration
	FallLocationTimeout     time.Duration
	AutoConfirmDelay        time.Duration
	MotionSampleRateHz      int
	LocationMaxAge          time.Duration
	StoreWriteTimeout       time.Duration
	SweepSchedule           string
	DeviceHealthTimeout     time.Duration
	DeviceHealthCheckEvery  time.Duration
	StatusBufferSize        int
}

func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	config := &Config{
		Timezone: getEnv("TZ", "Asia/Riyadh"),
		HTTPPort: getEnv("HTTP_PORT", "8080"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
		LogFile:   getEnv("LOG_FILE", ""),

		MonitorPatientIDs: getEnvList("MONITOR_PATIENT_IDS"),

		AlertStore:                 strings.ToLower(getEnv("ALERT_STORE", StoreFirebase)),
		FirebaseDbUrl:              getEnv("FIREBASE_DB_URL", ""),
		FirebaseServiceAccountJSON: getEnv("FIREBASE_SERVICE_ACCOUNT_JSON", ""),
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "awn"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "awn"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvInt("DB_MAX_CONNS", 10),
			MaxIdle:  getEnvInt("DB_MAX_IDLE", 5),
		},

		MQTTBrokerURL:   getEnv("MQTT_BROKER_URL", "tcp://localhost:1883"),
		MQTTClientID:    getEnv("MQTT_CLIENT_ID", "awn-monitor"),
		MQTTUsername:    getEnv("MQTT_USERNAME", ""),
		MQTTPassword:    getEnv("MQTT_PASSWORD", ""),
		MQTTTopicPrefix: getEnv("MQTT_TOPIC_PREFIX", "awn"),

		RabbitMQURL:      getEnv("RABBITMQ_URL", ""),
		RabbitMQExchange: getEnv("RABBITMQ_EXCHANGE", "awn.alerts"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),

		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnvInt("REDIS_DB", 0),
		RedisStatusTTL: getEnvDuration("REDIS_STATUS_TTL", 2*time.Minute),

		WebhookURL:     getEnv("WEBHOOK_URL", ""),
		WebhookTimeout: getEnvDuration("WEBHOOK_TIMEOUT", 5*time.Second),

		// Default thresholds - can be overridden by env vars
		GeofenceInterval:        getEnvDuration("GEOFENCE_INTERVAL", 30*time.Second),
		GeofenceLocationTimeout: getEnvDuration("GEOFENCE_LOCATION_TIMEOUT", 10*time.Second),
		FallThresholdG:          getEnvFloat("FALL_THRESHOLD_G", 2.5),
		FallCooldown:            getEnvDuration("FALL_COOLDOWN", 60*time.Second),
		FallLocationTimeout:     getEnvDuration("FALL_LOCATION_TIMEOUT", 3*time.Second),
		AutoConfirmDelay:        getEnvDuration("AUTO_CONFIRM_DELAY", 300*time.Second),
		MotionSampleRateHz:      getEnvInt("MOTION_SAMPLE_RATE_HZ", 10),
		LocationMaxAge:          getEnvDuration("LOCATION_MAX_AGE", 60*time.Second),
		StoreWriteTimeout:       getEnvDuration("STORE_WRITE_TIMEOUT", 10*time.Second),
		SweepSchedule:           getEnv("SWEEP_SCHEDULE", "@every 1m"),
		DeviceHealthTimeout:     getEnvDuration("DEVICE_HEALTH_TIMEOUT", 120*time.Second),
		DeviceHealthCheckEvery:  getEnvDuration("DEVICE_HEALTH_CHECK_EVERY", 10*time.Second),
		StatusBufferSize:        getEnvInt("STATUS_BUFFER_SIZE", 16),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the settings the selected backends cannot run without
func (c *Config) Validate() error {
	switch c.AlertStore {
	case StoreFirebase:
		if c.FirebaseDbUrl == "" || c.FirebaseServiceAccountJSON == "" {
			return fmt.Errorf("ALERT_STORE=firebase requires FIREBASE_DB_URL and FIREBASE_SERVICE_ACCOUNT_JSON")
		}
	case StorePostgres:
		if c.Database.Host == "" || c.Database.Database == "" {
			return fmt.Errorf("ALERT_STORE=postgres requires DB_HOST and DB_NAME")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown ALERT_STORE %q", c.AlertStore)
	}

	if c.GeofenceInterval <= 0 {
		return fmt.Errorf("GEOFENCE_INTERVAL must be positive, got %s", c.GeofenceInterval)
	}
	if c.FallThresholdG <= 0 {
		return fmt.Errorf("FALL_THRESHOLD_G must be positive, got %v", c.FallThresholdG)
	}
	if c.AutoConfirmDelay <= 0 {
		return fmt.Errorf("AUTO_CONFIRM_DELAY must be positive, got %s", c.AutoConfirmDelay)
	}
	if c.MotionSampleRateHz <= 0 {
		return fmt.Errorf("MOTION_SAMPLE_RATE_HZ must be positive, got %d", c.MotionSampleRateHz)
	}
	if c.StatusBufferSize < 0 {
		return fmt.Errorf("STATUS_BUFFER_SIZE must not be negative, got %d", c.StatusBufferSize)
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"GEOFENCE_LOCATION_TIMEOUT", c.GeofenceLocationTimeout},
		{"FALL_COOLDOWN", c.FallCooldown},
		{"FALL_LOCATION_TIMEOUT", c.FallLocationTimeout},
		{"LOCATION_MAX_AGE", c.LocationMaxAge},
		{"STORE_WRITE_TIMEOUT", c.StoreWriteTimeout},
		{"DEVICE_HEALTH_TIMEOUT", c.DeviceHealthTimeout},
		{"DEVICE_HEALTH_CHECK_EVERY", c.DeviceHealthCheckEvery},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}
	if c.RedisAddr != "" && c.RedisStatusTTL <= 0 {
		return fmt.Errorf("REDIS_STATUS_TTL must be positive, got %s", c.RedisStatusTTL)
	}
	if c.WebhookURL != "" && c.WebhookTimeout <= 0 {
		return fmt.Errorf("WEBHOOK_TIMEOUT must be positive, got %s", c.WebhookTimeout)
	}
	if (c.TelegramBotToken == "") != (c.TelegramChatID == "") {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("45s") and bare seconds ("45")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
