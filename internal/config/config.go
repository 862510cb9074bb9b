package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch process.
// Values are loaded from environment variables with defaults that let the
// binary run locally with in-memory storage and the public Nominatim.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr       string
	RedisPassword   string
	RedisGeoKey     string
	GeocodeCacheTTL time.Duration

	KafkaBrokers   []string
	KafkaTopic     string
	KafkaRideTopic string

	PGDSN         string
	RunMigrations bool

	LogLevel  string
	LogFormat string

	Geocoder            string
	NominatimURL        string
	NominatimUserAgent  string
	SuggestCountryCodes string
	GoogleMapsAPIKey    string
	OSRMURL             string
	AverageSpeedKmh     float64

	WSSendBuffer     int
	WSReadLimit      int64
	WSPingPeriod     time.Duration
	WSAllowedOrigins []string

	JWTSecret          string
	LocationRatePerSec float64
	LocationBurst      int
	NearbyLimit        int
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "drivers_geo",
		GeocodeCacheTTL:    10 * time.Minute,
		KafkaTopic:         "driver-locations",
		LogLevel:           "info",
		LogFormat:          "json",
		Geocoder:           "nominatim",
		NominatimURL:       "https://nominatim.openstreetmap.org",
		NominatimUserAgent: "ride-dispatch/1.0",
		AverageSpeedKmh:    35,
		WSSendBuffer:       64,
		WSReadLimit:        64 << 10,
		WSPingPeriod:       30 * time.Second,
		LocationRatePerSec: 5,
		LocationBurst:      10,
		NearbyLimit:        10,
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setDurationFromEnv(&cfg.GeocodeCacheTTL, "GEOCODE_CACHE_TTL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaRideTopic, "KAFKA_RIDE_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}

	if v := os.Getenv("GEOCODER"); v != "" {
		cfg.Geocoder = strings.ToLower(strings.TrimSpace(v))
	}
	setStringFromEnv(&cfg.NominatimURL, "NOMINATIM_URL")
	setStringFromEnv(&cfg.NominatimUserAgent, "NOMINATIM_USER_AGENT")
	setStringFromEnv(&cfg.SuggestCountryCodes, "SUGGEST_COUNTRY_CODES")
	cfg.GoogleMapsAPIKey = strings.TrimSpace(os.Getenv("GOOGLE_MAPS_API_KEY"))
	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	setFloatFromEnv(&cfg.AverageSpeedKmh, "AVERAGE_SPEED_KMH", &errs)

	setIntFromEnv(&cfg.WSSendBuffer, "WS_SEND_BUFFER", &errs)
	readLimit := int(cfg.WSReadLimit)
	setIntFromEnv(&readLimit, "WS_READ_LIMIT", &errs)
	cfg.WSReadLimit = int64(readLimit)
	setDurationFromEnv(&cfg.WSPingPeriod, "WS_PING_PERIOD", &errs)
	if origins := os.Getenv("WS_ALLOWED_ORIGINS"); origins != "" {
		cfg.WSAllowedOrigins = splitAndTrim(origins)
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setFloatFromEnv(&cfg.LocationRatePerSec, "LOCATION_RATE_PER_SEC", &errs)
	setIntFromEnv(&cfg.LocationBurst, "LOCATION_BURST", &errs)
	setIntFromEnv(&cfg.NearbyLimit, "NEARBY_LIMIT", &errs)

	errs = append(errs, cfg.Validate()...)
	return cfg, errors.Join(errs...)
}

// Validate reports every inconsistent setting.
func (c ServerConfig) Validate() []error {
	var errs []error
	switch c.Geocoder {
	case "nominatim":
	case "google":
		if c.GoogleMapsAPIKey == "" {
			errs = append(errs, fmt.Errorf("GOOGLE_MAPS_API_KEY is required when GEOCODER=google"))
		}
	default:
		errs = append(errs, fmt.Errorf("GEOCODER must be nominatim or google, got %q", c.Geocoder))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text"))
	}
	if c.AverageSpeedKmh <= 0 {
		errs = append(errs, fmt.Errorf("AVERAGE_SPEED_KMH must be > 0"))
	}
	if c.WSSendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("WS_SEND_BUFFER must be > 0"))
	}
	if c.WSReadLimit <= 0 {
		errs = append(errs, fmt.Errorf("WS_READ_LIMIT must be > 0"))
	}
	if c.WSPingPeriod <= 0 {
		errs = append(errs, fmt.Errorf("WS_PING_PERIOD must be > 0"))
	}
	if c.NearbyLimit <= 0 {
		errs = append(errs, fmt.Errorf("NEARBY_LIMIT must be > 0"))
	}
	if c.LocationBurst <= 0 {
		errs = append(errs, fmt.Errorf("LOCATION_BURST must be > 0"))
	}
	return errs
}

// ConsumerConfig configures the Kafka location consumer.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	LogLevel      string
	LogFormat     string
	RetryAttempts int
	RetryDelay    time.Duration
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:   ":2112",
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "driver-locations",
		KafkaGroup:    "ride-dispatch-consumer",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "drivers_geo",
		LogLevel:      "info",
		LogFormat:     "json",
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	setIntFromEnv(&cfg.RetryAttempts, "REDIS_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "REDIS_RETRY_DELAY", &errs)

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("REDIS_RETRY_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
