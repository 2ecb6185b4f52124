package config

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"salon/salon-service/internal/models"

	"github.com/joho/godotenv"
)

var defaultRoster = []string{"Trang", "Al", "Cindy", "Kathy"}

type Config struct {
	Port               string
	DatabaseURL        string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	RotationKey        string
	Technicians        []string
	Location           *time.Location
	SaveRetryInterval  time.Duration
	RateLimitPerMinute int
	RateLimitBurst     int
	// TrustedProxies are the peers whose X-Forwarded-For header is believed.
	TrustedProxies []netip.Prefix
	LogLevel       string
	LogFormat      string
	OTLPEndpoint   string
	OTLPInsecure   bool
	// TraceSampleRatio is the share of new traces recorded, from 0 to 1.
	TraceSampleRatio float64
}

// Load reads the environment, after applying a .env file when one exists.
func Load() (Config, error) {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	technicians, err := loadRoster()
	if err != nil {
		return Config{}, err
	}

	location := time.Local
	if tz := strings.TrimSpace(os.Getenv("TIMEZONE")); tz != "" {
		location, err = time.LoadLocation(tz)
		if err != nil {
			return Config{}, fmt.Errorf("TIMEZONE: %w", err)
		}
	}

	proxies, err := parsePrefixes(os.Getenv("TRUSTED_PROXIES"))
	if err != nil {
		return Config{}, fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}

	return Config{
		Port:               port,
		DatabaseURL:        os.Getenv("DB_DSN"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            readInt("REDIS_DB", 0),
		RotationKey:        os.Getenv("ROTATION_KEY"),
		Technicians:        technicians,
		Location:           location,
		SaveRetryInterval:  readDurationSeconds("SAVE_RETRY_INTERVAL_SECONDS", 15),
		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 30),
		TrustedProxies:     proxies,
		LogLevel:           readString("LOG_LEVEL", "info"),
		LogFormat:          readString("LOG_FORMAT", "json"),
		OTLPEndpoint:       readString("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTLPInsecure:       readBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		TraceSampleRatio:   readFloat("OTEL_TRACES_SAMPLER_RATIO", 1),
	}, nil
}

// loadRoster prefers ROSTER_FILE, then the TECHNICIANS comma list, then the
// built-in roster.
func loadRoster() ([]string, error) {
	if path := strings.TrimSpace(os.Getenv("ROSTER_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("ROSTER_FILE: %w", err)
		}
		return parseRoster(raw)
	}
	if list := strings.TrimSpace(os.Getenv("TECHNICIANS")); list != "" {
		return splitList(list), nil
	}
	return append([]string(nil), defaultRoster...), nil
}

func parseRoster(raw []byte) ([]string, error) {
	var entries []models.Technician
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("roster: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if name := strings.TrimSpace(entry.Name); name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("roster: no technicians")
	}
	return names, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parsePrefixes accepts a comma list of addresses and CIDR ranges.
func parsePrefixes(raw string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, item := range splitList(raw) {
		if strings.Contains(item, "/") {
			prefix, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, err
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func readString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value < 0 || value > 1 {
		return fallback
	}
	return value
}
