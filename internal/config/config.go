package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Database    DatabaseConfig
	Legacy      LegacyConfig
	Embedding   EmbeddingConfig
	Recognition RecognitionConfig
	Attendance  AttendanceConfig
	Capture     CaptureConfig
	Web         WebConfig
}

type DatabaseConfig struct {
	URL          string // PostgreSQL connection URL
	MaxOpenConns int    // Maximum open connections (default 25)
	MaxIdleConns int    // Maximum idle connections (default 5)
}

// LegacyConfig points at the school information system database used by "roster import".
type LegacyConfig struct {
	DatabaseURL string // MariaDB DSN (e.g., sis:sis@tcp(mariadb:3306)/school)
}

type EmbeddingConfig struct {
	URL string // defaults to http://localhost:8000
	Dim int    // defaults to 128
}

// Recognition modes.
const (
	ModeEuclidean = "euclidean"
	ModeDegraded  = "degraded"
)

type RecognitionConfig struct {
	Threshold     float64 `yaml:"threshold"`      // maximum Euclidean distance for a match
	MinConfidence float64 `yaml:"min_confidence"` // decisions below this never reach the ledger
	Mode          string  `yaml:"mode"`           // euclidean or degraded
}

type AttendanceConfig struct {
	Timezone        string        `yaml:"timezone"`   // IANA name or "Local"
	LateAfter       string        `yaml:"late_after"` // HH:MM, empty disables Late
	MinDepartureGap time.Duration `yaml:"min_departure_gap"`
	EventTimeout    time.Duration `yaml:"event_timeout"`
}

// Location resolves the configured time zone.
func (c *AttendanceConfig) Location() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load time zone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

type CaptureConfig struct {
	FrameDir     string        `yaml:"frame_dir"` // directory polled for camera frames, empty disables
	PollInterval time.Duration `yaml:"poll_interval"`
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queue_size"`
	MaxImageSize int           `yaml:"max_image_size"` // frames are downsized to this before upload
}

type WebConfig struct {
	Port           int
	Host           string
	AdminToken     string   // bearer token for admin routes, empty disables auth
	AllowedOrigins []string // CORS origins, empty allows same-origin only
}

// defaults mirrors defaults.yaml.
type defaults struct {
	Recognition RecognitionConfig `yaml:"recognition"`
	Attendance  AttendanceConfig  `yaml:"attendance"`
	Capture     CaptureConfig     `yaml:"capture"`
	Embedding   struct {
		Dim int `yaml:"dim"`
	} `yaml:"embedding"`
}

func loadDefaults() defaults {
	var d defaults
	if err := yaml.Unmarshal(defaultsYAML, &d); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}
	return d
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a non-negative float.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
		return f
	}
	return defaultVal
}

// envDuration reads an environment variable as a Go duration ("30m", "5s").
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func envList(key string) []string {
	var out []string
	for part := range strings.SplitSeq(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func Load() *Config {
	d := loadDefaults()

	return &Config{
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Legacy: LegacyConfig{
			DatabaseURL: os.Getenv("LEGACY_DATABASE_URL"),
		},
		Embedding: EmbeddingConfig{
			URL: envString("EMBEDDING_URL", "http://localhost:8000"),
			Dim: envInt("EMBEDDING_DIM", d.Embedding.Dim),
		},
		Recognition: RecognitionConfig{
			Threshold:     envFloat("RECOGNITION_THRESHOLD", d.Recognition.Threshold),
			MinConfidence: envFloat("RECOGNITION_MIN_CONFIDENCE", d.Recognition.MinConfidence),
			Mode:          strings.ToLower(envString("RECOGNITION_MODE", d.Recognition.Mode)),
		},
		Attendance: AttendanceConfig{
			Timezone:        envString("ATTENDANCE_TIMEZONE", d.Attendance.Timezone),
			LateAfter:       envString("ATTENDANCE_LATE_AFTER", d.Attendance.LateAfter),
			MinDepartureGap: envDuration("ATTENDANCE_MIN_DEPARTURE_GAP", d.Attendance.MinDepartureGap),
			EventTimeout:    envDuration("ATTENDANCE_EVENT_TIMEOUT", d.Attendance.EventTimeout),
		},
		Capture: CaptureConfig{
			FrameDir:     os.Getenv("CAPTURE_FRAME_DIR"),
			PollInterval: envDuration("CAPTURE_POLL_INTERVAL", d.Capture.PollInterval),
			Workers:      envInt("CAPTURE_WORKERS", d.Capture.Workers),
			QueueSize:    envInt("CAPTURE_QUEUE_SIZE", d.Capture.QueueSize),
			MaxImageSize: envInt("CAPTURE_MAX_IMAGE_SIZE", d.Capture.MaxImageSize),
		},
		Web: WebConfig{
			Port:           envInt("WEB_PORT", 8080),
			Host:           envString("WEB_HOST", "0.0.0.0"),
			AdminToken:     os.Getenv("WEB_ADMIN_TOKEN"),
			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
		},
	}
}

// Validate checks values that would otherwise fail deep inside the recognition loop.
func (c *Config) Validate() error {
	if c.Recognition.Threshold <= 0 {
		return fmt.Errorf("recognition threshold must be positive, got %v", c.Recognition.Threshold)
	}
	if c.Recognition.MinConfidence > 1 {
		return fmt.Errorf("recognition min confidence must be in [0,1], got %v", c.Recognition.MinConfidence)
	}
	switch c.Recognition.Mode {
	case ModeEuclidean, ModeDegraded:
	default:
		return fmt.Errorf("unknown recognition mode %q (want %s or %s)", c.Recognition.Mode, ModeEuclidean, ModeDegraded)
	}
	if _, err := c.Attendance.Location(); err != nil {
		return err
	}
	return nil
}
