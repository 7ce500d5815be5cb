// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultDebounce is the window used for every debounce and timeout unless overridden.
const DefaultDebounce = 30 * time.Second

type Config struct {
	// HTTP
	HTTPAddr     string
	WebhookToken string

	// Recorder output
	BasePath        string
	MinSegmentBytes int64

	// Merge
	FillGaps       bool
	MinGap         time.Duration
	BackupSegments bool
	CopyCover      bool
	FFmpegPath     string
	FFprobePath    string
	ProbeTimeout   time.Duration
	ParseTimeout   time.Duration
	ConcatTimeout  time.Duration

	// Downstream pipeline
	PipelineCommand string
	PipelineTimeout time.Duration

	// Debounce / timeout windows
	SegmentCollectionDebounce time.Duration
	StreamEndedDebounce       time.Duration
	SessionEndedDebounce      time.Duration
	SessionEndedNoSession     time.Duration
	FileNoSession             time.Duration

	// Housekeeping
	SessionMaxAge   time.Duration
	CleanupInterval time.Duration

	// Database (optional journal)
	DBDsn string
	// MigrationsPath is a file:// URL overriding the embedded migrations.
	MigrationsPath string
}

// Load reads environment variables and applies defaults. Malformed numeric,
// boolean or duration values are reported rather than silently defaulted.
//
// When REC_CONFIG_FILE names a YAML file, its top-level keys (the same names
// as the environment variables) fill in anything the environment leaves unset.
func Load() (*Config, error) {
	cfg := &Config{}
	p := &parser{}
	if path := os.Getenv("REC_CONFIG_FILE"); path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		p.file = file
	}

	cfg.HTTPAddr = p.str("HTTP_ADDR", ":8080")
	cfg.WebhookToken = p.str("WEBHOOK_TOKEN", "")

	cfg.BasePath = p.str("REC_BASE_PATH", ".")
	cfg.MinSegmentBytes = p.int64("MIN_SEGMENT_BYTES", 1024*1024)

	cfg.FillGaps = p.bool("FILL_GAPS", true)
	cfg.MinGap = p.duration("MIN_GAP", 0)
	cfg.BackupSegments = p.bool("BACKUP_SEGMENTS", false)
	cfg.CopyCover = p.bool("COPY_COVER", true)
	cfg.FFmpegPath = p.str("FFMPEG_PATH", "ffmpeg")
	cfg.FFprobePath = p.str("FFPROBE_PATH", "ffprobe")
	cfg.ProbeTimeout = p.duration("PROBE_TIMEOUT", 30*time.Second)
	cfg.ParseTimeout = p.duration("PARSE_TIMEOUT", 60*time.Second)
	cfg.ConcatTimeout = p.duration("CONCAT_TIMEOUT", 30*time.Minute)

	cfg.PipelineCommand = strings.TrimSpace(p.str("PIPELINE_COMMAND", ""))
	cfg.PipelineTimeout = p.duration("PIPELINE_TIMEOUT", 2*time.Hour)

	cfg.SegmentCollectionDebounce = p.duration("DEBOUNCE_SEGMENT_COLLECTION", DefaultDebounce)
	cfg.StreamEndedDebounce = p.duration("DEBOUNCE_STREAM_ENDED", DefaultDebounce)
	cfg.SessionEndedDebounce = p.duration("DEBOUNCE_SESSION_ENDED", DefaultDebounce)
	cfg.SessionEndedNoSession = p.duration("TIMEOUT_SESSION_ENDED_NO_SESSION", DefaultDebounce)
	cfg.FileNoSession = p.duration("TIMEOUT_FILE_NO_SESSION", DefaultDebounce)

	cfg.SessionMaxAge = p.duration("SESSION_MAX_AGE", 24*time.Hour)
	cfg.CleanupInterval = p.duration("CLEANUP_INTERVAL", time.Hour)

	// Empty DSN disables the journal; the service runs fully in memory.
	cfg.DBDsn = p.str("DB_DSN", "")
	cfg.MigrationsPath = p.str("MIGRATIONS_PATH", "")
	if cfg.MigrationsPath != "" && !strings.HasPrefix(cfg.MigrationsPath, "file://") {
		cfg.MigrationsPath = "file://" + cfg.MigrationsPath
	}

	if p.err != nil {
		return nil, p.err
	}
	if cfg.MinSegmentBytes < 0 {
		return nil, fmt.Errorf("invalid MIN_SEGMENT_BYTES: must be >= 0")
	}
	return cfg, nil
}

// readFile loads a flat YAML mapping of setting names to scalar values.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, n := range raw {
		if n.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("config file %s: %s must be a scalar", path, k)
		}
		out[strings.ToUpper(k)] = n.Value
	}
	return out, nil
}

// parser keeps the first malformed value it sees.
type parser struct {
	err  error
	file map[string]string
}

// lookup prefers the environment, then the config file.
func (p *parser) lookup(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return p.file[key]
}

func (p *parser) str(key, def string) string {
	if v := p.lookup(key); v != "" {
		return v
	}
	return def
}

func (p *parser) fail(key, v string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.lookup(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// bare integers are seconds
		n, nerr := strconv.Atoi(v)
		if nerr != nil {
			p.fail(key, v, err)
			return def
		}
		d = time.Duration(n) * time.Second
	}
	if d < 0 {
		p.fail(key, v, fmt.Errorf("negative duration"))
		return def
	}
	return d
}

func (p *parser) bool(key string, def bool) bool {
	v := p.lookup(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return b
}

func (p *parser) int64(key string, def int64) int64 {
	v := p.lookup(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}
