// Package config centralizes how SunSCORM reads environment variables and an
// optional TOML file, and exposes them as strongly typed Go values.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents runtime configuration for the server, worker and CLI.
type Config struct {
	Address   string
	PublicURL string
	DataDir   string

	StoreDriver string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3Region    string
	S3UseSSL    bool

	MaxPackageSize      int64
	MaxChunkSize        int64
	AllowedExtensions   []string
	UploadIdleTimeout   time.Duration
	UploadSweepInterval time.Duration

	CacheTTL             time.Duration
	CacheMaxEntries      int
	CacheMaxArchiveBytes int64
	CacheSweepInterval   time.Duration

	SigningSecret  []byte
	PreviewURLTTL  time.Duration
	DownloadURLTTL time.Duration
	ProcessingPool int

	LogLevel  string
	LogFormat string
}

const (
	defaultAddress           = ":8080"
	defaultPublicURL         = "http://localhost:8080"
	defaultDataDir           = "uploads"
	defaultStoreDriver       = "postgres"
	defaultMaxPackageSize    = 3 << 30  // 3 GiB
	defaultMaxChunkSize      = 10 << 20 // 10 MiB
	defaultAllowedExtensions = ".zip,.scorm"
	defaultUploadIdle        = 30 * time.Minute
	defaultUploadSweep       = 5 * time.Minute
	defaultCacheTTL          = 30 * time.Minute
	defaultCacheMaxEntries   = 50
	defaultCacheArchiveBytes = 1 << 30 // 1 GiB uncompressed per archive
	defaultCacheSweep        = 5 * time.Minute
	defaultPreviewTTL        = 15 * time.Minute
	defaultDownloadTTL       = 5 * time.Minute
	defaultWorkerCount       = 2
	defaultS3Bucket          = "sunscorm-packages"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
)

// Load reads configuration from environment variables falling back to
// defaults. When SUNSCORM_CONFIG names a TOML file its values are applied
// first and environment variables win over them.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("SUNSCORM_CONFIG"))
}

// LoadFile is Load with an explicit TOML path; an empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Address:              defaultAddress,
		PublicURL:            defaultPublicURL,
		DataDir:              defaultDataDir,
		StoreDriver:          defaultStoreDriver,
		S3Bucket:             defaultS3Bucket,
		MaxPackageSize:       defaultMaxPackageSize,
		MaxChunkSize:         defaultMaxChunkSize,
		AllowedExtensions:    splitList(defaultAllowedExtensions),
		UploadIdleTimeout:    defaultUploadIdle,
		UploadSweepInterval:  defaultUploadSweep,
		CacheTTL:             defaultCacheTTL,
		CacheMaxEntries:      defaultCacheMaxEntries,
		CacheMaxArchiveBytes: defaultCacheArchiveBytes,
		CacheSweepInterval:   defaultCacheSweep,
		PreviewURLTTL:        defaultPreviewTTL,
		DownloadURLTTL:       defaultDownloadTTL,
		ProcessingPool:       defaultWorkerCount,
		LogLevel:             defaultLogLevel,
		LogFormat:            defaultLogFormat,
	}
}

func applyEnv(cfg *Config) {
	cfg.Address = readEnv("SUNSCORM_ADDRESS", cfg.Address)
	cfg.PublicURL = readEnv("SUNSCORM_PUBLIC_URL", cfg.PublicURL)
	cfg.DataDir = readEnv("SUNSCORM_DATA_DIR", cfg.DataDir)
	cfg.StoreDriver = readEnv("SUNSCORM_STORE", cfg.StoreDriver)
	cfg.DatabaseURL = readEnv("SUNSCORM_DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisAddr = readEnv("SUNSCORM_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = readEnv("SUNSCORM_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = parseInt("SUNSCORM_REDIS_DB", cfg.RedisDB)
	cfg.S3Endpoint = readEnv("SUNSCORM_S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3AccessKey = readEnv("SUNSCORM_S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = readEnv("SUNSCORM_S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3Bucket = readEnv("SUNSCORM_S3_BUCKET", cfg.S3Bucket)
	cfg.S3Region = readEnv("SUNSCORM_S3_REGION", cfg.S3Region)
	cfg.S3UseSSL = parseBool("SUNSCORM_S3_USE_SSL", cfg.S3UseSSL)
	cfg.MaxPackageSize = parseInt64("SUNSCORM_MAX_PACKAGE_BYTES", cfg.MaxPackageSize)
	cfg.MaxChunkSize = parseInt64("SUNSCORM_MAX_CHUNK_BYTES", cfg.MaxChunkSize)
	if v, ok := os.LookupEnv("SUNSCORM_ALLOWED_EXTENSIONS"); ok && v != "" {
		cfg.AllowedExtensions = splitList(v)
	}
	cfg.UploadIdleTimeout = parseDuration("SUNSCORM_UPLOAD_IDLE_TIMEOUT", cfg.UploadIdleTimeout)
	cfg.UploadSweepInterval = parseDuration("SUNSCORM_UPLOAD_SWEEP_INTERVAL", cfg.UploadSweepInterval)
	cfg.CacheTTL = parseDuration("SUNSCORM_CACHE_TTL", cfg.CacheTTL)
	cfg.CacheMaxEntries = parseInt("SUNSCORM_CACHE_MAX_ENTRIES", cfg.CacheMaxEntries)
	cfg.CacheMaxArchiveBytes = parseInt64("SUNSCORM_CACHE_MAX_ARCHIVE_BYTES", cfg.CacheMaxArchiveBytes)
	cfg.CacheSweepInterval = parseDuration("SUNSCORM_CACHE_SWEEP_INTERVAL", cfg.CacheSweepInterval)
	if secret := parseSecret("SUNSCORM_SIGNING_SECRET"); secret != nil {
		cfg.SigningSecret = secret
	}
	cfg.PreviewURLTTL = parseDuration("SUNSCORM_PREVIEW_TTL", cfg.PreviewURLTTL)
	cfg.DownloadURLTTL = parseDuration("SUNSCORM_DOWNLOAD_TTL", cfg.DownloadURLTTL)
	cfg.ProcessingPool = parseInt("SUNSCORM_WORKERS", cfg.ProcessingPool)
	cfg.LogLevel = readEnv("SUNSCORM_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = readEnv("SUNSCORM_LOG_FORMAT", cfg.LogFormat)
}

func (cfg *Config) normalize() error {
	if cfg.SigningSecret == nil {
		// Previews signed with a random secret stop validating after a
		// restart, which is acceptable for short-lived links.
		cfg.SigningSecret = randomSecret()
	}
	if cfg.ProcessingPool <= 0 {
		cfg.ProcessingPool = defaultWorkerCount
	}
	if cfg.MaxPackageSize <= 0 {
		cfg.MaxPackageSize = defaultMaxPackageSize
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = defaultMaxChunkSize
	}
	if cfg.UploadIdleTimeout <= 0 {
		cfg.UploadIdleTimeout = defaultUploadIdle
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.CacheMaxEntries <= 0 {
		cfg.CacheMaxEntries = defaultCacheMaxEntries
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = splitList(defaultAllowedExtensions)
	}
	for i, ext := range cfg.AllowedExtensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		cfg.AllowedExtensions[i] = ext
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	switch cfg.StoreDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("SUNSCORM_DATABASE_URL is required for the postgres store")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store driver %q: must be postgres or memory", cfg.StoreDriver)
	}
	return nil
}

// PackagesDir is where validated archives live permanently.
func (cfg *Config) PackagesDir() string {
	return filepath.Join(cfg.DataDir, "courses")
}

// ChunksDir holds per-session staging directories.
func (cfg *Config) ChunksDir() string {
	return filepath.Join(cfg.DataDir, "chunks")
}

// fileConfig mirrors Config for TOML decoding; pointer fields detect
// presence so a file never resets a default it does not mention.
type fileConfig struct {
	Address     *string `toml:"address"`
	PublicURL   *string `toml:"public_url"`
	DataDir     *string `toml:"data_dir"`
	StoreDriver *string `toml:"store"`
	DatabaseURL *string `toml:"database_url"`

	Redis *struct {
		Addr     *string `toml:"addr"`
		Password *string `toml:"password"`
		DB       *int    `toml:"db"`
	} `toml:"redis"`

	S3 *struct {
		Endpoint  *string `toml:"endpoint"`
		AccessKey *string `toml:"access_key"`
		SecretKey *string `toml:"secret_key"`
		Bucket    *string `toml:"bucket"`
		Region    *string `toml:"region"`
		UseSSL    *bool   `toml:"use_ssl"`
	} `toml:"s3"`

	Upload *struct {
		MaxPackageBytes   *int64   `toml:"max_package_bytes"`
		MaxChunkBytes     *int64   `toml:"max_chunk_bytes"`
		AllowedExtensions []string `toml:"allowed_extensions"`
		IdleTimeout       *string  `toml:"idle_timeout"`
		SweepInterval     *string  `toml:"sweep_interval"`
	} `toml:"upload"`

	Cache *struct {
		TTL             *string `toml:"ttl"`
		MaxEntries      *int    `toml:"max_entries"`
		MaxArchiveBytes *int64  `toml:"max_archive_bytes"`
		SweepInterval   *string `toml:"sweep_interval"`
	} `toml:"cache"`

	Logging *struct {
		Level  *string `toml:"level"`
		Format *string `toml:"format"`
	} `toml:"logging"`

	Workers *int `toml:"workers"`
}

func applyFile(cfg *Config, path string) error {
	var fc fileConfig
	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config %s: unknown keys %v", path, undecoded)
	}
	setString(&cfg.Address, fc.Address)
	setString(&cfg.PublicURL, fc.PublicURL)
	setString(&cfg.DataDir, fc.DataDir)
	setString(&cfg.StoreDriver, fc.StoreDriver)
	setString(&cfg.DatabaseURL, fc.DatabaseURL)
	if r := fc.Redis; r != nil {
		setString(&cfg.RedisAddr, r.Addr)
		setString(&cfg.RedisPassword, r.Password)
		if r.DB != nil {
			cfg.RedisDB = *r.DB
		}
	}
	if s := fc.S3; s != nil {
		setString(&cfg.S3Endpoint, s.Endpoint)
		setString(&cfg.S3AccessKey, s.AccessKey)
		setString(&cfg.S3SecretKey, s.SecretKey)
		setString(&cfg.S3Bucket, s.Bucket)
		setString(&cfg.S3Region, s.Region)
		if s.UseSSL != nil {
			cfg.S3UseSSL = *s.UseSSL
		}
	}
	if u := fc.Upload; u != nil {
		if u.MaxPackageBytes != nil {
			cfg.MaxPackageSize = *u.MaxPackageBytes
		}
		if u.MaxChunkBytes != nil {
			cfg.MaxChunkSize = *u.MaxChunkBytes
		}
		if len(u.AllowedExtensions) > 0 {
			cfg.AllowedExtensions = u.AllowedExtensions
		}
		if err := setDuration(&cfg.UploadIdleTimeout, u.IdleTimeout); err != nil {
			return err
		}
		if err := setDuration(&cfg.UploadSweepInterval, u.SweepInterval); err != nil {
			return err
		}
	}
	if c := fc.Cache; c != nil {
		if err := setDuration(&cfg.CacheTTL, c.TTL); err != nil {
			return err
		}
		if c.MaxEntries != nil {
			cfg.CacheMaxEntries = *c.MaxEntries
		}
		if c.MaxArchiveBytes != nil {
			cfg.CacheMaxArchiveBytes = *c.MaxArchiveBytes
		}
		if err := setDuration(&cfg.CacheSweepInterval, c.SweepInterval); err != nil {
			return err
		}
	}
	if l := fc.Logging; l != nil {
		setString(&cfg.LogLevel, l.Level)
		setString(&cfg.LogFormat, l.Format)
	}
	if fc.Workers != nil {
		cfg.ProcessingPool = *fc.Workers
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", *v, err)
	}
	*dst = d
	return nil
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func splitList(val string) []string {
	out := strings.Split(val, ",")
	for i := range out {
		out[i] = strings.TrimSpace(out[i])
	}
	return out
}

func parseInt64(key string, def int64) int64 {
	// Invalid input falls back to the default instead of failing startup.
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	// time.ParseDuration understands inputs like "5m" or "30s".
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseSecret(key string) []byte {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return []byte(v)
	}
	return nil
}

func randomSecret() []byte {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return []byte(hex.EncodeToString([]byte("fallbacksecret")))
	}
	return buf
}
