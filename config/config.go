// msgboard/config/config.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"msgboard/utils"
)

const (
	AppVersion        = "1.0.0"
	DefaultAuthorName = "Anonymous"
	SessionCookieName = "msgboard_session"
	EnvPrefix         = "MSGBOARD_"

	// Form & Post Limits, counted in characters
	MaxNameLen  = 35
	MaxTitleLen = 100
	MaxBodyLen  = 100000

	// File Upload Limits
	MaxFileSize     = 30 * 1024 * 1024 // 30MB
	MaxWidth        = 8000
	MaxHeight       = 8000
	ThumbnailWidth  = 250
	ThumbnailHeight = 250

	// Listing Defaults
	DefaultThreadsPerPage = 10
	DefaultRepliesPerPage = 10
	DefaultPreviewReplies = 5

	DefaultBusyTimeout = 5 * time.Second
	DefaultSessionTTL  = 24 * time.Hour
)

type Config struct {
	Port      string `yaml:"port" validate:"required"`
	DBPath    string `yaml:"db_path" validate:"required"`
	BackupDir string `yaml:"backup_dir"`
	// BusyTimeout bounds how long a writer waits for the store's write lock.
	BusyTimeout time.Duration `yaml:"busy_timeout" validate:"gt=0"`

	UploadDir     string `yaml:"upload_dir"`
	MaxUploadSize int64  `yaml:"max_upload_size" validate:"gt=0"`

	ThreadsPerPage int `yaml:"threads_per_page" validate:"min=1"`
	RepliesPerPage int `yaml:"replies_per_page" validate:"min=1"`
	PreviewReplies int `yaml:"preview_replies" validate:"min=0"`

	// ModPasswordHash is a bcrypt hash; moderator login is disabled while it is empty.
	ModPasswordHash         string `yaml:"mod_password_hash"`
	LockBypassForModerators bool   `yaml:"lock_bypass_for_moderators"`
	// IPSalt salts poster fingerprints. A random salt is generated when empty.
	IPSalt string `yaml:"ip_salt"`

	Storage StorageConfig `yaml:"storage"`
	Session SessionConfig `yaml:"session"`
	Log     LogConfig     `yaml:"log"`

	CORSOrigins []string `yaml:"cors_origins"`
	// TrustProxy takes the client address from X-Forwarded-For and X-Real-IP. Enable it
	// only behind a reverse proxy that overwrites those headers.
	TrustProxy bool `yaml:"trust_proxy"`
}

type StorageConfig struct {
	Backend string   `yaml:"backend" validate:"oneof=local s3"`
	S3      S3Config `yaml:"s3"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	PublicURL string `yaml:"public_url"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type SessionConfig struct {
	Backend       string        `yaml:"backend" validate:"oneof=memory redis"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl" validate:"gt=0"`
	SecureCookie  bool          `yaml:"secure_cookie"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Port:           "8080",
		DBPath:         "./msgboard.db",
		BackupDir:      "./backups",
		BusyTimeout:    DefaultBusyTimeout,
		UploadDir:      "./uploads",
		MaxUploadSize:  MaxFileSize,
		ThreadsPerPage: DefaultThreadsPerPage,
		RepliesPerPage: DefaultRepliesPerPage,
		PreviewReplies: DefaultPreviewReplies,
		Storage: StorageConfig{
			Backend: "local",
			S3:      S3Config{Region: "us-east-1", UseSSL: true},
		},
		Session: SessionConfig{
			Backend:   "memory",
			RedisAddr: "localhost:6379",
			TTL:       DefaultSessionTTL,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load layers defaults, the optional YAML file at path, then MSGBOARD_* environment
// variables, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads a .env file into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Storage.Backend == "s3" && (c.Storage.S3.Endpoint == "" || c.Storage.S3.Bucket == "") {
		return errors.New("invalid config: s3 storage needs endpoint and bucket")
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		*dst = utils.GetEnv(EnvPrefix+key, *dst)
	}
	num := func(key string, dst *int) {
		errs = append(errs, utils.ParseEnv(EnvPrefix+key, dst, strconv.Atoi))
	}
	flag := func(key string, dst *bool) {
		errs = append(errs, utils.ParseEnv(EnvPrefix+key, dst, strconv.ParseBool))
	}
	dur := func(key string, dst *time.Duration) {
		errs = append(errs, utils.ParseEnv(EnvPrefix+key, dst, time.ParseDuration))
	}

	str("PORT", &cfg.Port)
	str("DB_PATH", &cfg.DBPath)
	str("BACKUP_DIR", &cfg.BackupDir)
	dur("BUSY_TIMEOUT", &cfg.BusyTimeout)
	str("UPLOAD_DIR", &cfg.UploadDir)
	errs = append(errs, utils.ParseEnv(EnvPrefix+"MAX_UPLOAD_SIZE", &cfg.MaxUploadSize, func(v string) (int64, error) {
		return strconv.ParseInt(v, 10, 64)
	}))
	num("THREADS_PER_PAGE", &cfg.ThreadsPerPage)
	num("REPLIES_PER_PAGE", &cfg.RepliesPerPage)
	num("PREVIEW_REPLIES", &cfg.PreviewReplies)
	str("MOD_PASSWORD_HASH", &cfg.ModPasswordHash)
	flag("LOCK_BYPASS", &cfg.LockBypassForModerators)
	str("IP_SALT", &cfg.IPSalt)
	flag("TRUST_PROXY", &cfg.TrustProxy)

	str("STORAGE", &cfg.Storage.Backend)
	str("S3_ENDPOINT", &cfg.Storage.S3.Endpoint)
	str("S3_ACCESS_KEY", &cfg.Storage.S3.AccessKey)
	str("S3_SECRET_KEY", &cfg.Storage.S3.SecretKey)
	str("S3_BUCKET", &cfg.Storage.S3.Bucket)
	str("S3_REGION", &cfg.Storage.S3.Region)
	str("S3_PUBLIC_URL", &cfg.Storage.S3.PublicURL)
	flag("S3_USE_SSL", &cfg.Storage.S3.UseSSL)

	str("SESSION_BACKEND", &cfg.Session.Backend)
	str("REDIS_ADDR", &cfg.Session.RedisAddr)
	str("REDIS_PASSWORD", &cfg.Session.RedisPassword)
	num("REDIS_DB", &cfg.Session.RedisDB)
	dur("SESSION_TTL", &cfg.Session.TTL)
	flag("SECURE_COOKIES", &cfg.Session.SecureCookie)

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	if origins := utils.GetEnvList(EnvPrefix + "CORS_ORIGINS"); origins != nil {
		cfg.CORSOrigins = origins
	}
	return errors.Join(errs...)
}
