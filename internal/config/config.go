package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the worker
type Config struct {
	AMQP       AMQPConfig
	Storage    StorageConfig
	Transcoder TranscoderConfig
	Worker     WorkerConfig
	Metrics    MetricsConfig
	Redis      RedisConfig
	Database   DatabaseConfig
	Tracing    TracingConfig
	Log        LogConfig
}

// AMQPConfig holds message broker configuration
type AMQPConfig struct {
	URL                string
	Exchange           string
	UploadedRoutingKey string
	ReadyRoutingKey    string
	Queue              string
	Prefetch           int
}

// StorageConfig holds object storage configuration
type StorageConfig struct {
	Backend         string // minio or s3
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UploadsBucket   string
	VODBucket       string
	Region          string
	UseSSL          bool
}

// TranscoderConfig holds transcoding configuration
type TranscoderConfig struct {
	FFmpegPath      string
	FFprobePath     string
	HLSPrefix       string
	SegmentSeconds  int
	WorkDir         string
	EngineTimeout   time.Duration
	ThumbnailOffset float64
}

// WorkerConfig holds consumer loop and bootstrap configuration
type WorkerConfig struct {
	Concurrency     int
	ShutdownTimeout time.Duration
	ConnectMaxWait  time.Duration
	// LockTTL is the redis lease lifetime; the holder renews it while the
	// job runs so a crashed worker frees the video within one TTL
	LockTTL         time.Duration
	StateTTL        time.Duration
}

// MetricsConfig holds the metrics/health HTTP surface configuration
type MetricsConfig struct {
	Port int
}

// RedisConfig enables the distributed per-video lock when Addr is set
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DatabaseConfig enables the job ledger when URL is set
type DatabaseConfig struct {
	URL      string
	MaxConns int
}

// TracingConfig enables Jaeger tracing when Endpoint is set
type TracingConfig struct {
	ServiceName string
	Endpoint    string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string
	Format string
	Output string
}

// env bindings: config key followed by the environment variables it reads,
// first non-empty wins
var envBindings = [][]string{
	{"amqp.url", "AMQP_URL", "RABBITMQ_URL"},
	{"amqp.exchange", "AMQP_EXCHANGE"},
	{"amqp.uploadedRoutingKey", "AMQP_UPLOADS_RK"},
	{"amqp.readyRoutingKey", "AMQP_READY_RK"},
	{"amqp.queue", "AMQP_QUEUE"},
	{"amqp.prefetch", "AMQP_PREFETCH"},

	{"storage.backend", "S3_BACKEND"},
	{"storage.endpoint", "S3_ENDPOINT"},
	{"storage.accessKeyID", "AWS_ACCESS_KEY_ID", "S3_ACCESS_KEY"},
	{"storage.secretAccessKey", "AWS_SECRET_ACCESS_KEY", "S3_SECRET_KEY"},
	{"storage.uploadsBucket", "S3_BUCKET_UPLOADS"},
	{"storage.vodBucket", "S3_BUCKET_VOD"},
	{"storage.region", "AWS_REGION"},
	{"storage.useSSL", "S3_USE_SSL"},

	{"transcoder.ffmpegPath", "FFMPEG_PATH"},
	{"transcoder.ffprobePath", "FFPROBE_PATH"},
	{"transcoder.hlsPrefix", "HLS_PREFIX"},
	{"transcoder.segmentSeconds", "SEGMENT_SECONDS"},
	{"transcoder.workDir", "WORKDIR"},
	{"transcoder.engineTimeout", "ENGINE_TIMEOUT"},
	{"transcoder.thumbnailOffset", "THUMBNAIL_OFFSET"},

	{"worker.concurrency", "WORKER_CONCURRENCY"},
	{"worker.shutdownTimeout", "SHUTDOWN_TIMEOUT"},
	{"worker.connectMaxWait", "CONNECT_MAX_WAIT"},
	{"worker.lockTTL", "LOCK_TTL"},
	{"worker.stateTTL", "JOB_STATE_TTL"},

	{"metrics.port", "METRICS_PORT"},

	{"redis.addr", "REDIS_ADDR"},
	{"redis.password", "REDIS_PASSWORD"},
	{"redis.db", "REDIS_DB"},

	{"database.url", "DATABASE_URL"},
	{"database.maxConns", "DATABASE_MAX_CONNS"},

	{"tracing.serviceName", "TRACING_SERVICE_NAME"},
	{"tracing.endpoint", "JAEGER_ENDPOINT"},

	{"log.level", "LOG_LEVEL"},
	{"log.format", "LOG_FORMAT"},
	{"log.output", "LOG_OUTPUT"},
}

// Load reads configuration from an optional YAML file and the environment.
// Environment variables take precedence over the file.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for _, b := range envBindings {
		if err := v.BindEnv(b...); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", b[0], err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Worker.Concurrency > 0 && config.AMQP.Prefetch < config.Worker.Concurrency {
		config.AMQP.Prefetch = config.Worker.Concurrency
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects configurations the worker cannot start with
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.AMQP.URL) == "" {
		errs = append(errs, errors.New("AMQP_URL (or RABBITMQ_URL) is required"))
	}
	if strings.TrimSpace(c.Storage.Endpoint) == "" {
		errs = append(errs, errors.New("S3_ENDPOINT is required"))
	}
	switch c.Storage.Backend {
	case "minio", "s3":
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	if c.Transcoder.SegmentSeconds <= 0 {
		errs = append(errs, errors.New("SEGMENT_SECONDS must be positive"))
	}
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be positive"))
	}
	if c.AMQP.Prefetch <= 0 || c.AMQP.Prefetch > 65535 {
		errs = append(errs, errors.New("AMQP_PREFETCH must be between 1 and 65535"))
	}
	if c.Worker.LockTTL < time.Second {
		errs = append(errs, errors.New("LOCK_TTL must be at least 1s"))
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		errs = append(errs, errors.New("METRICS_PORT out of range"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Broker defaults
	v.SetDefault("amqp.exchange", "domain")
	v.SetDefault("amqp.uploadedRoutingKey", "video.uploaded")
	v.SetDefault("amqp.readyRoutingKey", "video.ready")
	v.SetDefault("amqp.queue", "q.transcoder.uploaded")
	v.SetDefault("amqp.prefetch", 1)

	// Storage defaults
	v.SetDefault("storage.backend", "minio")
	v.SetDefault("storage.accessKeyID", "minioadmin")
	v.SetDefault("storage.secretAccessKey", "minioadmin")
	v.SetDefault("storage.uploadsBucket", "uploads")
	v.SetDefault("storage.vodBucket", "vod")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.useSSL", false)

	// Transcoder defaults
	v.SetDefault("transcoder.ffmpegPath", "ffmpeg")
	v.SetDefault("transcoder.ffprobePath", "ffprobe")
	v.SetDefault("transcoder.hlsPrefix", "hls")
	v.SetDefault("transcoder.segmentSeconds", 6)
	v.SetDefault("transcoder.workDir", "/work")
	v.SetDefault("transcoder.engineTimeout", "2h")
	v.SetDefault("transcoder.thumbnailOffset", 3.0)

	// Worker defaults
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.shutdownTimeout", "30s")
	v.SetDefault("worker.connectMaxWait", "60s")
	v.SetDefault("worker.lockTTL", "30s")
	v.SetDefault("worker.stateTTL", "3h")

	v.SetDefault("metrics.port", 9102)

	v.SetDefault("redis.db", 0)
	v.SetDefault("database.maxConns", 4)

	v.SetDefault("tracing.serviceName", "transcoder")

	// Logging defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
}
