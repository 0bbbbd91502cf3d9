package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
)

type Config struct {
	App       AppConfig
	API       APIConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Preview   PreviewConfig
	Services  ServicesConfig
	Models    ModelsConfig
	Telemetry TelemetryConfig
	RateLimit RateLimitConfig
	Webhook   WebhookConfig
}

type AppConfig struct {
	Env      string
	LogLevel string
}

func (a AppConfig) Development() bool {
	return a.Env == "development"
}

type APIConfig struct {
	Addr           string
	MaxUploadBytes int64
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ToolTimeout    time.Duration
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency      int
	MaxActiveJobs    int
	BatchConcurrency int
	LocalOutputDir   string
	MetricsAddr      string
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Enabled reports whether object storage has enough configuration to be used.
func (s StorageConfig) Enabled() bool {
	return s.Endpoint != "" && s.Bucket != ""
}

type DatabaseConfig struct {
	DSN string
}

type PreviewConfig struct {
	FullDebounce   time.Duration
	FilterDebounce time.Duration
	SessionTTL     time.Duration
	MaxSessions    int
}

// ServicesConfig points at the image services gateway used for background
// removal, upscaling, OCR, inpainting, HEIC bridging and SVG rasterization.
type ServicesConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type ModelsConfig struct {
	ONNXLibraryPath  string
	UpscaleModelPath string
	UpscaleScale     int
	Threads          int
}

type TelemetryConfig struct {
	ServiceName  string
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRatio  float64
}

type RateLimitConfig struct {
	Enabled  bool
	Requests int
	Window   time.Duration
	Prefix   string
}

type WebhookConfig struct {
	Secret     string
	Timeout    time.Duration
	MaxRetries int
}

// Load reads configuration from the environment. A .env file in the working
// directory (or the path in PIXELSTUDIO_ENV_FILE) is applied first without
// overriding variables that are already set.
func Load() Config {
	loadDotEnv()
	defaultWorkerSlots := max(1, runtime.NumCPU()/2)

	return Config{
		App: AppConfig{
			Env:      env("APP_ENV", "development"),
			LogLevel: env("LOG_LEVEL", ""),
		},
		API: APIConfig{
			Addr:           env("PIXELSTUDIO_API_ADDR", ":8080"),
			MaxUploadBytes: int64(envInt("PIXELSTUDIO_MAX_UPLOAD_BYTES", 50<<20)),
			ReadTimeout:    envDuration("PIXELSTUDIO_API_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:   envDuration("PIXELSTUDIO_API_WRITE_TIMEOUT", 2*time.Minute),
			ToolTimeout:    envDuration("PIXELSTUDIO_TOOL_TIMEOUT", 90*time.Second),
		},
		Queue: QueueConfig{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("ASYNC_QUEUE", "default"),
		},
		Worker: WorkerConfig{
			Concurrency:      envInt("WORKER_CONCURRENCY", max(2, runtime.NumCPU())),
			MaxActiveJobs:    envInt("WORKER_MAX_ACTIVE_JOBS", defaultWorkerSlots),
			BatchConcurrency: envInt("WORKER_BATCH_CONCURRENCY", max(1, runtime.NumCPU()/2)),
			LocalOutputDir:   env("WORKER_LOCAL_OUTPUT_DIR", "./.pixelstudio-output"),
			MetricsAddr:      env("WORKER_METRICS_ADDR", ":9091"),
		},
		Storage: StorageConfig{
			Endpoint:  env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:    env("MINIO_BUCKET", "pixelstudio-assets"),
			Region:    env("MINIO_REGION", "us-east-1"),
			UseSSL:    envBool("MINIO_USE_SSL", false),
		},
		Database: DatabaseConfig{
			DSN: env("POSTGRES_DSN", ""),
		},
		Preview: PreviewConfig{
			FullDebounce:   envDuration("PREVIEW_FULL_DEBOUNCE", 500*time.Millisecond),
			FilterDebounce: envDuration("PREVIEW_FILTER_DEBOUNCE", 150*time.Millisecond),
			SessionTTL:     envDuration("PREVIEW_SESSION_TTL", 30*time.Minute),
			MaxSessions:    envInt("PREVIEW_MAX_SESSIONS", 512),
		},
		Services: ServicesConfig{
			BaseURL: env("IMAGE_SERVICES_URL", ""),
			APIKey:  env("IMAGE_SERVICES_API_KEY", ""),
			Timeout: envDuration("IMAGE_SERVICES_TIMEOUT", 60*time.Second),
		},
		Models: ModelsConfig{
			ONNXLibraryPath:  env("ONNXRUNTIME_LIB", ""),
			UpscaleModelPath: env("UPSCALE_MODEL_PATH", ""),
			UpscaleScale:     envInt("UPSCALE_MODEL_SCALE", 2),
			Threads:          envInt("ONNX_THREADS", 0),
		},
		Telemetry: TelemetryConfig{
			ServiceName:  env("OTEL_SERVICE_NAME", "pixelstudio"),
			Exporter:     env("OTEL_TRACES_EXPORTER", "none"),
			OTLPEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SampleRatio:  envFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		},
		RateLimit: RateLimitConfig{
			Enabled:  envBool("RATE_LIMIT_ENABLED", true),
			Requests: envInt("RATE_LIMIT_REQUESTS", 120),
			Window:   envDuration("RATE_LIMIT_WINDOW", time.Minute),
			Prefix:   env("RATE_LIMIT_PREFIX", "pixelstudio:ratelimit"),
		},
		Webhook: WebhookConfig{
			Secret:     env("WEBHOOK_SECRET", ""),
			Timeout:    envDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			MaxRetries: envInt("WEBHOOK_MAX_RETRIES", 3),
		},
	}
}

func loadDotEnv() {
	path := env("PIXELSTUDIO_ENV_FILE", ".env")
	if _, err := os.Stat(path); err != nil {
		return
	}
	_ = godotenv.Load(path)
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}
