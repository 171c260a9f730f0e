package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config represents worker configuration loaded from environment variables.
type Config struct {
	AppEnv     string
	Port       string
	WorkerName string
	Slots      int

	QueueURL      string
	QueueAuthKey  string
	QueueInterval time.Duration

	EngineURL       string
	EngineOutputDir string
	EngineModelsDir string
	PollInterval    time.Duration
	ImageTimeout    time.Duration
	VideoTimeout    time.Duration

	WorkflowsDir   string
	RecipeCacheDir string

	RPCURL               string
	ModelRegistryAddress string
	RecipeRegistryAddr   string
	RegistryCallTimeout  time.Duration
	RegistryCacheTTL     time.Duration

	StrictValidation bool
	JobRetries       int

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig loads configuration from the environment, reading .env files
// first when present, and applies defaults where needed.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load(".env", ".env.local")

	cfg := &Config{
		AppEnv:     getEnv("APP_ENV", "development"),
		Port:       getEnv("PORT", "8190"),
		WorkerName: getEnv("WORKER_NAME", defaultWorkerName()),
		Slots:      getEnvInt("WORKER_SLOTS", 1),

		QueueURL:      os.Getenv("QUEUE_URL"),
		QueueAuthKey:  os.Getenv("QUEUE_AUTH_KEY"),
		QueueInterval: time.Second * time.Duration(getEnvInt("QUEUE_POLL_SECONDS", 5)),

		EngineURL:       getEnv("ENGINE_URL", "http://127.0.0.1:8188"),
		EngineOutputDir: getEnv("ENGINE_OUTPUT_DIR", "./output"),
		EngineModelsDir: getEnv("ENGINE_MODELS_DIR", "./models"),
		PollInterval:    time.Second * time.Duration(getEnvInt("ENGINE_POLL_SECONDS", 2)),
		ImageTimeout:    time.Minute * time.Duration(getEnvInt("IMAGE_TIMEOUT_MINUTES", 5)),
		VideoTimeout:    time.Minute * time.Duration(getEnvInt("VIDEO_TIMEOUT_MINUTES", 30)),

		WorkflowsDir:   getEnv("WORKFLOWS_DIR", "./workflows"),
		RecipeCacheDir: getEnv("RECIPE_CACHE_DIR", "./recipes"),

		RPCURL:               os.Getenv("CHAIN_RPC_URL"),
		ModelRegistryAddress: os.Getenv("MODEL_REGISTRY_ADDRESS"),
		RecipeRegistryAddr:   os.Getenv("RECIPE_REGISTRY_ADDRESS"),
		RegistryCallTimeout:  time.Second * time.Duration(getEnvInt("REGISTRY_CALL_TIMEOUT_SECONDS", 10)),
		RegistryCacheTTL:     time.Minute * time.Duration(getEnvInt("REGISTRY_CACHE_TTL_MINUTES", 60)),

		StrictValidation: getEnvBool("STRICT_VALIDATION", false),
		JobRetries:       getEnvInt("JOB_RETRIES", 2),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	if cfg.QueueURL == "" {
		return nil, fmt.Errorf("QUEUE_URL is required")
	}
	if cfg.Slots < 1 {
		cfg.Slots = 1
	}

	return cfg, nil
}

func defaultWorkerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker"
	}
	return host
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
