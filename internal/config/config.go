package config

import (
	"os"
	"strconv"
	"time"
)

// ABIKind selects which host/guest calling convention a deployment of
// this process speaks. It is a startup-time choice (env var), not a
// compile-time feature flag — see the Runtime interface in
// internal/runtime for why.
type ABIKind string

const (
	ABIArgv      ABIKind = "argv"
	ABIStdio     ABIKind = "stdio"
	ABILinearMem ABIKind = "linearmem"
	ABIComponent ABIKind = "component"
)

type Config struct {
	NodeID   string
	HTTPAddr string
	Debug    bool
	LogLevel string

	ABIKind  ABIKind
	EnableNN bool

	TemplateCacheTTL  time.Duration
	ModelCacheTTL     time.Duration
	ModelFetchTimeout time.Duration
	DataDir           string

	AWSRegion string
}

func Load() *Config {
	return &Config{
		NodeID:            getEnv("NODE_ID", "node-default"),
		HTTPAddr:          getEnv("HTTP_ADDR", "127.0.0.1:9000"),
		Debug:             getEnvBool("DEBUG", false),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		ABIKind:           ABIKind(getEnv("ABI_KIND", string(ABILinearMem))),
		EnableNN:          getEnvBool("ENABLE_NN", false),
		TemplateCacheTTL:  time.Duration(getEnvInt("TEMPLATE_CACHE_TTL_SECONDS", 60)) * time.Second,
		ModelCacheTTL:     time.Duration(getEnvInt("MODEL_CACHE_TTL_SECONDS", 60)) * time.Second,
		ModelFetchTimeout: time.Duration(getEnvInt("MODEL_FETCH_TIMEOUT_SECONDS", 120)) * time.Second,
		DataDir:           getEnv("DATA_DIR", "./data"),
		AWSRegion:         getEnv("AWS_REGION", "eu-west-1"),
	}
}

func (c *Config) Addr() string {
	return c.HTTPAddr
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return fallback
}
