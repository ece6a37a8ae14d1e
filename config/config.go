// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"os"
	"strconv"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string
	ClustersDir        string
	DatabaseURL        string
	MigrationsDir      string
	GoogleCloudProject string
	KMSRegion          string
	KMSKeyID           string
	Issuer             string
	CfsslPath          string
	StagingDir         string
	Kubeconfig         string
	LogLevel           string

	OtelEnabled      bool
	OtelEndpoint     string
	OtelInsecure     bool
	OtelServiceName  string
	OtelSamplingRate float64
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		ClustersDir:        getEnv("CLUSTERS_DIR", "clusters"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		MigrationsDir:      os.Getenv("MIGRATIONS_DIR"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		KMSRegion:          os.Getenv("KMS_REGION"),
		KMSKeyID:           os.Getenv("KMS_KEY_ID"),
		Issuer:             getEnv("ISSUER", "cfssl"),
		CfsslPath:          getEnv("CFSSL_PATH", "cfssl"),
		StagingDir:         os.Getenv("STAGING_DIR"),
		Kubeconfig:         os.Getenv("KUBECONFIG"),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),
		OtelEnabled:        getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:       getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelInsecure:       getEnvBool("OTEL_INSECURE", false),
		OtelServiceName:    getEnv("OTEL_SERVICE_NAME", "cluster-pki-manager"),
		OtelSamplingRate:   getEnvFloat("OTEL_SAMPLING_RATE", 1.0),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	val, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvFloat(key string, defaultVal float64) float64 {
	val, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultVal
	}
	return val
}
