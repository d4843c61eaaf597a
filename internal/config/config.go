package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

var (
	ErrMissingSettings = errors.New("missing provisioning settings")
	ErrInvalidValue    = errors.New("invalid configuration value")
)

// Backends selectable through the environment
const (
	TemplateSourceDir   = "dir"
	TemplateSourceMinio = "minio"

	AnalyticsTransportNATS = "nats"
	AnalyticsTransportGRPC = "grpc"

	DeviceStoreKV     = "kv"
	DeviceStoreMemory = "memory"

	ProvisioningHTTP  = "http"
	ProvisioningLocal = "local"
)

type Config struct {
	// Application
	Version     string
	Environment string
	GatewayID   string
	ModuleID    string
	Port        int
	LogLevel    string

	// Logdy (lightweight web log viewer)
	LogdyEnabled bool
	LogdyHost    string
	LogdyPort    int

	// NATS carries the registry session, the analytics module calls and the device store.
	// Default: nats://localhost:4222
	// Docker: nats://nats:4222
	NatsURL            string
	NatsConnectTimeout time.Duration
	NatsReconnectWait  time.Duration
	NatsMaxReconnects  int
	NatsDrainTimeout   time.Duration // For graceful shutdown

	// Registry session of the gateway itself. Cameras use the endpoint
	// assigned during provisioning.
	RegistryEndpoint string
	GatewayKey       string
	TwinBucket       string

	// Provisioning
	ProvisioningMode    string
	ProvisioningHost    string
	ScopeID             string
	ProvisioningKey     string
	AppHost             string
	APIToken            string
	ProvisioningTimeout time.Duration

	// Analytics module
	AnalyticsModuleID     string
	AnalyticsTransport    string
	AnalyticsGRPCURL      string
	SimulateAnalytics     bool
	InvokeConnectTimeout  time.Duration
	InvokeResponseTimeout time.Duration

	// Pipeline templates
	ContentRoot    string
	TemplateSource string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool
	MinioBucket    string
	MinioPrefix    string

	// Device store
	DeviceStore       string
	DeviceStoreBucket string

	// Telemetry mirror (disabled when no brokers are set)
	KafkaBrokers        []string
	KafkaTelemetryTopic string

	// Detection
	ObjectClassSubstringMatch bool
	KindsFile                 string

	// Logs every payload of one camera
	DebugDeviceTelemetry string

	// Preview images reported as rpInferenceImageUrl
	SampleImageCaptureURL string
	SampleImageAnalyzeURL string
	SampleImageMotionURL  string

	// Swagger Configuration
	SwaggerHost string

	// Health Check
	HealthCheckInterval time.Duration
	HealthCheckRetries  int
	RestartGracePeriod  time.Duration

	// Graceful Shutdown
	ShutdownTimeout time.Duration
}

func Load() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file found or error loading .env file, using environment variables and defaults")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	natsURL := getNatsURL()

	return &Config{
		// Application
		Version:     getEnv("VERSION", "1.0.0"),
		Environment: getEnv("ENVIRONMENT", "development"),
		GatewayID:   getEnv("GATEWAY_ID", getEnv("IOTEDGE_DEVICEID", "camera-gateway")),
		ModuleID:    getEnv("MODULE_ID", getEnv("IOTEDGE_MODULEID", "camera-gateway")),
		Port:        getEnvInt("PORT", 9070),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		// Logdy
		LogdyEnabled: getEnvBool("LOGDY_ENABLED", false),
		LogdyHost:    getEnv("LOGDY_HOST", "localhost"),
		LogdyPort:    getEnvInt("LOGDY_PORT", 8080),

		// NATS
		NatsURL:            natsURL,
		NatsConnectTimeout: getEnvDuration("NATS_CONNECT_TIMEOUT", 10*time.Second),
		NatsReconnectWait:  getEnvDuration("NATS_RECONNECT_WAIT", 2*time.Second),
		NatsMaxReconnects:  getEnvInt("NATS_MAX_RECONNECTS", -1), // -1 = unlimited
		NatsDrainTimeout:   getEnvDuration("NATS_DRAIN_TIMEOUT", 5*time.Second),

		// Registry
		RegistryEndpoint: getEnv("REGISTRY_ENDPOINT", natsURL),
		GatewayKey:       getEnv("GATEWAY_KEY", ""),
		TwinBucket:       getEnv("TWIN_BUCKET", "device-twins"),

		// Provisioning
		ProvisioningMode:    getEnv("PROVISIONING_MODE", ProvisioningHTTP),
		ProvisioningHost:    getEnv("PROVISIONING_HOST", "global.azure-devices-provisioning.net"),
		ScopeID:             getEnv("SCOPE_ID", ""),
		ProvisioningKey:     getEnv("DEVICE_PROVISIONING_KEY", ""),
		AppHost:             getEnv("APP_HOST", ""),
		APIToken:            getEnv("APP_API_TOKEN", ""),
		ProvisioningTimeout: getEnvDuration("PROVISIONING_TIMEOUT", 30*time.Second),

		// Analytics module
		AnalyticsModuleID:     getEnv("ANALYTICS_MODULE_ID", "lvaEdge"),
		AnalyticsTransport:    getEnv("ANALYTICS_TRANSPORT", AnalyticsTransportNATS),
		AnalyticsGRPCURL:      getEnv("ANALYTICS_GRPC_URL", "grpc://localhost:50051"),
		SimulateAnalytics:     getEnvBool("SIMULATE_ANALYTICS", false),
		InvokeConnectTimeout:  getEnvDuration("INVOKE_CONNECT_TIMEOUT", 30*time.Second),
		InvokeResponseTimeout: getEnvDuration("INVOKE_RESPONSE_TIMEOUT", 30*time.Second),

		// Pipeline templates
		ContentRoot:    getEnv("CONTENT_ROOT", "/data/content"),
		TemplateSource: getEnv("TEMPLATE_SOURCE", TemplateSourceDir),
		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),
		MinioBucket:    getEnv("MINIO_BUCKET", "pipeline-templates"),
		MinioPrefix:    getEnv("MINIO_PREFIX", ""),

		// Device store
		DeviceStore:       getEnv("DEVICE_STORE", DeviceStoreKV),
		DeviceStoreBucket: getEnv("DEVICE_STORE_BUCKET", "camera-gateway-devices"),

		// Telemetry mirror
		KafkaBrokers:        getEnvList("KAFKA_BROKERS", nil),
		KafkaTelemetryTopic: getEnv("KAFKA_TELEMETRY_TOPIC", "camera-gateway-telemetry"),

		// Detection
		ObjectClassSubstringMatch: getEnvBool("OBJECT_CLASS_SUBSTRING_MATCH", false),
		KindsFile:                 getEnv("KINDS_FILE", ""),
		DebugDeviceTelemetry:      getEnv("DEBUG_DEVICE_TELEMETRY", ""),

		// Preview images
		SampleImageCaptureURL: getEnv("SAMPLE_IMAGE_CAPTURE_URL", "https://iotcsavisionai.blob.core.windows.net/image-link-test/rtspcapture.jpg"),
		SampleImageAnalyzeURL: getEnv("SAMPLE_IMAGE_ANALYZE_URL", ""),
		SampleImageMotionURL:  getEnv("SAMPLE_IMAGE_MOTION_URL", ""),

		// Swagger
		SwaggerHost: getEnv("SWAGGER_HOST", "localhost"),

		// Health Check
		HealthCheckInterval: getEnvDuration("HEALTH_CHECK_INTERVAL", 15*time.Second),
		HealthCheckRetries:  getEnvInt("HEALTH_CHECK_RETRIES", 3),
		RestartGracePeriod:  getEnvDuration("RESTART_GRACE_PERIOD", 10*time.Second),

		// Graceful Shutdown
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

// Validate rejects unknown backend names with ErrInvalidValue. Missing
// provisioning settings are reported with ErrMissingSettings; they do not
// prevent startup, camera creation fails until they are set.
func (c *Config) Validate() error {
	var errs []error

	check := func(key, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%w: %s=%q (want one of %s)", ErrInvalidValue, key, value, strings.Join(allowed, ", ")))
	}
	check("TEMPLATE_SOURCE", c.TemplateSource, TemplateSourceDir, TemplateSourceMinio)
	check("ANALYTICS_TRANSPORT", c.AnalyticsTransport, AnalyticsTransportNATS, AnalyticsTransportGRPC)
	check("DEVICE_STORE", c.DeviceStore, DeviceStoreKV, DeviceStoreMemory)
	check("PROVISIONING_MODE", c.ProvisioningMode, ProvisioningHTTP, ProvisioningLocal)

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("%w: PORT=%d", ErrInvalidValue, c.Port))
	}
	if c.GatewayID == "" {
		errs = append(errs, fmt.Errorf("%w: GATEWAY_ID is empty", ErrInvalidValue))
	}

	if missing := c.MissingProvisioningSettings(); len(missing) > 0 {
		errs = append(errs, fmt.Errorf("%w: %s", ErrMissingSettings, strings.Join(missing, ", ")))
	}
	return errors.Join(errs...)
}

// MissingProvisioningSettings lists the unset keys camera provisioning needs
func (c *Config) MissingProvisioningSettings() []string {
	var missing []string
	if c.ProvisioningKey == "" {
		missing = append(missing, "DEVICE_PROVISIONING_KEY")
	}
	if c.ProvisioningMode != ProvisioningHTTP {
		return missing
	}
	for key, value := range map[string]string{
		"SCOPE_ID":          c.ScopeID,
		"PROVISIONING_HOST": c.ProvisioningHost,
		"APP_HOST":          c.AppHost,
		"APP_API_TOKEN":     c.APIToken,
	} {
		if value == "" {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	return missing
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated value, dropping empty items
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Helper functions for Docker environment detection
func isRunningInDocker() bool {
	if os.Getenv("DOCKER_CONTAINER") == "true" {
		return true
	}

	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}

	return false
}

// getNatsURL returns the appropriate NATS URL based on environment
func getNatsURL() string {
	if envURL := os.Getenv("NATS_URL"); envURL != "" {
		return envURL
	}

	// If running in Docker, use service name; otherwise use localhost
	if isRunningInDocker() {
		return "nats://nats:4222"
	}

	return "nats://localhost:4222"
}
