package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"wisefido-lis/common/config"
)

// Config LIS 引擎配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// Store 存储后端：postgres 或 memory（联调用）
	Store string

	Connection struct {
		HandshakeTimeout  time.Duration
		HeartbeatInterval time.Duration
		HeartbeatTimeout  time.Duration
		FrameAckTimeout   time.Duration
		MaxFrameRetries   int
		BackoffInitial    time.Duration
		BackoffMax        time.Duration
		OutboundQueue     int
		FlushIdle         time.Duration
		DialTimeout       time.Duration
		KeepAlive         time.Duration

		// 会话状态缓存，键为 <StateKeyPrefix>:<analyzer_id>:state
		StateKeyPrefix string
		StateTTL       time.Duration
	}

	Ingest struct {
		Workers     int // 全局并发解码/匹配数
		LaneBuffer  int // 每台仪器待处理帧队列长度
		ReplayBatch int
	}

	Dispatch struct {
		MaxAttempts int
		AckTimeout  time.Duration
		BatchSize   int
		RetryDelay  time.Duration

		// 医嘱下发请求流（由医嘱服务写入）
		IntakeStream   string
		IntakeGroup    string
		IntakeConsumer string
	}

	Evaluator struct {
		DefaultAckTimeout time.Duration
	}

	QC struct {
		Rules          []string
		Warn12s        bool
		MinSamples     int
		Window         int
		RequireDailyQC bool
	}

	Catalog struct {
		ReloadInterval time.Duration
	}

	Notify struct {
		EventsStream    string
		StreamMaxLen    int64
		MQTTEnabled     bool
		MQTTTopicPrefix string
		WebhookURL      string
		WebhookTimeout  time.Duration
	}

	MetricsAddr string

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = 5432
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "wisefido_lis")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = 20
	cfg.Database.MaxIdle = 5
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "wisefido-lis")
	cfg.MQTT.QoS = 1
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Store = getEnv("LIS_STORE", "postgres")
	if cfg.Store != "postgres" && cfg.Store != "memory" {
		return nil, fmt.Errorf("invalid LIS_STORE %q", cfg.Store)
	}

	c := &cfg.Connection
	c.HandshakeTimeout = getEnvDuration("LIS_HANDSHAKE_TIMEOUT", 10*time.Second)
	c.HeartbeatInterval = getEnvDuration("LIS_HEARTBEAT_INTERVAL", 30*time.Second)
	c.HeartbeatTimeout = getEnvDuration("LIS_HEARTBEAT_TIMEOUT", 15*time.Second)
	c.FrameAckTimeout = getEnvDuration("LIS_FRAME_ACK_TIMEOUT", 15*time.Second)
	c.MaxFrameRetries = getEnvInt("LIS_MAX_FRAME_RETRIES", 6)
	c.BackoffInitial = getEnvDuration("LIS_BACKOFF_INITIAL", time.Second)
	c.BackoffMax = getEnvDuration("LIS_BACKOFF_MAX", 30*time.Second)
	c.OutboundQueue = getEnvInt("LIS_OUTBOUND_QUEUE", 16)
	c.FlushIdle = getEnvDuration("LIS_FLUSH_IDLE", 200*time.Millisecond)
	c.DialTimeout = getEnvDuration("LIS_DIAL_TIMEOUT", 5*time.Second)
	c.KeepAlive = getEnvDuration("LIS_TCP_KEEPALIVE", 30*time.Second)
	c.StateKeyPrefix = getEnv("LIS_STATE_PREFIX", "lis:analyzer")
	c.StateTTL = getEnvDuration("LIS_STATE_TTL", 24*time.Hour)

	cfg.Ingest.Workers = getEnvInt("LIS_INGEST_WORKERS", 8)
	cfg.Ingest.LaneBuffer = getEnvInt("LIS_INGEST_LANE_BUFFER", 256)
	cfg.Ingest.ReplayBatch = getEnvInt("LIS_INGEST_REPLAY_BATCH", 500)

	cfg.Dispatch.MaxAttempts = getEnvInt("LIS_DISPATCH_MAX_ATTEMPTS", 3)
	cfg.Dispatch.AckTimeout = getEnvDuration("LIS_DISPATCH_ACK_TIMEOUT", 30*time.Second)
	cfg.Dispatch.BatchSize = getEnvInt("LIS_DISPATCH_BATCH_SIZE", 20)
	cfg.Dispatch.RetryDelay = getEnvDuration("LIS_DISPATCH_RETRY_DELAY", time.Second)
	cfg.Dispatch.IntakeStream = getEnv("LIS_ORDER_STREAM", "lis:orders:stream")
	cfg.Dispatch.IntakeGroup = getEnv("LIS_ORDER_GROUP", "lis-dispatcher")
	hostname, _ := os.Hostname()
	cfg.Dispatch.IntakeConsumer = getEnv("LIS_ORDER_CONSUMER", "lis-"+hostname)

	cfg.Evaluator.DefaultAckTimeout = getEnvDuration("LIS_CRITICAL_ACK_TIMEOUT", 15*time.Minute)

	cfg.QC.Rules = splitList(getEnv("LIS_QC_RULES", "1-3s,2-2s,R-4s,4-1s,10-x"))
	cfg.QC.Warn12s = getEnvBool("LIS_QC_WARN_12S", true)
	cfg.QC.MinSamples = getEnvInt("LIS_QC_MIN_SAMPLES", 20)
	cfg.QC.Window = getEnvInt("LIS_QC_WINDOW", 100)
	cfg.QC.RequireDailyQC = getEnvBool("LIS_QC_REQUIRE_DAILY", true)

	cfg.Catalog.ReloadInterval = getEnvDuration("LIS_CATALOG_RELOAD", time.Minute)

	cfg.Notify.EventsStream = getEnv("LIS_EVENTS_STREAM", "lis:events:stream")
	cfg.Notify.StreamMaxLen = int64(getEnvInt("LIS_EVENTS_MAXLEN", 10000))
	cfg.Notify.MQTTEnabled = getEnvBool("LIS_MQTT_ENABLED", true)
	cfg.Notify.MQTTTopicPrefix = getEnv("LIS_MQTT_TOPIC_PREFIX", "lis/alerts")
	cfg.Notify.WebhookURL = getEnv("LIS_WEBHOOK_URL", "")
	cfg.Notify.WebhookTimeout = getEnvDuration("LIS_WEBHOOK_TIMEOUT", 5*time.Second)

	cfg.MetricsAddr = getEnv("LIS_METRICS_ADDR", ":9108")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if cfg.Dispatch.MaxAttempts < 1 {
		return nil, fmt.Errorf("LIS_DISPATCH_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.QC.MinSamples < 2 {
		return nil, fmt.Errorf("LIS_QC_MIN_SAMPLES must be >= 2")
	}
	if cfg.Ingest.Workers < 1 {
		cfg.Ingest.Workers = 1
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration 支持 "30s" 形式，纯数字按秒
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
