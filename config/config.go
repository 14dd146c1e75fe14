package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config 汇总服务运行所需的全部配置
type Config struct {
	ServerPort  string
	Environment string
	LogLevel    string
	CORSOrigins []string

	// 数据库
	DBDriver   string // mysql | sqlite
	DBUser     string
	DBPassword string
	DBHost     string
	DBPort     string
	DBName     string
	SQLitePath string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// 事件总线: local | redis | rocketmq
	EventBus          string
	RocketMQNameSrv   string
	RocketMQGroup     string
	RedisEventChannel string

	// 投票历史归档，MongoURI为空时不启用
	MongoURI string
	MongoDB  string

	JWTSecret string

	VoteTimeout      time.Duration
	HeartbeatTimeout time.Duration
	ReorderWindow    time.Duration
	SendBuffer       int

	RateLimitEnabled bool
	UserRateLimit    int
	GlobalRateLimit  int

	ExpirySweepInterval time.Duration
}

// Load 读取.env（如果存在）以及环境变量
func Load() *Config {
	// .env 文件是可选的
	_ = godotenv.Load()

	return &Config{
		ServerPort:  GetEnv("SERVER_PORT", "8090"),
		Environment: GetEnv("ENVIRONMENT", "development"),
		LogLevel:    GetEnv("LOG_LEVEL", "info"),
		CORSOrigins: splitList(GetEnv("CORS_ORIGINS", "*")),

		DBDriver:   GetEnv("DB_DRIVER", "mysql"),
		DBUser:     GetEnv("DB_USER", "voteuser"),
		DBPassword: GetEnv("DB_PASSWORD", "votepassword"),
		DBHost:     GetEnv("DB_HOST", "mysql"),
		DBPort:     GetEnv("DB_PORT", "3306"),
		DBName:     GetEnv("DB_NAME", "votingdb"),
		SQLitePath: GetEnv("SQLITE_PATH", "polls.db"),

		RedisAddr:     GetEnv("REDIS_ADDR", ""),
		RedisPassword: GetEnv("REDIS_PASSWORD", ""),
		RedisDB:       GetEnvInt("REDIS_DB", 0),

		EventBus:          strings.ToLower(GetEnv("EVENT_BUS", "local")),
		RocketMQNameSrv:   GetEnv("ROCKETMQ_NAMESRV_ADDR", "localhost:9876"),
		RocketMQGroup:     GetEnv("ROCKETMQ_GROUP", "poll_updates"),
		RedisEventChannel: GetEnv("REDIS_EVENT_CHANNEL", "poll:updates"),

		MongoURI: GetEnv("MONGODB_URI", ""),
		MongoDB:  GetEnv("MONGODB_DB", "polls"),

		JWTSecret: GetEnv("JWT_SECRET", ""),

		VoteTimeout:      GetEnvDuration("VOTE_TIMEOUT", 5*time.Second),
		HeartbeatTimeout: GetEnvDuration("HEARTBEAT_TIMEOUT", 60*time.Second),
		ReorderWindow:    GetEnvDuration("REORDER_WINDOW", 500*time.Millisecond),
		SendBuffer:       GetEnvInt("SEND_BUFFER", 64),

		RateLimitEnabled: GetEnvBool("ENABLE_RATE_LIMIT", false),
		UserRateLimit:    GetEnvInt("USER_RATE_LIMIT", 10),
		GlobalRateLimit:  GetEnvInt("GLOBAL_RATE_LIMIT", 100),

		ExpirySweepInterval: GetEnvDuration("EXPIRY_SWEEP_INTERVAL", time.Minute),
	}
}

// GetEnv 获取环境变量值或使用默认值
func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func GetEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(GetEnv(key, "")); err == nil {
		return n
	}
	return defaultValue
}

func GetEnvBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(GetEnv(key, "")); err == nil {
		return b
	}
	return defaultValue
}

// GetEnvDuration 支持 "5s"、"500ms" 这类写法，纯数字按秒处理
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := GetEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
