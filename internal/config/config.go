package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个项目的配置项。
type Config struct {
	Client  ClientConfig
	Server  ServerConfig
	AI      AIConfig
	Storage StorageConfig
	Log     LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	clientCfg, err := loadClientConfig()
	if err != nil {
		return nil, err
	}

	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	storage, err := loadStorageConfig()
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Client: clientCfg, Server: server, AI: ai, Storage: storage, Log: logCfg}, nil
}

// ClientConfig 描述会话客户端与展示桥接的配置。
type ClientConfig struct {
	APIURL         string
	Timeout        time.Duration
	BridgeAddr     string
	SerializeStart bool
}

func loadClientConfig() (ClientConfig, error) {
	timeout, err := parseOptionalIntEnv("CHAT_HTTP_TIMEOUT")
	if err != nil {
		return ClientConfig{}, err
	}
	timeoutSeconds := 30
	if timeout != nil {
		if *timeout < 1 {
			return ClientConfig{}, fmt.Errorf("invalid CHAT_HTTP_TIMEOUT value %d: must be positive", *timeout)
		}
		timeoutSeconds = *timeout
	}

	serialize, err := parseBoolEnv("CHAT_SERIALIZE_START", false)
	if err != nil {
		return ClientConfig{}, err
	}

	apiURL := strings.TrimRight(getEnvOrDefault("CHAT_API_URL", "http://localhost:8080/api/v1"), "/")
	if !strings.HasPrefix(apiURL, "http://") && !strings.HasPrefix(apiURL, "https://") {
		return ClientConfig{}, fmt.Errorf("invalid CHAT_API_URL value %q: must be an http(s) URL", apiURL)
	}

	return ClientConfig{
		APIURL:         apiURL,
		Timeout:        time.Duration(timeoutSeconds) * time.Second,
		BridgeAddr:     getEnvOrDefault("CHAT_BRIDGE_ADDR", ":8090"),
		SerializeStart: serialize,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr        string
	APIPrefix   string
	CORSOrigins []string
	// ChatRateLimit 限制每个IP发送聊天消息的频率，零值表示不限制。
	ChatRateLimit RateLimit
}

// RateLimit 表示窗口内允许的请求数。
type RateLimit struct {
	Requests int
	Window   time.Duration
}

// Enabled 表示是否启用限流。
func (r RateLimit) Enabled() bool {
	return r.Requests > 0 && r.Window > 0
}

var rateLimitWindows = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
}

// ParseRateLimit 解析 "30/minute" 形式的限流配置。"off" 或 "0" 表示不限制。
func ParseRateLimit(raw string) (RateLimit, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "off" || value == "0" {
		return RateLimit{}, nil
	}

	count, unit, ok := strings.Cut(value, "/")
	if !ok {
		return RateLimit{}, fmt.Errorf("invalid rate limit %q: expected <count>/<second|minute|hour|day>", raw)
	}
	requests, err := strconv.Atoi(strings.TrimSpace(count))
	if err != nil || requests < 1 {
		return RateLimit{}, fmt.Errorf("invalid rate limit %q: count must be a positive integer", raw)
	}
	window, ok := rateLimitWindows[strings.TrimSpace(unit)]
	if !ok {
		return RateLimit{}, fmt.Errorf("invalid rate limit %q: unknown window %q", raw, unit)
	}
	return RateLimit{Requests: requests, Window: window}, nil
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	prefix := "/" + strings.Trim(getEnvOrDefault("API_PREFIX", "/api/v1"), "/")
	origins := splitList(getEnvOrDefault("CORS_ORIGINS", "*"))

	chatLimit, err := ParseRateLimit(getEnvOrDefault("RATE_LIMIT_CHAT", "30/minute"))
	if err != nil {
		return ServerConfig{}, fmt.Errorf("invalid RATE_LIMIT_CHAT value: %w", err)
	}

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, APIPrefix: prefix, CORSOrigins: origins, ChatRateLimit: chatLimit}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, APIPrefix: prefix, CORSOrigins: origins, ChatRateLimit: chatLimit}, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	// HistoryLimit 限制发送给模型的历史轮数。
	HistoryLimit int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	historyLimit := 20
	if override, err := parseOptionalIntEnv("AI_HISTORY_LIMIT"); err != nil {
		return AIConfig{}, err
	} else if override != nil {
		if *override < 1 {
			historyLimit = 1
		} else {
			historyLimit = *override
		}
	}

	return AIConfig{
		APIKey:       strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:    strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:    strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:        strings.TrimSpace(os.Getenv("Model")),
		BaseURL:      getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:       getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:  temperature,
		TopP:         topP,
		MaxTokens:    maxTokens,
		HistoryLimit: historyLimit,
	}, nil
}

// StorageConfig 描述后端会话存储配置。
type StorageConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SessionTTL    time.Duration
	SQLitePath    string
}

// UseRedis 表示是否使用 Redis 保存进行中的会话。
func (c StorageConfig) UseRedis() bool {
	return c.RedisAddr != ""
}

func loadStorageConfig() (StorageConfig, error) {
	ttl, err := parseOptionalIntEnv("SESSION_TTL")
	if err != nil {
		return StorageConfig{}, err
	}
	ttlSeconds := 900
	if ttl != nil {
		ttlSeconds = *ttl
	}
	if ttlSeconds < 1 {
		return StorageConfig{}, fmt.Errorf("invalid SESSION_TTL value %d: must be positive", ttlSeconds)
	}

	db, err := parseOptionalIntEnv("REDIS_DB")
	if err != nil {
		return StorageConfig{}, err
	}
	redisDB := 0
	if db != nil {
		redisDB = *db
	}

	return StorageConfig{
		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       redisDB,
		SessionTTL:    time.Duration(ttlSeconds) * time.Second,
		SQLitePath:    strings.TrimSpace(os.Getenv("SQLITE_PATH")),
	}, nil
}

// LogConfig 描述日志输出配置。
type LogConfig struct {
	Level   string
	Console bool
}

func loadLogConfig() (LogConfig, error) {
	console, err := parseBoolEnv("LOG_CONSOLE", true)
	if err != nil {
		return LogConfig{}, err
	}
	return LogConfig{
		Level:   strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		Console: console,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
