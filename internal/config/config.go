package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config 애플리케이션 전체 설정
type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	CORS      CORSConfig
	Auth      AuthConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Presence  PresenceConfig
	Live      LiveConfig
	Lock      LockConfig
	AI        AIConfig
	Log       LogConfig
}

// ServerConfig HTTP 서버 설정
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// WebSocketConfig WebSocket 관련 설정
type WebSocketConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	WriteTimeout    time.Duration
}

// CORSConfig CORS 설정
type CORSConfig struct {
	AllowOrigins string
	AllowHeaders string
}

// AuthConfig 인증 설정
type AuthConfig struct {
	JWTSecret         string
	AccessTokenExpiry time.Duration
}

// DatabaseConfig 영속 저장소 설정 (postgres | sqlite)
type DatabaseConfig struct {
	Driver     string
	Host       string
	Port       string
	User       string
	Password   string
	Name       string
	SSLMode    string
	TimeZone   string
	SQLitePath string
}

// RedisConfig Redis 설정. Addr 가 비어 있으면 인메모리 ephemeral 저장소 사용
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// PresenceConfig 접속 상태 설정
type PresenceConfig struct {
	ConnectionTTL     time.Duration
	HeartbeatInterval time.Duration
}

// LiveConfig 실시간 변형(드래그/리사이즈) 브로드캐스트 설정
type LiveConfig struct {
	DurableWriteInterval time.Duration
	SettleDelay          time.Duration
	PositionTTL          time.Duration
	RetryInterval        time.Duration
}

// LockConfig AI 명령 잠금 설정
type LockConfig struct {
	LeaseTTL time.Duration
}

// AIConfig AI 서버 설정
type AIConfig struct {
	ServerAddr     string
	Enabled        bool
	CommandTimeout time.Duration
}

// LogConfig 로그 파일 설정 (FilePath 가 비어 있으면 stderr)
type LogConfig struct {
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Load 환경 변수에서 설정 로드
func Load() *Config {
	// .env 파일 로드 (없어도 에러 무시)
	if err := godotenv.Load(); err != nil {
		log.Println("ℹ️ No .env file found, using environment variables")
	}

	jwtSecret := getRequiredEnv("JWT_SECRET")
	if jwtSecret == "change-this-secret-in-production" {
		log.Fatal("🚨 CRITICAL: JWT_SECRET must be changed from default value in production!")
	}

	cfg := Defaults()
	cfg.Auth.JWTSecret = jwtSecret
	return cfg
}

// Defaults 환경 변수 + 기본값으로 설정 구성 (필수 값 검증 없음)
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", ":8080"),
			ReadTimeout:  getDuration("READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDuration("WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDuration("IDLE_TIMEOUT", 120*time.Second),
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  getInt("WS_READ_BUFFER_SIZE", 4096),
			WriteBufferSize: getInt("WS_WRITE_BUFFER_SIZE", 4096),
			WriteTimeout:    getDuration("WS_WRITE_TIMEOUT", 5*time.Second),
		},
		CORS: CORSConfig{
			AllowOrigins: getEnv("CORS_ALLOW_ORIGINS", "*"),
			AllowHeaders: getEnv("CORS_ALLOW_HEADERS", "Origin, Content-Type, Accept, Authorization"),
		},
		Auth: AuthConfig{
			JWTSecret:         getEnv("JWT_SECRET", ""),
			AccessTokenExpiry: getDuration("ACCESS_TOKEN_EXPIRY", 1*time.Hour),
		},
		Database: DatabaseConfig{
			Driver:     getEnv("DB_DRIVER", "postgres"),
			Host:       getEnv("DB_HOST", "localhost"),
			Port:       getEnv("DB_PORT", "5432"),
			User:       getEnv("DB_USER", "postgres"),
			Password:   getEnv("DB_PASSWORD", ""),
			Name:       getEnv("DB_NAME", "canvas"),
			SSLMode:    getEnv("DB_SSLMODE", "disable"),
			TimeZone:   getEnv("DB_TIMEZONE", "UTC"),
			SQLitePath: getEnv("DB_SQLITE_PATH", "canvas.db"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
		Presence: PresenceConfig{
			// 60초 TTL (Heartbeat는 30초마다)
			ConnectionTTL:     getDuration("PRESENCE_CONNECTION_TTL", 60*time.Second),
			HeartbeatInterval: getDuration("PRESENCE_HEARTBEAT_INTERVAL", 30*time.Second),
		},
		Live: LiveConfig{
			DurableWriteInterval: getDuration("LIVE_DURABLE_WRITE_INTERVAL", 50*time.Millisecond),
			SettleDelay:          getDuration("LIVE_SETTLE_DELAY", 120*time.Millisecond),
			PositionTTL:          getDuration("LIVE_POSITION_TTL", 5*time.Second),
			RetryInterval:        getDuration("LIVE_RETRY_INTERVAL", 5*time.Second),
		},
		Lock: LockConfig{
			LeaseTTL: getDuration("AI_LOCK_LEASE_TTL", 2*time.Minute),
		},
		AI: AIConfig{
			ServerAddr:     getEnv("AI_SERVER_ADDR", "localhost:50051"),
			Enabled:        getBool("AI_ENABLED", false),
			CommandTimeout: getDuration("AI_COMMAND_TIMEOUT", 60*time.Second),
		},
		Log: LogConfig{
			FilePath:   getEnv("LOG_FILE", ""),
			MaxSizeMB:  getInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getInt("LOG_MAX_AGE_DAYS", 14),
		},
	}
}

// getRequiredEnv 필수 환경 변수 조회 (없으면 Fatal)
func getRequiredEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		log.Fatalf("🚨 CRITICAL: Required environment variable %s is not set!", key)
	}
	return value
}

// getEnv 환경 변수 조회 (기본값 지원)
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getInt 정수형 환경 변수 조회
func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getBool 불리언 환경 변수 조회
func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

// getDuration 시간 환경 변수 조회
func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		// 숫자만 있으면 초로 간주
		if !strings.ContainsAny(value, "smh") {
			if secs, err := strconv.Atoi(value); err == nil {
				return time.Duration(secs) * time.Second
			}
		}
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
