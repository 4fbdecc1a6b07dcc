package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"riskguard/internal/models"
	"riskguard/pkg/crypto"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server   ServerConfig
	Venue    VenueConfig
	Risk     RiskConfig
	Database DatabaseConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port         int
	Host         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Addr возвращает адрес для http.Server
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// VenueConfig - подключение к площадке
type VenueConfig struct {
	WSURL     string
	RESTURL   string
	APIKey    string
	APISecret string

	// Переподключение WebSocket: InitialDelay * 2^n, не больше MaxDelay
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	PingInterval          time.Duration
}

// RiskConfig - начальные границы и параметры ликвидации
type RiskConfig struct {
	// nil - граница не задана
	UpperLimit *decimal.Decimal
	LowerLimit *decimal.Decimal

	LiquidationMaxAttempts int // всего попыток close_all, не повторов
	LiquidationRetryDelay  time.Duration
	LiquidationCooldown    time.Duration
	LiquidationTimeout     time.Duration
}

// Bounds возвращает начальные границы риска
func (r RiskConfig) Bounds() models.RiskBounds {
	return models.RiskBounds{UpperLimit: r.UpperLimit, LowerLimit: r.LowerLimit}
}

// DatabaseConfig - журнал уведомлений в PostgreSQL.
// При Enabled=false журнал хранится только в памяти.
type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	OperatorUsername string
	// bcrypt hash; пустой - операторские маршруты открыты
	OperatorPasswordHash string

	CORSAllowedOrigins []string
	// Origin для /ws/stream
	AllowedOrigins []string
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level       string
	Format      string
	Output      string
	Development bool
}

// Load загружает конфигурацию из переменных окружения.
// Если рядом лежит .env, его значения подхватываются, но не перекрывают
// уже заданные переменные.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	upper, err := getEnvAsDecimal("RISK_UPPER_LIMIT")
	if err != nil {
		return nil, err
	}
	lower, err := getEnvAsDecimal("RISK_LOWER_LIMIT")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
		},
		Venue: VenueConfig{
			WSURL:     getEnv("VENUE_WS_URL", "wss://socket.india.delta.exchange"),
			RESTURL:   getEnv("VENUE_REST_URL", "https://api.india.delta.exchange"),
			APIKey:    getEnv("VENUE_API_KEY", ""),
			APISecret: getEnv("VENUE_API_SECRET", ""),

			ReconnectInitialDelay: getEnvAsDuration("WS_RECONNECT_INITIAL_DELAY", 2*time.Second),
			ReconnectMaxDelay:     getEnvAsDuration("WS_RECONNECT_MAX_DELAY", 16*time.Second),
			PingInterval:          getEnvAsDuration("WS_PING_INTERVAL", 30*time.Second),
		},
		Risk: RiskConfig{
			UpperLimit: upper,
			LowerLimit: lower,

			LiquidationMaxAttempts: getEnvAsInt("LIQUIDATION_MAX_ATTEMPTS", 3),
			LiquidationRetryDelay:  getEnvAsDuration("LIQUIDATION_RETRY_DELAY", time.Second),
			LiquidationCooldown:    getEnvAsDuration("LIQUIDATION_COOLDOWN", 30*time.Second),
			LiquidationTimeout:     getEnvAsDuration("LIQUIDATION_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			Enabled:  getEnvAsBool("DB_ENABLED", false),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "riskguard"),
			User:     getEnv("DB_USER", "riskguard"),
			Password: getEnv("DB_PASSWORD", ""),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),

			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 5),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Security: SecurityConfig{
			OperatorUsername:     getEnv("OPERATOR_USERNAME", "operator"),
			OperatorPasswordHash: getEnv("OPERATOR_PASSWORD_HASH", ""),
			CORSAllowedOrigins:   getEnvAsList("CORS_ALLOWED_ORIGINS"),
			AllowedOrigins:       getEnvAsList("ALLOWED_ORIGINS"),
		},
		Logging: LoggingConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Format:      getEnv("LOG_FORMAT", "json"),
			Output:      getEnv("LOG_OUTPUT", "stdout"),
			Development: getEnvAsBool("LOG_DEVELOPMENT", false),
		},
	}

	if err := cfg.validateVenue(); err != nil {
		return nil, err
	}

	if err := cfg.validateSecurity(); err != nil {
		return nil, err
	}

	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateVenue проверяет параметры подключения к площадке
func (c *Config) validateVenue() error {
	if c.Venue.APIKey == "" {
		return fmt.Errorf("VENUE_API_KEY is required")
	}
	if c.Venue.APISecret == "" {
		return fmt.Errorf("VENUE_API_SECRET is required")
	}
	if !strings.HasPrefix(c.Venue.WSURL, "ws://") && !strings.HasPrefix(c.Venue.WSURL, "wss://") {
		return fmt.Errorf("VENUE_WS_URL must start with ws:// or wss://, got %q", c.Venue.WSURL)
	}
	if !strings.HasPrefix(c.Venue.RESTURL, "http://") && !strings.HasPrefix(c.Venue.RESTURL, "https://") {
		return fmt.Errorf("VENUE_REST_URL must start with http:// or https://, got %q", c.Venue.RESTURL)
	}
	return nil
}

// validateSecurity проверяет учётные данные оператора
func (c *Config) validateSecurity() error {
	if c.Security.OperatorPasswordHash == "" {
		return nil
	}
	if c.Security.OperatorUsername == "" {
		return fmt.Errorf("OPERATOR_USERNAME is required when OPERATOR_PASSWORD_HASH is set")
	}
	if err := crypto.ValidateHash(c.Security.OperatorPasswordHash); err != nil {
		return fmt.Errorf("OPERATOR_PASSWORD_HASH must be a bcrypt hash (see -hash-password): %w", err)
	}
	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	// Валидация портов
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Enabled && (c.Database.Port < 1 || c.Database.Port > 65535) {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	if err := c.Risk.Bounds().Validate(); err != nil {
		return fmt.Errorf("RISK_LOWER_LIMIT must be below RISK_UPPER_LIMIT: %w", err)
	}

	// Число попыток close_all, включая первую
	if c.Risk.LiquidationMaxAttempts < 1 {
		return fmt.Errorf("LIQUIDATION_MAX_ATTEMPTS must be at least 1, got %d", c.Risk.LiquidationMaxAttempts)
	}

	if c.Risk.LiquidationMaxAttempts > 10 {
		return fmt.Errorf("LIQUIDATION_MAX_ATTEMPTS should not exceed 10, got %d", c.Risk.LiquidationMaxAttempts)
	}

	// Таймауты должны быть положительными
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"LIQUIDATION_RETRY_DELAY", c.Risk.LiquidationRetryDelay},
		{"LIQUIDATION_TIMEOUT", c.Risk.LiquidationTimeout},
		{"WS_RECONNECT_INITIAL_DELAY", c.Venue.ReconnectInitialDelay},
		{"WS_PING_INTERVAL", c.Venue.PingInterval},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %v", d.name, d.value)
		}
	}

	if c.Risk.LiquidationCooldown < 0 {
		return fmt.Errorf("LIQUIDATION_COOLDOWN cannot be negative, got %v", c.Risk.LiquidationCooldown)
	}

	if c.Venue.ReconnectMaxDelay < c.Venue.ReconnectInitialDelay {
		return fmt.Errorf("WS_RECONNECT_MAX_DELAY (%v) must not be below WS_RECONNECT_INITIAL_DELAY (%v)",
			c.Venue.ReconnectMaxDelay, c.Venue.ReconnectInitialDelay)
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList разбирает список через запятую, пустые элементы отбрасываются
func getEnvAsList(key string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnvAsDecimal - граница риска: пусто - не задана, мусор - ошибка
func getEnvAsDecimal(key string) (*decimal.Decimal, error) {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return nil, nil
	}
	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return nil, fmt.Errorf("%s must be a decimal number, got %q", key, valueStr)
	}
	return &value, nil
}
