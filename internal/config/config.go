package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Provider ProviderConfig `mapstructure:"provider"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Anomaly  AnomalyConfig  `mapstructure:"anomaly"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Name string `mapstructure:"name"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	PaymentEvents string `mapstructure:"payment_events"`
}

// ProviderConfig 第三方支付渠道
type ProviderConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	SecretKey string        `mapstructure:"secret_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type WebhookConfig struct {
	Secret   string        `mapstructure:"secret"`
	EventTTL time.Duration `mapstructure:"event_ttl"`
}

type AuthConfig struct {
	JWTSecret     string   `mapstructure:"jwt_secret"`
	ElevatedRoles []string `mapstructure:"elevated_roles"`
}

// AnomalyConfig thresholds for the periodic audit-log sweep.
type AnomalyConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	Window           time.Duration `mapstructure:"window"`
	TimeoutRatio     float64       `mapstructure:"timeout_ratio"`
	ErrorBurst       int           `mapstructure:"error_burst"`
	FraudIPWindow    time.Duration `mapstructure:"fraud_ip_window"`
	FraudIPThreshold int           `mapstructure:"fraud_ip_threshold"`
}

type BusinessConfig struct {
	IntentExpiryMinutes int `mapstructure:"intent_expiry_minutes"`
	MaxRetryCount       int `mapstructure:"max_retry_count"`
	CASRetries          int `mapstructure:"cas_retries"`
}

// LoadConfig 加载配置文件，环境变量 PAYRECON_* 覆盖文件中的值
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PAYRECON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when a key is absent from the file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func (c *Config) Validate() error {
	if c.Webhook.Secret == "" {
		return fmt.Errorf("webhook.secret is required")
	}
	if c.Anomaly.TimeoutRatio <= 0 || c.Anomaly.TimeoutRatio > 1 {
		return fmt.Errorf("anomaly.timeout_ratio must be in (0, 1], got %v", c.Anomaly.TimeoutRatio)
	}
	if c.Business.CASRetries < 1 {
		return fmt.Errorf("business.cas_retries must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.name", "payrecon")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("kafka.topic.payment_events", "payment.events")
	v.SetDefault("provider.timeout", 10*time.Second)
	v.SetDefault("webhook.event_ttl", 24*time.Hour)
	v.SetDefault("auth.elevated_roles", []string{"admin"})
	v.SetDefault("anomaly.interval", time.Minute)
	v.SetDefault("anomaly.window", 5*time.Minute)
	v.SetDefault("anomaly.timeout_ratio", 0.2)
	v.SetDefault("anomaly.error_burst", 3)
	v.SetDefault("anomaly.fraud_ip_window", 24*time.Hour)
	v.SetDefault("anomaly.fraud_ip_threshold", 2)
	v.SetDefault("business.intent_expiry_minutes", 60)
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.cas_retries", 3)
}
