package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	BackendRedis   = "redis"
	BackendLevelDB = "leveldb"
)

type Config struct {
	TCPPort     string
	MetricsPort string
	LogLevel    string

	StoreBackend    string
	RedisAddr       string
	RedisDB         int
	RawStreamMaxLen int64
	LevelDBPath     string

	GRPCServer string
	GRPCMethod string
	MQTTBroker string
	MQTTTopic  string
	ProxyAddr  string

	ReadBuffer  int
	IdleTimeout time.Duration
	VerifyCRC   bool
}

func Default() Config {
	return Config{
		TCPPort:         "8001",
		MetricsPort:     "9000",
		LogLevel:        "info",
		StoreBackend:    BackendRedis,
		RedisAddr:       "localhost:6379",
		RawStreamMaxLen: 100000,
		LevelDBPath:     "data/avl.ldb",
		GRPCMethod:      "/forwarder.Forwarder/SendData",
		MQTTTopic:       "avl/tracking",
		ReadBuffer:      2048,
		IdleTimeout:     10 * time.Minute,
	}
}

// fileConfig es el formato TOML. Solo se aplican las claves presentes.
type fileConfig struct {
	TCPPort         string `toml:"tcp_port"`
	MetricsPort     string `toml:"metrics_port"`
	LogLevel        string `toml:"log_level"`
	StoreBackend    string `toml:"store_backend"`
	RedisAddr       string `toml:"redis_addr"`
	RedisDB         int    `toml:"redis_db"`
	RawStreamMaxLen int64  `toml:"raw_stream_max_len"`
	LevelDBPath     string `toml:"leveldb_path"`
	GRPCServer      string `toml:"grpc_server"`
	GRPCMethod      string `toml:"grpc_method"`
	MQTTBroker      string `toml:"mqtt_broker"`
	MQTTTopic       string `toml:"mqtt_topic"`
	ProxyAddr       string `toml:"proxy_addr"`
	ReadBuffer      int    `toml:"read_buffer"`
	IdleTimeout     string `toml:"idle_timeout"`
	VerifyCRC       bool   `toml:"verify_crc"`
}

// Load arma la config: defaults, archivo TOML (si path != "") y variables de entorno.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config %s: unknown key %q", path, undecoded[0].String())
	}

	setString := func(key string, dst *string, v string) {
		if meta.IsDefined(key) {
			*dst = strings.TrimSpace(v)
		}
	}
	setString("tcp_port", &cfg.TCPPort, raw.TCPPort)
	setString("metrics_port", &cfg.MetricsPort, raw.MetricsPort)
	setString("log_level", &cfg.LogLevel, raw.LogLevel)
	setString("store_backend", &cfg.StoreBackend, raw.StoreBackend)
	setString("redis_addr", &cfg.RedisAddr, raw.RedisAddr)
	setString("leveldb_path", &cfg.LevelDBPath, raw.LevelDBPath)
	setString("grpc_server", &cfg.GRPCServer, raw.GRPCServer)
	setString("grpc_method", &cfg.GRPCMethod, raw.GRPCMethod)
	setString("mqtt_broker", &cfg.MQTTBroker, raw.MQTTBroker)
	setString("mqtt_topic", &cfg.MQTTTopic, raw.MQTTTopic)
	setString("proxy_addr", &cfg.ProxyAddr, raw.ProxyAddr)

	if meta.IsDefined("redis_db") {
		cfg.RedisDB = raw.RedisDB
	}
	if meta.IsDefined("raw_stream_max_len") {
		cfg.RawStreamMaxLen = raw.RawStreamMaxLen
	}
	if meta.IsDefined("read_buffer") {
		cfg.ReadBuffer = raw.ReadBuffer
	}
	if meta.IsDefined("verify_crc") {
		cfg.VerifyCRC = raw.VerifyCRC
	}
	if meta.IsDefined("idle_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.IdleTimeout))
		if err != nil {
			return fmt.Errorf("parse idle_timeout: %w", err)
		}
		cfg.IdleTimeout = d
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.TCPPort = getEnv("TCP_PORT", cfg.TCPPort)
	cfg.MetricsPort = getEnv("METRICS_PORT", cfg.MetricsPort)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.StoreBackend = getEnv("STORE_BACKEND", cfg.StoreBackend)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.LevelDBPath = getEnv("LEVELDB_PATH", cfg.LevelDBPath)
	cfg.GRPCServer = getEnv("GRPC_SERVER", cfg.GRPCServer)
	cfg.GRPCMethod = getEnv("GRPC_METHOD", cfg.GRPCMethod)
	cfg.MQTTBroker = getEnv("MQTT_BROKER", cfg.MQTTBroker)
	cfg.MQTTTopic = getEnv("MQTT_TOPIC", cfg.MQTTTopic)
	cfg.ProxyAddr = getEnv("PROXY_ADDR", cfg.ProxyAddr)

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", cfg.RedisDB); err != nil {
		return err
	}
	if cfg.ReadBuffer, err = getEnvInt("READ_BUFFER", cfg.ReadBuffer); err != nil {
		return err
	}
	if cfg.VerifyCRC, err = getEnvBool("VERIFY_CRC", cfg.VerifyCRC); err != nil {
		return err
	}
	if v := os.Getenv("IDLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("IDLE_TIMEOUT: %w", err)
		}
		cfg.IdleTimeout = d
	}
	return nil
}

func (c Config) Validate() error {
	switch c.StoreBackend {
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis backend needs REDIS_ADDR")
		}
	case BackendLevelDB:
		if c.LevelDBPath == "" {
			return fmt.Errorf("leveldb backend needs LEVELDB_PATH")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if c.TCPPort == "" {
		return fmt.Errorf("TCP_PORT is empty")
	}
	if c.ReadBuffer <= 0 {
		return fmt.Errorf("read buffer must be positive, got %d", c.ReadBuffer)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout must not be negative, got %s", c.IdleTimeout)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
