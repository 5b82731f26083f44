package config

import (
	"fmt"
	"sync"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Server      ServerConfig
	Node        NodeConfig
	Store       StoreConfig
	Redis       RedisConfig
	Auth        AuthConfig
	Events      EventsConfig
	Coordinator CoordinatorConfig
	Cache       CacheConfig
	Metrics     MetricsConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  int // Seconds
	WriteTimeout int // Seconds
}

// NodeConfig identifies this process within the fleet. The name must resolve
// to a pre-provisioned row in the nodes table or startup fails.
type NodeConfig struct {
	Name string
}

type StoreConfig struct {
	DSN            string
	MaxOpenConns   int
	MaxIdleConns   int
	ConnectTimeout int // Seconds
	ConnectRetries int
	MigrateOnStart bool
}

type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	PoolSize    int
	PoolTimeout int // Seconds
}

type AuthConfig struct {
	Enabled           bool
	JWTSecret         string
	TokenQueryParam   string
	RevocationListKey string
}

type EventsConfig struct {
	Enabled bool
	Kafka   KafkaConfig
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type CoordinatorConfig struct {
	SweepInterval    int // Milliseconds between reconciliation passes
	PollInterval     int // Milliseconds between cross-node closing checks
	AdmitTimeout     int // Seconds bounding one admission, poll included
	CloseHookTimeout int // Seconds to wait on dependency close completions
	ShutdownTimeout  int // Seconds to wait for the sweep to quiesce on stop
}

type CacheConfig struct {
	SaveInterval int // Seconds between periodic save sweeps; 0 disables
	WorkerCount  int
}

type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

var (
	instance *AppConfig
	once     sync.Once
)

// Initialize loads configuration exactly once for the process lifetime.
// Subsequent calls return the first result; reloading a running node in
// place is not supported and the once guard enforces that.
func Initialize(env string) error {
	var initErr error
	once.Do(func() {
		viper.SetConfigName(fmt.Sprintf("config.%s", env))
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")

		viper.AutomaticEnv()
		viper.SetEnvPrefix("SESSIOND")

		setDefaults()
		bindEnvVars()

		if err := viper.ReadInConfig(); err != nil {
			initErr = fmt.Errorf("config file error: %w", err)
			return
		}

		if err := viper.Unmarshal(&instance); err != nil {
			initErr = fmt.Errorf("config unmarshal error: %w", err)
			return
		}

		if err := instance.Validate(); err != nil {
			initErr = fmt.Errorf("config validation failed: %w", err)
			return
		}
	})
	return initErr
}

func Get() *AppConfig {
	return instance
}
