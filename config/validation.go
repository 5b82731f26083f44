package config

import (
	"errors"

	"github.com/spf13/viper"
)

func (c *AppConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}

	if c.Node.Name == "" {
		return errors.New("node.name must be set; it must match a provisioned row in the nodes table")
	}

	if c.Store.DSN == "" {
		return errors.New("store.dsn must be set")
	}
	if c.Store.MaxOpenConns < 1 {
		return errors.New("store.maxOpenConns must be positive")
	}

	// Validate auth config
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "default-secret" {
			return errors.New("auth.jwtSecret must be set to a strong secret when auth is enabled")
		}
		if c.Auth.TokenQueryParam == "" {
			return errors.New("auth.tokenQueryParam must be configured when auth is enabled")
		}
		if c.Redis.Address == "" {
			return errors.New("redis.address must be set for the revocation list when auth is enabled")
		}
	}

	if c.Events.Enabled {
		if len(c.Events.Kafka.Brokers) == 0 {
			return errors.New("events.kafka.brokers must be specified when events are enabled")
		}
		if c.Events.Kafka.Topic == "" {
			return errors.New("events.kafka.topic must be specified when events are enabled")
		}
	}

	if c.Coordinator.SweepInterval < 1 {
		return errors.New("coordinator.sweepInterval must be at least 1ms")
	}
	if c.Coordinator.PollInterval < 1 {
		return errors.New("coordinator.pollInterval must be at least 1ms")
	}
	if c.Coordinator.AdmitTimeout < 1 {
		return errors.New("coordinator.admitTimeout must be at least 1 second")
	}
	if c.Coordinator.AdmitTimeout >= c.Server.WriteTimeout {
		return errors.New("coordinator.admitTimeout must be below server.writeTimeout so denials reach the client")
	}
	if c.Coordinator.CloseHookTimeout < 1 {
		return errors.New("coordinator.closeHookTimeout must be at least 1 second")
	}
	if c.Coordinator.ShutdownTimeout < 1 {
		return errors.New("coordinator.shutdownTimeout must be at least 1 second")
	}

	if c.Cache.WorkerCount < 1 {
		return errors.New("cache.workerCount must be positive")
	}
	if c.Cache.SaveInterval < 0 {
		return errors.New("cache.saveInterval must not be negative")
	}

	return nil
}

func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "SESSIOND_PORT")

	// Node
	viper.BindEnv("node.name", "SESSIOND_NODE_NAME")

	// Store
	viper.BindEnv("store.dsn", "SESSIOND_STORE_DSN")
	viper.BindEnv("store.migrateOnStart", "SESSIOND_STORE_MIGRATE")

	// Auth
	viper.BindEnv("auth.enabled", "SESSIOND_AUTH_ENABLED")
	viper.BindEnv("auth.jwtSecret", "SESSIOND_AUTH_JWT_SECRET")
	viper.BindEnv("auth.tokenQueryParam", "SESSIOND_AUTH_TOKEN_PARAM")
	viper.BindEnv("auth.revocationListKey", "SESSIOND_AUTH_REVOCATION_KEY")

	// Redis
	viper.BindEnv("redis.address", "SESSIOND_REDIS_ADDRESS")
	viper.BindEnv("redis.password", "SESSIOND_REDIS_PASSWORD")

	// Events
	viper.BindEnv("events.enabled", "SESSIOND_EVENTS_ENABLED")
	viper.BindEnv("events.kafka.brokers", "SESSIOND_KAFKA_BROKERS")
	viper.BindEnv("events.kafka.topic", "SESSIOND_KAFKA_TOPIC")

	// Coordinator
	viper.BindEnv("coordinator.sweepInterval", "SESSIOND_SWEEP_INTERVAL")
	viper.BindEnv("coordinator.pollInterval", "SESSIOND_POLL_INTERVAL")
	viper.BindEnv("coordinator.admitTimeout", "SESSIOND_ADMIT_TIMEOUT")
	viper.BindEnv("coordinator.closeHookTimeout", "SESSIOND_CLOSE_HOOK_TIMEOUT")
	viper.BindEnv("coordinator.shutdownTimeout", "SESSIOND_SHUTDOWN_TIMEOUT")
}
