package config

import "github.com/spf13/viper"

func setDefaults() {
	// Server
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 15)
	viper.SetDefault("server.writeTimeout", 15)

	// Node
	viper.SetDefault("node.name", "")

	// Store
	viper.SetDefault("store.dsn", "postgres://localhost:5432/sessions?sslmode=disable")
	viper.SetDefault("store.maxOpenConns", 20)
	viper.SetDefault("store.maxIdleConns", 5)
	viper.SetDefault("store.connectTimeout", 5)
	viper.SetDefault("store.connectRetries", 5)
	viper.SetDefault("store.migrateOnStart", false)

	// Auth
	viper.SetDefault("auth.enabled", false) // Default to off for security
	viper.SetDefault("auth.jwtSecret", "default-secret")
	viper.SetDefault("auth.tokenQueryParam", "token")
	viper.SetDefault("auth.revocationListKey", "jwt:revoked")

	// Redis
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.poolSize", 100)
	viper.SetDefault("redis.poolTimeout", 5)

	// Events
	viper.SetDefault("events.enabled", false)
	viper.SetDefault("events.kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("events.kafka.topic", "session-lifecycle")

	// Coordinator
	viper.SetDefault("coordinator.sweepInterval", 1000)
	viper.SetDefault("coordinator.pollInterval", 100)
	viper.SetDefault("coordinator.admitTimeout", 10)
	viper.SetDefault("coordinator.closeHookTimeout", 10)
	viper.SetDefault("coordinator.shutdownTimeout", 30)

	// Cache
	viper.SetDefault("cache.saveInterval", 0)
	viper.SetDefault("cache.workerCount", 4)

	// Metrics
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)
	viper.SetDefault("metrics.path", "/metrics")
}
