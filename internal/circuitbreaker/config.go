package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// BreakerConfig represents tunable thresholds for one breaker.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
}

// GetDatabaseConfig returns the store-backend breaker configuration from
// environment variables.
func GetDatabaseConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      getEnvUint32("CB_DB_MAX_REQUESTS", 3),
		Interval:         getEnvDuration("CB_DB_INTERVAL", 60*time.Second),
		Timeout:          getEnvDuration("CB_DB_TIMEOUT", 30*time.Second),
		FailureThreshold: getEnvUint32("CB_DB_FAILURE_THRESHOLD", 5),
		SuccessThreshold: getEnvUint32("CB_DB_SUCCESS_THRESHOLD", 2),
	}
}

// GetRedisConfig returns the Redis breaker configuration from environment
// variables.
func GetRedisConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      getEnvUint32("CB_REDIS_MAX_REQUESTS", 5),
		Interval:         getEnvDuration("CB_REDIS_INTERVAL", 30*time.Second),
		Timeout:          getEnvDuration("CB_REDIS_TIMEOUT", 15*time.Second),
		FailureThreshold: getEnvUint32("CB_REDIS_FAILURE_THRESHOLD", 3),
		SuccessThreshold: getEnvUint32("CB_REDIS_SUCCESS_THRESHOLD", 2),
	}
}

// ToConfig converts BreakerConfig to a circuit breaker Config.
func (bc BreakerConfig) ToConfig() Config {
	return Config{
		MaxRequests:      bc.MaxRequests,
		Interval:         bc.Interval,
		Timeout:          bc.Timeout,
		FailureThreshold: bc.FailureThreshold,
		SuccessThreshold: bc.SuccessThreshold,
	}
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
