package queue

import "time"

// Config holds the configuration for the task queue engine
type Config struct {
	Workers         int           `env:"QUEUE_WORKERS" envDefault:"4"`
	PollInterval    time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"5s"`
	LockTimeout     time.Duration `env:"QUEUE_LOCK_TIMEOUT" envDefault:"5m"`
	ExecTimeout     time.Duration `env:"QUEUE_EXEC_TIMEOUT" envDefault:"5m"`
	ReclaimInterval time.Duration `env:"QUEUE_RECLAIM_INTERVAL" envDefault:"30s"`
	RetryBaseDelay  time.Duration `env:"QUEUE_RETRY_BASE_DELAY" envDefault:"1s"`
	RetryMaxDelay   time.Duration `env:"QUEUE_RETRY_MAX_DELAY" envDefault:"5m"`
	MaxAttempts     int           `env:"QUEUE_MAX_ATTEMPTS" envDefault:"3"`
}
