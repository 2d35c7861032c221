package config

import (
	"errors"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	// ErrParse is returned when environment variables cannot be parsed into
	// the config struct.
	ErrParse = errors.New("failed to parse environment variables into config")

	// ErrNilPointer is returned when a nil pointer is passed to Load.
	ErrNilPointer = errors.New("nil pointer provided to config loader")
)

var dotenvOnce sync.Once

// Load populates the struct from environment variables using `env` field
// tags. A .env file in the working directory, if present, is loaded into the
// process environment once per run before the first parse.
//
// Example:
//
//	type QueueConfig struct {
//	    Workers      int           `env:"QUEUE_WORKERS" envDefault:"4"`
//	    PollInterval time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"5s"`
//	}
//
//	var cfg QueueConfig
//	if err := config.Load(&cfg); err != nil {
//	    // handle error
//	}
func Load[T any](cfg *T) error {
	if cfg == nil {
		return ErrNilPointer
	}

	dotenvOnce.Do(func() {
		// Missing .env is fine; real environments set variables directly.
		_ = godotenv.Load()
	})

	if err := env.Parse(cfg); err != nil {
		return errors.Join(ErrParse, err)
	}
	return nil
}

// MustLoad returns the parsed config by value and panics on failure. Meant
// for startup paths where a missing required variable should stop the
// process.
func MustLoad[T any]() T {
	var cfg T
	if err := Load(&cfg); err != nil {
		panic(err)
	}
	return cfg
}
