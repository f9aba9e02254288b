package inmem

import "time"

const (
	DefaultMaxBatchSize  = 10000
	DefaultMaxBatchAge   = 3 * time.Second
	DefaultSweepInterval = 10 * time.Second
)

// Config for Flusher
type Config struct {
	MaxBatchSize  int           // rows; reaching it makes ingress flush synchronously
	MaxBatchAge   time.Duration // sweep flushes batches at least this old
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.MaxBatchAge <= 0 {
		c.MaxBatchAge = DefaultMaxBatchAge
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}
