package flasher

import (
	"github.com/bigbag/k210-flasher/internal/board"
	"github.com/bigbag/k210-flasher/internal/protocol"
)

// Logger is an optional logging hook. It keeps the engine free of any
// logging framework; adapters are one-liners.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Config holds the engine configuration.
type Config struct {
	// Logger receives engine diagnostics (optional).
	Logger Logger

	// RetryLimit caps how many times a single chunk is sent while the
	// responses are bad, the first send included.
	RetryLimit int

	// Chip selects the flash controller for FLASH_INIT.
	Chip uint32

	// Board pins the variant, skipping detection probes.
	Board board.Variant
}

func defaultConfig() Config {
	return Config{
		RetryLimit: 16,
		Chip:       protocol.SPIFlashChip,
	}
}

// Option is a functional option for configuring the Engine.
type Option func(*Config)

// WithLogger sets a logger for engine diagnostics.
func WithLogger(logger Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithRetryLimit caps per-chunk send attempts. Values below 1 are ignored.
func WithRetryLimit(limit int) Option {
	return func(c *Config) {
		if limit >= 1 {
			c.RetryLimit = limit
		}
	}
}

// WithChip selects the flash controller index. 1 is the in-package SPI
// flash.
func WithChip(chip uint32) Option {
	return func(c *Config) {
		c.Chip = chip
	}
}

// WithBoard pins the board variant so DetectBoard skips probing.
func WithBoard(v board.Variant) Option {
	return func(c *Config) {
		c.Board = v
	}
}
