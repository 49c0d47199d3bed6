package config

import "errors"

var (
	// ErrLoadConfig wraps failures reading a configuration source
	ErrLoadConfig = errors.New("failed to load config")
	// ErrInvalidConfig wraps parse and validation failures
	ErrInvalidConfig = errors.New("invalid config")
)
