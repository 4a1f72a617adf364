package tracelog

import "errors"

var (
	ErrInvalidConfig  = errors.New("invalid config")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotFound       = errors.New("not found")
	ErrBusClosed      = errors.New("bus closed")
	ErrStoreClosed    = errors.New("store closed")
	ErrNotImplemented = errors.New("not implemented")
)

type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "invalid config: " + e.Message
	}
	return "invalid config: " + e.Field + ": " + e.Message
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}
