package logger

import (
	"sync"

	"github.com/saiset-co/sai-datasync/types"
)

var (
	customLoggerCreators   = make(map[string]types.LoggerCreator)
	customLoggerCreatorsMu sync.RWMutex
)

func RegisterLogger(loggerName string, creator types.LoggerCreator) {
	customLoggerCreatorsMu.Lock()
	defer customLoggerCreatorsMu.Unlock()

	customLoggerCreators[loggerName] = creator
}

// NewLogger builds the logger named by config.Type, "default" being zap.
func NewLogger(config *types.LoggerConfig) (types.Logger, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	loggerName := "default"
	if config.Type != "" {
		loggerName = config.Type
	}

	switch loggerName {
	case "default":
		return NewDefaultLogger(config)
	case "nop":
		return NewNop(), nil
	}

	customLoggerCreatorsMu.RLock()
	creator, exists := customLoggerCreators[loggerName]
	customLoggerCreatorsMu.RUnlock()

	if !exists {
		return nil, types.Errorf(types.ErrLoggerTypeUnknown, "logger type: %s", loggerName)
	}

	return creator(config.Config)
}
