package config

import (
	"sync/atomic"

	"github.com/saiset-co/sai-datasync/types"
)

// Manager holds the loaded configuration and answers dotted-path lookups.
type Manager struct {
	configPath string
	loader     *Loader
	config     atomic.Pointer[types.ServiceConfig]
	parser     atomic.Pointer[Parser]
}

func NewManager(configPath string) (*Manager, error) {
	m := &Manager{
		configPath: configPath,
		loader:     NewLoader(),
	}

	if err := m.Load(); err != nil {
		return nil, types.WrapError(err, "failed to load initial configuration")
	}

	return m, nil
}

// NewStaticManager wraps an already built configuration.
func NewStaticManager(config *types.ServiceConfig) *Manager {
	m := &Manager{loader: NewLoader()}
	m.config.Store(config)
	m.parser.Store(NewParser(config))
	return m
}

func (m *Manager) Load() error {
	if m.configPath == "" {
		return types.ErrConfigNotFound
	}

	config, err := m.loader.LoadFromFile(m.configPath)
	if err != nil {
		return err
	}

	m.config.Store(config)
	m.parser.Store(NewParser(config))
	return nil
}

func (m *Manager) GetConfig() *types.ServiceConfig {
	return m.config.Load()
}

func (m *Manager) GetValue(path string, defaultValue interface{}) interface{} {
	parser := m.parser.Load()
	if parser == nil {
		return defaultValue
	}
	return parser.GetValue(path, defaultValue)
}

func (m *Manager) GetAs(path string, target interface{}) error {
	parser := m.parser.Load()
	if parser == nil {
		return types.ErrConfigIsNil
	}
	return parser.GetAs(path, target)
}
