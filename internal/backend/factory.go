package backend

import (
	"fmt"

	"dlgate/internal/models"
)

// Factory creates backend adapters from configuration.
type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

// Create instantiates the adapter named by config.Type.
//   - sqlite: local binding, single-statement atomic primitives
//   - httpapi: remote query API with optimistic compare-and-set
//   - postgres: stored functions, one round trip per admission
func (f *Factory) Create(config models.BackendConfig) (Backend, error) {
	if err := f.ValidateConfig(config); err != nil {
		return nil, err
	}

	switch config.Type {
	case models.BackendTypeSQLite:
		return NewSQLiteBackend(config.SQLite)
	case models.BackendTypeHTTPAPI:
		return NewHTTPAPIBackend(config.HTTPAPI, config.MaxCASRetries, config.CallTimeout)
	case models.BackendTypePostgres:
		return NewPostgresBackend(config.Postgres)
	default:
		return nil, fmt.Errorf("%w: unsupported backend type: %s", ErrConfiguration, config.Type)
	}
}

// GetSupportedProviders lists every adapter Create understands.
func (f *Factory) GetSupportedProviders() []string {
	return []string{models.BackendTypeHTTPAPI, models.BackendTypePostgres, models.BackendTypeSQLite}
}

// ValidateConfig reports missing credentials as ErrConfiguration.
func (f *Factory) ValidateConfig(config models.BackendConfig) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return nil
}
