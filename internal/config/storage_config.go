package config

type Storage struct{}

var _ StorageConfig = Storage{}

// GetDatabaseURL returns a postgres:// or sqlite:// DSN. Empty selects in-memory storage.
func (Storage) GetDatabaseURL() string {
	return GetEnv("DATABASE_URL", "")
}
