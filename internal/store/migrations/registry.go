package migrations

var registeredMigrations []*Migration

// RegisterMigration registers a migration to be picked up by NewMigrator.
func RegisterMigration(m *Migration) {
	registeredMigrations = append(registeredMigrations, m)
}

// GetRegisteredMigrations returns all registered migrations.
func GetRegisteredMigrations() []*Migration {
	return registeredMigrations
}
