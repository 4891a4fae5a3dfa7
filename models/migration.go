package models

import (
	"bitbucket.org/mmdatafocus/distro_backend/config"
)

// MigrateTable auto-migrates the engine's schema. Order matters for foreign keys.
func MigrateTable() {
	db := config.GetDB()
	err := db.AutoMigrate(
		&Account{},
		&Product{},
		&Order{},
		&OrderItem{},
		&Payment{},
		&LedgerEntry{},
		&InventoryMovement{},
		&IdempotencyRecord{},
		&AuditEntry{},
		&OutboxRecord{},
	)
	if err != nil {
		panic(err)
	}
}
