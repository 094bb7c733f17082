package models

import (
	"time"

	"gorm.io/gorm"
)

// TrackedSymbol is one symbol the engine maintains series for. Symbols
// can be disabled without a restart by flipping Status.
type TrackedSymbol struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Symbol    string    `gorm:"uniqueIndex;not null" json:"symbol"`
	Status    string    `json:"status"` // active, disabled
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MigrateMarketModels runs database migrations for the symbol registry.
func MigrateMarketModels(db *gorm.DB) error {
	return db.AutoMigrate(&TrackedSymbol{})
}
