package models

import (
	"time"

	"gorm.io/gorm"
)

// StreamSetting is the per-(client, symbol) delivery setting consumed by
// the live fan-out hub. StreamDeltaSeconds is the minimum interval between
// two deliveries to that client for that symbol; 0 means unthrottled.
type StreamSetting struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	ClientID           string    `gorm:"index:idx_client_symbol,unique;not null" json:"client_id"`
	Symbol             string    `gorm:"index:idx_client_symbol,unique;not null" json:"symbol"`
	StreamDeltaSeconds int       `json:"stream_delta_seconds"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// MigrateSettingsModels runs database migrations for stream settings.
func MigrateSettingsModels(db *gorm.DB) error {
	return db.AutoMigrate(&StreamSetting{})
}
