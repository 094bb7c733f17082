package services

import (
	"context"
	"errors"
	"fmt"
	"log"

	"gorm.io/gorm"

	"marketdata_engine/models"
)

// SymbolRegistry answers "which symbols does the engine maintain right
// now". Backed by the relational tracked_symbols table when a database
// is configured; otherwise the configured symbol list is the fixed set.
type SymbolRegistry struct {
	db       *gorm.DB
	fallback []string
}

func NewSymbolRegistry(db *gorm.DB, fallback []string) *SymbolRegistry {
	return &SymbolRegistry{db: db, fallback: fallback}
}

// Seed inserts the configured symbols that are not yet registered,
// leaving existing rows (including disabled ones) untouched.
func (r *SymbolRegistry) Seed(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	for _, symbol := range r.fallback {
		var existing models.TrackedSymbol
		err := r.db.WithContext(ctx).Where("symbol = ?", symbol).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row := models.TrackedSymbol{Symbol: symbol, Status: "active"}
			if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
				return fmt.Errorf("failed to seed symbol %s: %w", symbol, err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to check symbol %s: %w", symbol, err)
		}
	}
	log.Printf("Symbol registry seeded (%d configured symbols)", len(r.fallback))
	return nil
}

// ActiveSymbols returns the symbols currently enabled. A registry read
// failure falls back to the configured list so one bad control-plane
// query does not stall data-plane cycles.
func (r *SymbolRegistry) ActiveSymbols(ctx context.Context) []string {
	if r.db == nil {
		return r.fallback
	}

	var rows []models.TrackedSymbol
	if err := r.db.WithContext(ctx).Where("status = ?", "active").Find(&rows).Error; err != nil {
		log.Printf("Error loading tracked symbols, using configured list: %v", err)
		return r.fallback
	}

	symbols := make([]string, 0, len(rows))
	for _, row := range rows {
		symbols = append(symbols, row.Symbol)
	}
	return symbols
}
