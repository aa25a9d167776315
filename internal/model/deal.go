package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Deal is the record type this service keeps in sync with the external
// system. It stands in for any transactional record whose mutations must
// be forwarded.
type Deal struct {
	ID        string          `gorm:"primaryKey;size:36"`
	Name      string          `gorm:"size:128;not null"`
	Stage     string          `gorm:"size:32;not null"`
	Owner     string          `gorm:"size:64;not null"`
	Amount    decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Notes     string          `gorm:"size:1024"`
	CreatedBy string          `gorm:"size:64"`
	Version   uint64          `gorm:"not null;default:0"`
	CreatedAt time.Time       `gorm:"autoCreateTime"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime"`
}

func (Deal) TableName() string { return "deal" }

// BeforeCreate assigns the id so callers never pick one.
func (d *Deal) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return nil
}
