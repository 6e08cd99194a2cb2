package risk

import (
	"encoding/json"
	"time"

	"github.com/ksred/trade-engine/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// RecordEvent appends a risk event to the audit log. The context map is
// stored as JSON. Append-only: rows are never updated except by Resolve.
func (d *Database) RecordEvent(eventType, severity, message string, context map[string]any) error {
	event := &types.RiskEvent{
		EventType: eventType,
		Severity:  severity,
		Message:   message,
		CreatedAt: time.Now(),
	}
	if len(context) > 0 {
		b, err := json.Marshal(context)
		if err != nil {
			return err
		}
		event.Context = string(b)
	}
	return d.db.Create(event).Error
}

// ListUnresolved returns open risk events, newest first.
func (d *Database) ListUnresolved() ([]types.RiskEvent, error) {
	var events []types.RiskEvent
	err := d.db.Where("resolved = ?", false).Order("created_at desc").Find(&events).Error
	return events, err
}

// Resolve flips the resolved flag on an event. The only permitted mutation.
func (d *Database) Resolve(id uint) error {
	now := time.Now()
	return d.db.Model(&types.RiskEvent{}).
		Where("id = ? AND resolved = ?", id, false).
		Updates(map[string]any{"resolved": true, "resolved_at": &now}).Error
}
