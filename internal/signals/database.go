package signals

import (
	"errors"
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

func (d *Database) Create(signal *types.Signal) error {
	return d.db.Create(signal).Error
}

func (d *Database) Get(signalID string) (*types.Signal, error) {
	var signal types.Signal
	if err := d.db.Where("signal_id = ?", signalID).First(&signal).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &signal, nil
}

func (d *Database) ListByStatus(status string) ([]types.Signal, error) {
	var list []types.Signal
	err := d.db.Where("status = ?", status).Order("created_at desc").Find(&list).Error
	return list, err
}

func (d *Database) ListRecent(limit int) ([]types.Signal, error) {
	var list []types.Signal
	err := d.db.Order("created_at desc").Limit(limit).Find(&list).Error
	return list, err
}

// Transition moves a signal from one status to another with a guarded
// update: the row is touched only if it is still in the expected source
// status at write time. Returns false when the signal already moved on,
// which callers treat as a no-op rather than an error. This is what makes
// every lifecycle transition at-most-once under interleaving sweeps and
// operator actions.
func (d *Database) Transition(signalID, from, to string, updates map[string]any) (bool, error) {
	if updates == nil {
		updates = map[string]any{}
	}
	updates["status"] = to
	updates["updated_at"] = time.Now()

	res := d.db.Model(&types.Signal{}).
		Where("signal_id = ? AND status = ?", signalID, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// PendingExpired returns PENDING signals whose expiry has passed.
func (d *Database) PendingExpired(now time.Time) ([]types.Signal, error) {
	var list []types.Signal
	err := d.db.Where("status = ? AND expires_at <= ?", types.StatusPending, now).Find(&list).Error
	return list, err
}
