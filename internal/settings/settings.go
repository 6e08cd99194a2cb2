package settings

import (
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Setting is a single runtime-tunable key/value pair. Values are stored as
// strings and parsed by the typed getters.
type Setting struct {
	gorm.Model
	Key   string `gorm:"uniqueIndex" json:"key"`
	Value string `json:"value"`
}

// Known setting keys.
const (
	KeyAutoTrade     = "auto_trade"
	KeyRiskPerTrade  = "risk_per_trade"
	KeyMaxPositions  = "max_positions"
	KeyMaxDailyLoss  = "max_daily_loss"
	KeySignalTimeout = "signal_timeout"
	KeyMaxDrawdown   = "max_drawdown"
)

var defaults = map[string]string{
	KeyAutoTrade:     "false",
	KeyRiskPerTrade:  "0.02",
	KeyMaxPositions:  "5",
	KeyMaxDailyLoss:  "0.03",
	KeySignalTimeout: "300",
	KeyMaxDrawdown:   "0.05",
}

// Store is a gorm-backed settings store with seeded defaults.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Seed inserts defaults for any key not already present. Existing values are
// never overwritten.
func (s *Store) Seed() error {
	for key, value := range defaults {
		var existing Setting
		err := s.db.Where("key = ?", key).First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := s.db.Create(&Setting{Key: key, Value: value}).Error; err != nil {
			return err
		}
	}
	return nil
}

// Set upserts a setting value.
func (s *Store) Set(key, value string) error {
	var existing Setting
	err := s.db.Where("key = ?", key).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.Create(&Setting{Key: key, Value: value}).Error
	}
	if err != nil {
		return err
	}
	existing.Value = value
	return s.db.Save(&existing).Error
}

func (s *Store) get(key string) string {
	var setting Setting
	if err := s.db.Where("key = ?", key).First(&setting).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Error().Err(err).Str("key", key).Msg("settings lookup failed, using default")
		}
		return defaults[key]
	}
	return setting.Value
}

// AutoTrade reports whether approved candidates execute without manual
// approval.
func (s *Store) AutoTrade() bool {
	v, err := strconv.ParseBool(s.get(KeyAutoTrade))
	if err != nil {
		return false
	}
	return v
}

// RiskPerTrade is the fraction of available capital risked per trade.
func (s *Store) RiskPerTrade() float64 {
	return s.getFloat(KeyRiskPerTrade)
}

// MaxPositions is the maximum number of concurrently open positions.
func (s *Store) MaxPositions() int {
	v, err := strconv.Atoi(s.get(KeyMaxPositions))
	if err != nil || v <= 0 {
		v, _ = strconv.Atoi(defaults[KeyMaxPositions])
	}
	return v
}

// MaxDailyLoss is the daily loss limit as a fraction of day-start equity.
func (s *Store) MaxDailyLoss() float64 {
	return s.getFloat(KeyMaxDailyLoss)
}

// MaxDrawdown is the peak-to-trough decline limit as a fraction of peak
// equity.
func (s *Store) MaxDrawdown() float64 {
	return s.getFloat(KeyMaxDrawdown)
}

// SignalTimeout is how long a PENDING signal stays actionable.
func (s *Store) SignalTimeout() time.Duration {
	seconds, err := strconv.Atoi(s.get(KeySignalTimeout))
	if err != nil || seconds <= 0 {
		seconds, _ = strconv.Atoi(defaults[KeySignalTimeout])
	}
	return time.Duration(seconds) * time.Second
}

func (s *Store) getFloat(key string) float64 {
	v, err := strconv.ParseFloat(s.get(key), 64)
	if err != nil || v <= 0 {
		v, _ = strconv.ParseFloat(defaults[key], 64)
	}
	return v
}
