package store

import (
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the sqlite database at path and migrates the schema.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates all engine tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Subscriber{},
		&Plan{},
		&Subscription{},
		&Payment{},
		&Voucher{},
		&RadCheck{},
		&RadReply{},
		&AccessSession{},
	)
}

// SeedPlans inserts a starter catalog when the plans table is empty. Existing
// catalogs are never touched.
func SeedPlans(db *gorm.DB) error {
	var count int64
	if err := db.Model(&Plan{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return db.Create(&[]Plan{
		{Name: "Dakika 30", DurationUnit: "MINUTE", DurationValue: 30, PriceKES: 10, RateLimit: "5M/5M"},
		{Name: "Saa Mbili", DurationUnit: "HOUR", DurationValue: 2, PriceKES: 30, RateLimit: "10M/10M"},
		{Name: "Siku Nzima", DurationUnit: "DAY", DurationValue: 1, PriceKES: 80, RateLimit: "10M/10M"},
		{Name: "Wiki Moja", DurationUnit: "WEEK", DurationValue: 1, PriceKES: 350, RateLimit: "15M/15M"},
		{Name: "Mwezi Mzima", DurationUnit: "MONTH", DurationValue: 1, PriceKES: 1200, RateLimit: "20M/20M"},
	}).Error
}

// Duration converts the plan's unit/value pair into a concrete duration.
// MONTH is a billing month of 30 days, matching what subscribers are sold.
func (p *Plan) Duration() time.Duration {
	unit := map[string]time.Duration{
		"MINUTE": time.Minute,
		"HOUR":   time.Hour,
		"DAY":    24 * time.Hour,
		"WEEK":   7 * 24 * time.Hour,
		"MONTH":  30 * 24 * time.Hour,
	}[p.DurationUnit]
	if unit == 0 {
		unit = time.Hour
	}
	return unit * time.Duration(p.DurationValue)
}

// SessionTimeoutSeconds returns the Session-Timeout reply value for short
// plans. Day-and-longer plans rely on the expiry sweep instead of a hard
// session cutoff.
func (p *Plan) SessionTimeoutSeconds() int {
	switch p.DurationUnit {
	case "MINUTE":
		return p.DurationValue * 60
	case "HOUR":
		return p.DurationValue * 3600
	default:
		return 0
	}
}
