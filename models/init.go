package models

import "gorm.io/gorm"

// Migrate runs the schema migration for every entity the engine owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Lead{},
		&Unsubscribe{},
		&Bounce{},
		&Sequence{},
		&SequenceStep{},
		&Enrollment{},
		&Job{},
		&WarmupAccount{},
		&WarmupActivity{},
	)
}
