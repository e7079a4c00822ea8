package models

import (
	"log"

	"bitbucket.org/mmdatafocus/deals_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&User{},
		&Business{}, &BusinessNumberingLog{},
		&Budget{},
		&StageMapping{},
		&SyncLogEntry{},
		&SyncQueueItem{},
		&IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
