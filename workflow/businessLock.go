package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireBusinessSyncLock serializes external sync per business across instances
// using MySQL advisory locks: at most one in-flight external mutation per
// business id.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same
// *gorm.DB that will run the sync transaction.
func AcquireBusinessSyncLock(tx *gorm.DB, businessId int) error {
	lockName := fmt.Sprintf("crmsync:%d", businessId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire sync lock for business_id=%d", businessId)
	}
	return nil
}

func ReleaseBusinessSyncLock(tx *gorm.DB, businessId int) {
	lockName := fmt.Sprintf("crmsync:%d", businessId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
