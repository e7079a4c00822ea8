package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrMappingMissing is a hard, user-visible configuration error. Callers must
// fail the sync operation; silently skipping or defaulting a stage is forbidden.
var ErrMappingMissing = errors.New("no stage mapping configured for state")

// StageMapping binds a canonical business state to the external CRM pipeline and
// stage identifiers. Mappings are global per user/tenant, not per business.
type StageMapping struct {
	ID                 int           `gorm:"primary_key" json:"id"`
	UserId             int           `gorm:"uniqueIndex:idx_stage_mapping,priority:1;not null" json:"user_id"`
	State              BusinessState `gorm:"uniqueIndex:idx_stage_mapping,priority:2;type:enum('opportunity_created','quote_sent','partially_accepted','business_accepted','business_closed','business_lost');not null" json:"state"`
	ExternalPipelineId string        `gorm:"size:128;not null" json:"external_pipeline_id"`
	ExternalStageId    string        `gorm:"size:128;not null" json:"external_stage_id"`
	CreatedAt          time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewStageMapping struct {
	State              BusinessState `json:"state" binding:"required"`
	ExternalPipelineId string        `json:"external_pipeline_id" binding:"required"`
	ExternalStageId    string        `json:"external_stage_id" binding:"required"`
}

func GetStageMappingForState(tx *gorm.DB, userId int, state BusinessState) (*StageMapping, error) {
	var mapping StageMapping
	err := tx.Where("user_id = ? AND state = ?", userId, state).Take(&mapping).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMappingMissing
		}
		return nil, err
	}
	return &mapping, nil
}

// GetStateForExternalStage is the reverse lookup used by adopt-external
// resolution. A stage with no mapping is the same hard stop as the forward case.
func GetStateForExternalStage(tx *gorm.DB, userId int, externalStageId string) (BusinessState, error) {
	var mapping StageMapping
	err := tx.Where("user_id = ? AND external_stage_id = ?", userId, externalStageId).Take(&mapping).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrMappingMissing
		}
		return "", err
	}
	return mapping.State, nil
}

func GetStageMappings(tx *gorm.DB, userId int) ([]StageMapping, error) {
	var mappings []StageMapping
	err := tx.Where("user_id = ?", userId).Order("id ASC").Find(&mappings).Error
	return mappings, err
}

func UpsertStageMapping(tx *gorm.DB, userId int, input *NewStageMapping) (*StageMapping, error) {
	var existing StageMapping
	err := tx.Where("user_id = ? AND state = ?", userId, input.State).Take(&existing).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if err == nil {
		if err := tx.Model(&existing).Updates(map[string]interface{}{
			"external_pipeline_id": input.ExternalPipelineId,
			"external_stage_id":    input.ExternalStageId,
		}).Error; err != nil {
			return nil, err
		}
		return &existing, nil
	}

	mapping := StageMapping{
		UserId:             userId,
		State:              input.State,
		ExternalPipelineId: input.ExternalPipelineId,
		ExternalStageId:    input.ExternalStageId,
	}
	if err := tx.Create(&mapping).Error; err != nil {
		return nil, err
	}
	return &mapping, nil
}
