package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/deals_backend/config"
	"bitbucket.org/mmdatafocus/deals_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var ErrBudgetInvoiced = errors.New("budget is invoiced and cannot be modified")

type Budget struct {
	ID         int             `gorm:"primary_key" json:"id"`
	BusinessId int             `gorm:"index;not null" json:"business_id"`
	State      BudgetState     `gorm:"type:enum('draft','published','approved','rejected','expired','cancelled');default:'draft';not null;index" json:"state"`
	Invoiced   *bool           `gorm:"default:false;not null" json:"invoiced"`
	Total      decimal.Decimal `gorm:"type:decimal(20,4);default:0;not null" json:"total"`

	SentAt     *time.Time `json:"sent_at"`
	ApprovedAt *time.Time `json:"approved_at"`
	RejectedAt *time.Time `json:"rejected_at"`
	ExpiredAt  *time.Time `json:"expired_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewBudget struct {
	BusinessId int             `json:"business_id" binding:"required"`
	Total      decimal.Decimal `json:"total"`
}

func (b *Budget) IsInvoiced() bool {
	return b.Invoiced != nil && *b.Invoiced
}

func CreateBudget(ctx context.Context, input *NewBudget) (*Budget, error) {
	db := config.GetDB().WithContext(ctx)

	if _, err := GetBusinessById(ctx, input.BusinessId); err != nil {
		return nil, err
	}

	budget := Budget{
		BusinessId: input.BusinessId,
		State:      BudgetStateDraft,
		Total:      input.Total,
	}
	if err := db.Create(&budget).Error; err != nil {
		return nil, err
	}
	return &budget, nil
}

// UpdateBudgetState performs a budget lifecycle transition and stamps the
// matching timestamp. Invoiced budgets are immutable except for administrative
// correction (admin flag in context).
func UpdateBudgetState(ctx context.Context, budgetId int, newState BudgetState) (*Budget, error) {
	db := config.GetDB().WithContext(ctx)

	var budget Budget
	if err := db.Where("id = ?", budgetId).Take(&budget).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}

	if budget.IsInvoiced() {
		if isAdmin, _ := utils.GetIsAdminFromContext(ctx); !isAdmin {
			return nil, ErrBudgetInvoiced
		}
	}
	if budget.State == newState {
		return &budget, nil
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{"state": newState}
	switch newState {
	case BudgetStatePublished:
		updates["sent_at"] = &now
	case BudgetStateApproved:
		updates["approved_at"] = &now
	case BudgetStateRejected:
		updates["rejected_at"] = &now
	case BudgetStateExpired:
		updates["expired_at"] = &now
	}

	if err := db.Model(&budget).Updates(updates).Error; err != nil {
		return nil, err
	}
	return &budget, nil
}

func MarkBudgetInvoiced(ctx context.Context, budgetId int) (*Budget, error) {
	db := config.GetDB().WithContext(ctx)

	var budget Budget
	if err := db.Where("id = ?", budgetId).Take(&budget).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if budget.State != BudgetStateApproved {
		return nil, errors.New("only approved budgets can be invoiced")
	}
	if budget.IsInvoiced() {
		return &budget, nil
	}
	if err := db.Model(&budget).Update("invoiced", true).Error; err != nil {
		return nil, err
	}
	return &budget, nil
}

func DeleteBudget(ctx context.Context, budgetId int) error {
	db := config.GetDB().WithContext(ctx)

	var budget Budget
	if err := db.Where("id = ?", budgetId).Take(&budget).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorRecordNotFound
		}
		return err
	}
	if budget.IsInvoiced() {
		if isAdmin, _ := utils.GetIsAdminFromContext(ctx); !isAdmin {
			return ErrBudgetInvoiced
		}
	}
	return db.Delete(&budget).Error
}

func GetBudgetsForBusiness(tx *gorm.DB, businessId int) ([]Budget, error) {
	var budgets []Budget
	err := tx.Where("business_id = ?", businessId).Order("id ASC").Find(&budgets).Error
	return budgets, err
}
