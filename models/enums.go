package models

// BusinessState is the canonical lifecycle stage of a Business. It is always
// re-derivable from the current budget set; a stored value that disagrees with
// the derivation is an inconsistency by definition.
type BusinessState string

const (
	BusinessStateOpportunityCreated BusinessState = "opportunity_created"
	BusinessStateQuoteSent          BusinessState = "quote_sent"
	BusinessStatePartiallyAccepted  BusinessState = "partially_accepted"
	BusinessStateAccepted           BusinessState = "business_accepted"
	BusinessStateClosed             BusinessState = "business_closed"
	BusinessStateLost               BusinessState = "business_lost"
)

type BudgetState string

const (
	BudgetStateDraft     BudgetState = "draft"
	BudgetStatePublished BudgetState = "published"
	BudgetStateApproved  BudgetState = "approved"
	BudgetStateRejected  BudgetState = "rejected"
	BudgetStateExpired   BudgetState = "expired"
	BudgetStateCancelled BudgetState = "cancelled"
)

type SyncOperationType string

const (
	SyncOperationState  SyncOperationType = "STATE"
	SyncOperationAmount SyncOperationType = "AMOUNT"
)

type SyncDirection string

const (
	SyncDirectionOut    SyncDirection = "OUT"    // local -> external
	SyncDirectionIn     SyncDirection = "IN"     // external -> local
	SyncDirectionDetect SyncDirection = "DETECT" // internal detection, no external call
)

type SyncQueueStatus string

const (
	SyncQueueStatusPending    SyncQueueStatus = "PENDING"
	SyncQueueStatusProcessing SyncQueueStatus = "PROCESSING"
	SyncQueueStatusSuccess    SyncQueueStatus = "SUCCESS"
	SyncQueueStatusFailed     SyncQueueStatus = "FAILED"
	SyncQueueStatusRetrying   SyncQueueStatus = "RETRYING"
)

// Manual/user-triggered syncs outrank automatic ones in the dispatcher's claim order.
const (
	SyncPriorityAuto   = 0
	SyncPriorityManual = 10
)

type TriggerSource string

const (
	TriggerSourceBusinessStateChange TriggerSource = "business_state_change"
	TriggerSourceBudgetChange        TriggerSource = "budget_change"
	TriggerSourceManual              TriggerSource = "manual"
	TriggerSourceConflictResolution  TriggerSource = "conflict_resolution"
	TriggerSourceAuditorRepair       TriggerSource = "auditor_repair"
)

type ConflictType string

const (
	ConflictTypeState  ConflictType = "state"
	ConflictTypeAmount ConflictType = "amount"
	ConflictTypeBoth   ConflictType = "both"
)

type AuditConfidence string

const (
	AuditConfidenceHigh   AuditConfidence = "high"
	AuditConfidenceMedium AuditConfidence = "medium"
)

type UserRole string

const (
	UserRoleAdmin UserRole = "Admin"
	UserRoleUser  UserRole = "User"
)
