package ledger

import "time"

// QuestStatus is the lifecycle state of one (identity, quest) pair.
type QuestStatus string

const (
	StatusPending    QuestStatus = "pending"
	StatusInProgress QuestStatus = "in_progress"
	StatusCompleted  QuestStatus = "completed"
)

// StepProgress is the persistent completion row for one step. attempt_count
// is monotonically non-decreasing and is_completed transitions false to true
// exactly once.
type StepProgress struct {
	IdentityID   string     `json:"identity_id"`
	QuestID      string     `json:"quest_id"`
	StepID       string     `json:"step_id"`
	IsCompleted  bool       `json:"is_completed"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	AttemptCount int        `json:"attempt_count"`
}

// QuestProgress is the aggregate row for one (identity, quest). CompletedSteps
// is always recomputed by counting completed StepProgress rows, never
// incremented in place.
type QuestProgress struct {
	IdentityID     string      `json:"identity_id"`
	QuestID        string      `json:"quest_id"`
	CompletedSteps int         `json:"completed_steps"`
	TotalSteps     int         `json:"total_steps"`
	Status         QuestStatus `json:"status"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// ValidStatuses returns all valid quest statuses.
func ValidStatuses() []QuestStatus {
	return []QuestStatus{StatusPending, StatusInProgress, StatusCompleted}
}

// IsValidStatus checks if a status string is valid.
func IsValidStatus(status string) bool {
	for _, valid := range ValidStatuses() {
		if status == string(valid) {
			return true
		}
	}
	return false
}
