package proto

import (
	"fmt"
	"time"
)

// StepKind selects the verification strategy for a step.
type StepKind string

const (
	StepKindArrange      StepKind = "arrange"
	StepKindImplement    StepKind = "implement"
	StepKindVerifyOutput StepKind = "verify-output"
)

// JoinProjectPayload asks the server to add the connection to a project room.
type JoinProjectPayload struct {
	ProjectID string `json:"project_id"`
}

// LeaveProjectPayload asks the server to remove the connection from a room.
type LeaveProjectPayload struct {
	ProjectID string `json:"project_id"`
}

// CodeUpdatePayload carries one debounced batch of file changes.
type CodeUpdatePayload struct {
	ProjectID  string       `json:"project_id"`
	TotalSteps int          `json:"total_steps,omitempty"`
	Changes    []FileChange `json:"changes"`
}

// RequestVerificationPayload carries an interactive (non-file-triggered)
// submission.
type RequestVerificationPayload struct {
	ProjectID     string   `json:"project_id"`
	QuestID       string   `json:"quest_id"`
	StepID        string   `json:"step_id"`
	FilePath      string   `json:"file_path"`
	SubmittedCode string   `json:"submitted_code"`
	ExpectedCode  string   `json:"expected_code,omitempty"`
	StepKind      StepKind `json:"step_kind"`
	TotalSteps    int      `json:"total_steps,omitempty"`
}

// ProjectJoinedPayload confirms a join to the requesting connection.
type ProjectJoinedPayload struct {
	ProjectID string   `json:"project_id"`
	Members   []string `json:"members"`
}

// PresencePayload announces a member joining or leaving a room.
type PresencePayload struct {
	ProjectID string   `json:"project_id"`
	Identity  Identity `json:"identity"`
}

// FileUpdatePayload fans a change batch out to the rest of the room.
type FileUpdatePayload struct {
	ProjectID string       `json:"project_id"`
	Identity  Identity     `json:"identity"`
	Changes   []FileChange `json:"changes"`
}

// CheckError is one structural or style finding from the verification engine.
type CheckError struct {
	Kind       string `json:"kind"`
	Line       int    `json:"line,omitempty"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// VerificationResultPayload reports a verification outcome to the submitter.
type VerificationResultPayload struct {
	QuestID      string       `json:"quest_id"`
	StepID       string       `json:"step_id"`
	Success      bool         `json:"success"`
	Score        int          `json:"score"`
	Feedback     string       `json:"feedback"`
	Hints        []string     `json:"hints,omitempty"`
	Improvements []string     `json:"improvements,omitempty"`
	Errors       []CheckError `json:"errors,omitempty"`
}

// QuestProgressPayload broadcasts a completed step to the room.
type QuestProgressPayload struct {
	QuestID        string   `json:"quest_id"`
	Identity       Identity `json:"identity"`
	StepID         string   `json:"step_id"`
	StepCompleted  bool     `json:"step_completed"`
	Score          int      `json:"score"`
	CompletedSteps int      `json:"completed_steps"`
	TotalSteps     int      `json:"total_steps"`
}

// QuestCompletedPayload broadcasts a quest reaching its terminal state.
type QuestCompletedPayload struct {
	QuestID     string    `json:"quest_id"`
	Identity    Identity  `json:"identity"`
	CompletedAt time.Time `json:"completed_at_utc"`
	TotalSteps  int       `json:"total_steps"`
}

// ErrorPayload reports a rejected wire event to its originator.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// RefID is the ID of the rejected message, when known.
	RefID string `json:"ref_id,omitempty"`
}

// Error codes for ErrorPayload.
const (
	ErrCodeBadPayload      = "bad_payload"
	ErrCodeUnauthorized    = "unauthorized"
	ErrCodeUnsupportedStep = "unsupported_step_kind"
	ErrCodeInternal        = "internal"
)

// Validate rejects structurally unusable payloads before any state mutation.
func (p *CodeUpdatePayload) Validate() error {
	if p.ProjectID == "" {
		return fmt.Errorf("code-update missing project_id")
	}
	for i := range p.Changes {
		if p.Changes[i].RelativePath == "" {
			return fmt.Errorf("code-update change %d missing relative_path", i)
		}
		if p.Changes[i].Kind == "" {
			return fmt.Errorf("code-update change %d missing kind", i)
		}
	}
	return nil
}

// Validate rejects structurally unusable verification requests.
func (p *RequestVerificationPayload) Validate() error {
	if p.ProjectID == "" {
		return fmt.Errorf("request-verification missing project_id")
	}
	if p.QuestID == "" || p.StepID == "" {
		return fmt.Errorf("request-verification missing quest_id or step_id")
	}
	if p.StepKind == "" {
		return fmt.Errorf("request-verification missing step_kind")
	}
	return nil
}
