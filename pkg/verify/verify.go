// Package verify implements the verification engine: a pure, deterministic
// scoring function dispatched by step kind. The engine performs no I/O; all
// inputs arrive in memory and identical inputs always produce identical
// results.
package verify

import (
	"errors"
	"fmt"
	"math"

	"questsync/pkg/proto"
)

// ErrUnsupportedStepKind is a system error, distinct from a learner-facing
// failed verification.
var ErrUnsupportedStepKind = errors.New("unsupported step kind")

// Success thresholds and penalty weights per step kind.
const (
	arrangeThreshold = 0.90

	implementPassScore    = 70
	implementSyntaxWeight = 20
	implementStyleWeight  = 5

	outputPassScore    = 60
	outputSyntaxWeight = 15
	outputStyleWeight  = 3

	maxHints = 3
)

// Request is one submission to score.
type Request struct {
	StepID        string
	FilePath      string
	SubmittedCode string
	ExpectedCode  string
	StepKind      proto.StepKind
}

// Result is the scored outcome. Learner-facing failure is Success=false, never
// a Go error.
type Result struct {
	Success      bool
	Score        int
	Feedback     string
	Hints        []string
	Improvements []string
	Errors       []proto.CheckError
}

// Verify scores a submission against its step descriptor.
func Verify(req Request) (Result, error) {
	switch req.StepKind {
	case proto.StepKindArrange:
		return verifyArrange(req), nil
	case proto.StepKindImplement:
		return verifyImplement(req), nil
	case proto.StepKindVerifyOutput:
		return verifyOutput(req), nil
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedStepKind, req.StepKind)
	}
}

// verifyArrange compares the normalized submission against the normalized
// expected code by edit distance.
func verifyArrange(req Request) Result {
	ratio := similarity(normalize(req.SubmittedCode), normalize(req.ExpectedCode))
	score := int(math.Round(ratio * 100))
	success := ratio >= arrangeThreshold

	result := Result{
		Success: success,
		Score:   score,
	}
	if success {
		result.Feedback = "Great work! Your code matches the expected arrangement."
	} else {
		result.Feedback = fmt.Sprintf("Your code is %d%% similar to the expected arrangement. Keep going!", score)
		result.Hints = arrangeHints(ratio)
	}
	return result
}

// verifyImplement runs structural and style checks, then scales by similarity
// when expected code is available.
func verifyImplement(req Request) Result {
	if normalize(req.SubmittedCode) == "" {
		return emptySubmissionResult()
	}

	checkErrs := checkSyntax(req.SubmittedCode, req.FilePath)
	improvements := checkStyle(req.SubmittedCode, req.FilePath)

	base := 100 - implementSyntaxWeight*len(checkErrs) - implementStyleWeight*len(improvements)
	if base < 0 {
		base = 0
	}

	score := base
	if req.ExpectedCode != "" {
		ratio := similarity(normalize(req.SubmittedCode), normalize(req.ExpectedCode))
		score = int(math.Round(float64(base) * ratio))
	}

	success := score >= implementPassScore
	result := Result{
		Success:      success,
		Score:        score,
		Improvements: improvementMessages(improvements),
		Errors:       checkErrs,
	}
	if success {
		result.Feedback = "Your implementation passes the checks."
	} else {
		result.Feedback = fmt.Sprintf("Your implementation scored %d/100. Review the errors below and try again.", score)
		result.Hints = synthesizeHints(checkErrs)
	}
	return result
}

// verifyOutput runs the structural checks without a similarity term.
func verifyOutput(req Request) Result {
	if normalize(req.SubmittedCode) == "" {
		return emptySubmissionResult()
	}

	checkErrs := checkSyntax(req.SubmittedCode, req.FilePath)
	improvements := checkStyle(req.SubmittedCode, req.FilePath)

	score := 100 - outputSyntaxWeight*len(checkErrs) - outputStyleWeight*len(improvements)
	if score < 0 {
		score = 0
	}

	success := score >= outputPassScore
	result := Result{
		Success:      success,
		Score:        score,
		Improvements: improvementMessages(improvements),
		Errors:       checkErrs,
	}
	if success {
		result.Feedback = "Your code is ready to run."
	} else {
		result.Feedback = fmt.Sprintf("Your code scored %d/100. Fix the errors below before running it.", score)
		result.Hints = synthesizeHints(checkErrs)
	}
	return result
}

func emptySubmissionResult() Result {
	return Result{
		Success:  false,
		Score:    0,
		Feedback: "No code submitted yet. Write your solution and save the file.",
		Hints:    []string{"Start by writing the code described in the step instructions."},
	}
}

// ToPayload converts the result into its wire form.
func (r *Result) ToPayload(questID, stepID string) proto.VerificationResultPayload {
	return proto.VerificationResultPayload{
		QuestID:      questID,
		StepID:       stepID,
		Success:      r.Success,
		Score:        r.Score,
		Feedback:     r.Feedback,
		Hints:        r.Hints,
		Improvements: r.Improvements,
		Errors:       r.Errors,
	}
}
