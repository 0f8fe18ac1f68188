// Package session wires the change detector, verification engine,
// progress ledger, and connection registry together. It owns the
// decision of what gets verified, what gets persisted, and what gets
// broadcast to whom.
package session

import (
	"context"
	"errors"
	"sync"

	"questsync/pkg/ledger"
	"questsync/pkg/logx"
	"questsync/pkg/metrics"
	"questsync/pkg/proto"
	"questsync/pkg/registry"
	"questsync/pkg/verify"
)

// workerQueueSize bounds how many tasks one project can have pending
// before enqueueing blocks the caller.
const workerQueueSize = 32

// AuditSink receives a copy of every broadcast the coordinator emits,
// for durable projection. The eventlog writer satisfies this.
type AuditSink interface {
	Record(event proto.Event, payload any) error
}

// Coordinator serializes work per project. Each project gets its own
// worker goroutine fed by a buffered channel, so batches for one
// project are handled in arrival order while unrelated projects never
// wait on each other.
type Coordinator struct {
	ctx      context.Context
	ledger   *ledger.Ledger
	registry *registry.Registry
	logger   *logx.Logger
	recorder *metrics.Recorder
	audit    AuditSink

	done chan struct{}

	mu      sync.Mutex
	workers map[string]chan func()
	closed  bool
	wg      sync.WaitGroup
}

// New creates a coordinator. The context bounds ledger writes issued by
// worker goroutines; cancelling it aborts in-flight persistence.
func New(ctx context.Context, l *ledger.Ledger, reg *registry.Registry) *Coordinator {
	return &Coordinator{
		ctx:      ctx,
		ledger:   l,
		registry: reg,
		logger:   logx.NewLogger("session"),
		done:     make(chan struct{}),
		workers:  make(map[string]chan func()),
	}
}

// SetRecorder attaches verification metrics.
func (c *Coordinator) SetRecorder(rec *metrics.Recorder) {
	c.recorder = rec
}

// SetAuditSink attaches the durable projection of broadcast events. A
// sink failure is logged and never blocks the sync path.
func (c *Coordinator) SetAuditSink(sink AuditSink) {
	c.audit = sink
}

func (c *Coordinator) recordAudit(event proto.Event, payload any) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Record(event, payload); err != nil {
		c.logger.Warn("audit projection of %s failed: %v", event, err)
	}
}

// Close stops accepting work, lets every project worker finish what is
// already queued, and waits for the workers to exit. Safe to call while
// connection read loops are still dispatching; their tasks are dropped.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
	c.wg.Wait()
}

// dispatch hands a task to the project's worker, creating the worker on
// first use. Tasks for one project run strictly in arrival order. The
// worker channels are never closed; shutdown is signalled through done
// so a dispatcher blocked on a full queue cannot hit a closed channel.
func (c *Coordinator) dispatch(projectID string, task func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		logx.Debug("session", "coordinator closed, dropping task for project %s", projectID)
		return
	}
	ch, ok := c.workers[projectID]
	if !ok {
		ch = make(chan func(), workerQueueSize)
		c.workers[projectID] = ch
		c.wg.Add(1)
		go c.runWorker(ch)
	}
	c.mu.Unlock()

	select {
	case ch <- task:
	case <-c.done:
		logx.Debug("session", "coordinator closed, dropping task for project %s", projectID)
	}
}

func (c *Coordinator) runWorker(ch chan func()) {
	defer c.wg.Done()
	for {
		select {
		case t := <-ch:
			t()
		case <-c.done:
			for {
				select {
				case t := <-ch:
					t()
				default:
					return
				}
			}
		}
	}
}

// OnChangeBatch handles one debounced batch of file changes saved by an
// identity. The raw changes fan out to the rest of the room; entries
// carrying step context additionally go through verification.
func (c *Coordinator) OnChangeBatch(identity proto.Identity, payload proto.CodeUpdatePayload) {
	if err := payload.Validate(); err != nil {
		c.rejectInput(identity, err)
		return
	}
	c.dispatch(payload.ProjectID, func() {
		c.processChangeBatch(identity, payload)
	})
}

// OnVerificationRequest handles an interactive submission that did not
// come from a file save. The scoring and persistence branch is the same
// as for file-triggered changes.
func (c *Coordinator) OnVerificationRequest(identity proto.Identity, payload proto.RequestVerificationPayload) {
	if err := payload.Validate(); err != nil {
		c.rejectInput(identity, err)
		return
	}
	c.dispatch(payload.ProjectID, func() {
		c.runVerification(identity, payload.ProjectID, payload.QuestID, payload.TotalSteps, verify.Request{
			StepID:        payload.StepID,
			FilePath:      payload.FilePath,
			SubmittedCode: payload.SubmittedCode,
			ExpectedCode:  payload.ExpectedCode,
			StepKind:      payload.StepKind,
		})
	})
}

func (c *Coordinator) processChangeBatch(identity proto.Identity, payload proto.CodeUpdatePayload) {
	update := proto.FileUpdatePayload{
		ProjectID: payload.ProjectID,
		Identity:  identity,
		Changes:   payload.Changes,
	}
	c.registry.BroadcastToRoom(payload.ProjectID, identity.ID, proto.EventFileUpdate, update)
	c.recordAudit(proto.EventFileUpdate, update)

	for _, change := range payload.Changes {
		if change.Step == nil {
			continue
		}
		if change.Kind == proto.ChangeDeleted || change.Kind == proto.ChangeDirDeleted {
			continue
		}
		if !change.HasContent {
			logx.Debug("session", "step %s save for %s carried no content, skipping verification",
				change.Step.StepID, change.RelativePath)
			continue
		}
		c.runVerification(identity, payload.ProjectID, change.Step.QuestID, payload.TotalSteps, verify.Request{
			StepID:        change.Step.StepID,
			FilePath:      change.RelativePath,
			SubmittedCode: change.Content,
			ExpectedCode:  change.Step.ExpectedCode,
			StepKind:      stepKindFor(change.Step),
		})
	}
}

// runVerification scores one submission and applies the outcome. An
// unsupported step kind is an input error with no state mutation; every
// scoreable submission records an attempt whether or not it passes.
func (c *Coordinator) runVerification(identity proto.Identity, projectID, questID string, totalSteps int, req verify.Request) {
	result, err := verify.Verify(req)
	if err != nil {
		if errors.Is(err, verify.ErrUnsupportedStepKind) {
			c.sendError(identity, proto.ErrCodeUnsupportedStep, "unsupported step kind "+string(req.StepKind), req.StepID)
			return
		}
		c.logger.Error("verification of step %s failed: %v", req.StepID, err)
		c.sendError(identity, proto.ErrCodeInternal, "verification failed", req.StepID)
		return
	}

	if err := c.ledger.RecordAttempt(c.ctx, identity.ID, questID, req.StepID); err != nil {
		c.logger.Error("recording attempt for %s/%s/%s: %v", identity.ID, questID, req.StepID, err)
	}
	if c.recorder != nil {
		c.recorder.ObserveVerification(string(req.StepKind), questID, result.Success, result.Score)
	}

	if !result.Success {
		if !c.registry.SendToIdentity(identity.ID, proto.EventVerificationResult, result.ToPayload(questID, req.StepID)) {
			c.logger.Info("verification result for %s/%s undeliverable, dropped", identity.ID, req.StepID)
		}
		return
	}

	progress, err := c.ledger.MarkStepComplete(c.ctx, identity.ID, questID, req.StepID, totalSteps)
	if err != nil {
		c.logger.Error("completing step %s/%s/%s: %v", identity.ID, questID, req.StepID, err)
		c.sendError(identity, proto.ErrCodeInternal, "progress update failed", req.StepID)
		return
	}

	if !c.registry.SendToIdentity(identity.ID, proto.EventVerificationResult, result.ToPayload(questID, req.StepID)) {
		c.logger.Info("verification result for %s/%s undeliverable, dropped", identity.ID, req.StepID)
	}

	progressEvent := proto.QuestProgressPayload{
		QuestID:        questID,
		Identity:       identity,
		StepID:         req.StepID,
		StepCompleted:  true,
		Score:          result.Score,
		CompletedSteps: progress.CompletedSteps,
		TotalSteps:     progress.TotalSteps,
	}
	c.registry.BroadcastToRoom(projectID, "", proto.EventQuestProgress, progressEvent)
	c.recordAudit(proto.EventQuestProgress, progressEvent)

	if progress.Status == ledger.StatusCompleted && progress.CompletedAt != nil {
		c.logger.Info("identity %s completed quest %s", identity.ID, questID)
		completedEvent := proto.QuestCompletedPayload{
			QuestID:     questID,
			Identity:    identity,
			CompletedAt: *progress.CompletedAt,
			TotalSteps:  progress.TotalSteps,
		}
		c.registry.BroadcastToRoom(projectID, "", proto.EventQuestCompleted, completedEvent)
		c.recordAudit(proto.EventQuestCompleted, completedEvent)
	}
}

func (c *Coordinator) rejectInput(identity proto.Identity, err error) {
	c.logger.Warn("rejected input from %s: %v", identity.ID, err)
	c.sendError(identity, proto.ErrCodeBadPayload, err.Error(), "")
}

func (c *Coordinator) sendError(identity proto.Identity, code, message, refID string) {
	c.registry.SendToIdentity(identity.ID, proto.EventError, proto.ErrorPayload{
		Code:    code,
		Message: message,
		RefID:   refID,
	})
}

// stepKindFor picks the verification mode for a file-triggered save.
// The manifest may pin a kind through the step context; absent that,
// saves verify as implement steps.
func stepKindFor(step *proto.StepContext) proto.StepKind {
	if step.Kind != "" {
		return step.Kind
	}
	return proto.StepKindImplement
}
