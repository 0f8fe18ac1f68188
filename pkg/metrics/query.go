package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// QuestMetrics represents aggregated verification metrics for one quest.
type QuestMetrics struct {
	QuestID         string  `json:"quest_id"`
	Verifications   int64   `json:"verifications"`
	Successes       int64   `json:"successes"`
	StepCompletions int64   `json:"step_completions"`
	SuccessRate     float64 `json:"success_rate"`
}

// QueryService provides methods to query pipeline metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetQuestMetrics retrieves aggregated verification counts for a quest across
// all learners. This queries the counters the Recorder publishes and folds
// them into a dashboard-friendly summary.
func (q *QueryService) GetQuestMetrics(ctx context.Context, questID string) (*QuestMetrics, error) {
	metrics := &QuestMetrics{
		QuestID: questID,
	}

	totalQuery := fmt.Sprintf(`sum(questsync_verifications_total{quest_id=%q})`, questID)
	totalResult, _, err := q.queryAPI.Query(ctx, totalQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query verifications: %w", err)
	}
	if vector, ok := totalResult.(model.Vector); ok && len(vector) > 0 {
		metrics.Verifications = int64(vector[0].Value)
	}

	successQuery := fmt.Sprintf(`sum(questsync_verifications_total{quest_id=%q, outcome="success"})`, questID)
	successResult, _, err := q.queryAPI.Query(ctx, successQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query successes: %w", err)
	}
	if vector, ok := successResult.(model.Vector); ok && len(vector) > 0 {
		metrics.Successes = int64(vector[0].Value)
	}

	completionQuery := fmt.Sprintf(`sum(questsync_steps_completed_total{quest_id=%q})`, questID)
	completionResult, _, err := q.queryAPI.Query(ctx, completionQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query completions: %w", err)
	}
	if vector, ok := completionResult.(model.Vector); ok && len(vector) > 0 {
		metrics.StepCompletions = int64(vector[0].Value)
	}

	if metrics.Verifications > 0 {
		metrics.SuccessRate = float64(metrics.Successes) / float64(metrics.Verifications)
	}

	return metrics, nil
}
