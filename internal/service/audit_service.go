package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"session-service/internal/bucketing"
	"session-service/internal/client"
	"session-service/internal/config"
	"session-service/internal/models"
	"session-service/internal/repository/clickhouse"
	"session-service/internal/util"
)

// RecordEventInput describes one security-relevant action to record. The
// risk level is derived from the action, never supplied by the caller.
type RecordEventInput struct {
	UserID       string
	Action       string
	ResourceType string
	ResourceID   string
	Details      map[string]interface{}
	IPAddress    string
	UserAgent    string
}

// AuditService is the append-only security audit log. RecordEvent writes the
// authoritative ledger row and fans the event out to the Kafka topic and the
// search index; fan-out failures are logged and never surfaced.
type AuditService interface {
	RecordEvent(ctx context.Context, input RecordEventInput) (*models.AuditEvent, error)
	QueryEvents(ctx context.Context, filter clickhouse.AuditFilter) ([]*models.AuditEvent, error)
	SearchEvents(ctx context.Context, query string, limit int) ([]*models.AuditEvent, error)
}

type AuditServiceImpl struct {
	auditRepo clickhouse.AuditRepository
	producer  *client.KafkaProducer
	esClient  *client.ESClient
	bucketing *bucketing.BucketingManager
	config    *config.Config
	logger    *zap.Logger
}

func NewAuditService(
	auditRepo clickhouse.AuditRepository,
	producer *client.KafkaProducer,
	esClient *client.ESClient,
	bucketingManager *bucketing.BucketingManager,
	cfg *config.Config,
	logger *zap.Logger,
) *AuditServiceImpl {
	return &AuditServiceImpl{
		auditRepo: auditRepo,
		producer:  producer,
		esClient:  esClient,
		bucketing: bucketingManager,
		config:    cfg,
		logger:    logger,
	}
}

func (s *AuditServiceImpl) RecordEvent(ctx context.Context, input RecordEventInput) (*models.AuditEvent, error) {
	if input.Action == "" {
		return nil, fmt.Errorf("%w: action is required", ErrValidation)
	}

	now := time.Now().UTC()

	details := ""
	if len(input.Details) > 0 {
		raw, err := json.Marshal(input.Details)
		if err != nil {
			return nil, fmt.Errorf("%w: details not serializable", ErrValidation)
		}
		details = string(raw)
	}

	bucketKey := input.UserID
	if bucketKey == "" {
		bucketKey = input.Action
	}

	event := &models.AuditEvent{
		EventBucket:  s.bucketing.GetEventBucket(bucketKey),
		EventDate:    s.bucketing.GetDateBucket(now),
		ID:           uuid.New().String(),
		UserID:       input.UserID,
		Action:       input.Action,
		ResourceType: input.ResourceType,
		ResourceID:   input.ResourceID,
		Details:      details,
		RiskLevel:    models.RiskForAction(input.Action),
		IPAddress:    input.IPAddress,
		UserAgent:    util.TruncateUserAgent(input.UserAgent),
		CreatedAt:    now,
	}

	if err := s.auditRepo.AppendEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransientStore, err)
	}

	s.fanOut(event)

	return event, nil
}

// fanOut publishes the event to Kafka and the search index in the
// background. The ledger row is already durable; these are best-effort
// secondary copies.
func (s *AuditServiceImpl) fanOut(event *models.AuditEvent) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)

		if s.producer != nil {
			g.Go(func() error {
				payload, err := json.Marshal(event)
				if err != nil {
					return err
				}
				return s.producer.ProduceMessage(gctx, s.config.Kafka.AuditTopic,
					[]byte(event.UserID), payload, map[string]string{
						"action":     event.Action,
						"risk_level": event.RiskLevel,
					})
			})
		}

		if s.esClient != nil {
			g.Go(func() error {
				res, err := s.esClient.IndexDocument(gctx, s.config.Elasticsearch.AuditIndex, event.ID, event)
				if err != nil {
					return err
				}
				defer res.Body.Close()
				if res.IsError() {
					return fmt.Errorf("elasticsearch index error: %s", res.Status())
				}
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			s.logger.Warn("Audit event fan-out incomplete",
				zap.String("event_id", event.ID),
				zap.String("action", event.Action),
				zap.Error(err))
		}
	}()
}

func (s *AuditServiceImpl) QueryEvents(ctx context.Context, filter clickhouse.AuditFilter) ([]*models.AuditEvent, error) {
	events, err := s.auditRepo.QueryEvents(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransientStore, err)
	}
	return events, nil
}

type esSearchResponse struct {
	Hits struct {
		Hits []struct {
			Source models.AuditEvent `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// SearchEvents runs a free-text query over the search index. The index is
// eventually consistent with the ledger; QueryEvents is the authoritative
// read.
func (s *AuditServiceImpl) SearchEvents(ctx context.Context, query string, limit int) ([]*models.AuditEvent, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrValidation)
	}
	if limit <= 0 || limit > 1000 {
		limit = 50
	}

	body := map[string]interface{}{
		"size": limit,
		"sort": []map[string]interface{}{
			{"created_at": map[string]string{"order": "desc"}},
		},
		"query": map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  query,
				"fields": []string{"action", "user_id", "resource_type", "resource_id", "details"},
			},
		},
	}

	res, err := s.esClient.Search(ctx, s.config.Elasticsearch.AuditIndex, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransientStore, err)
	}

	var parsed esSearchResponse
	if err := s.esClient.ParseResponse(res, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransientStore, err)
	}

	events := make([]*models.AuditEvent, 0, len(parsed.Hits.Hits))
	for i := range parsed.Hits.Hits {
		event := parsed.Hits.Hits[i].Source
		events = append(events, &event)
	}

	return events, nil
}
