package clickhouse

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"session-service/internal/client"
	"session-service/internal/config"
	"session-service/internal/models"
	"session-service/internal/util"
)

// AuditRepository is the append-only ledger for security audit events. Rows
// are only ever inserted; there is no update or delete statement in this
// package at all.
type AuditRepository interface {
	AppendEvent(ctx context.Context, event *models.AuditEvent) error
	QueryEvents(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, error)
	HealthCheck(ctx context.Context) error
}

// AuditFilter narrows a ledger read. Zero-value fields are ignored.
type AuditFilter struct {
	UserID    string
	Action    string
	RiskLevel string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

type AuditRepositoryImpl struct {
	client *client.ClickHouseClient
	table  string
}

func NewAuditRepository(chClient *client.ClickHouseClient, cfg *config.Config, logger *zap.Logger) *AuditRepositoryImpl {
	return &AuditRepositoryImpl{
		client: chClient,
		table:  cfg.Clickhouse.Table,
	}
}

func (r *AuditRepositoryImpl) AppendEvent(ctx context.Context, event *models.AuditEvent) error {
	query := fmt.Sprintf(`
        INSERT INTO %s (
            event_bucket, event_date, id, user_id, action, resource_type,
            resource_id, details, risk_level, ip_address, user_agent, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, r.table)

	err := r.client.Exec(ctx, query,
		event.EventBucket, event.EventDate, event.ID, event.UserID,
		event.Action, event.ResourceType, event.ResourceID, event.Details,
		event.RiskLevel, event.IPAddress, event.UserAgent, event.CreatedAt)
	if err != nil {
		util.Error("Failed to append audit event",
			zap.String("action", event.Action),
			zap.String("user_id", event.UserID),
			zap.Error(err))
		return fmt.Errorf("failed to append audit event: %w", err)
	}

	return nil
}

// QueryEvents reads the ledger in reverse chronological order.
func (r *AuditRepositoryImpl) QueryEvents(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, error) {
	query := fmt.Sprintf(`
        SELECT event_bucket, event_date, id, user_id, action, resource_type,
            resource_id, details, risk_level, ip_address, user_agent, created_at
        FROM %s WHERE 1 = 1`, r.table)

	args := []interface{}{}

	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.Action != "" {
		query += " AND action = ?"
		args = append(args, filter.Action)
	}
	if filter.RiskLevel != "" {
		query += " AND risk_level = ?"
		args = append(args, filter.RiskLevel)
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		query += " AND created_at < ?"
		args = append(args, filter.Until)
	}

	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := r.client.QueryRows(ctx, query, args...)
	if err != nil {
		util.Error("Failed to query audit events",
			zap.String("user_id", filter.UserID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []*models.AuditEvent
	for rows.Next() {
		event := &models.AuditEvent{}
		var eventBucket int32
		if err := rows.Scan(&eventBucket, &event.EventDate, &event.ID,
			&event.UserID, &event.Action, &event.ResourceType,
			&event.ResourceID, &event.Details, &event.RiskLevel,
			&event.IPAddress, &event.UserAgent, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		event.EventBucket = int(eventBucket)
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit events: %w", err)
	}

	return events, nil
}

func (r *AuditRepositoryImpl) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}
