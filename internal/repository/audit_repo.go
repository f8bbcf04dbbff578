package repository

import (
	"context"
	"time"

	"payrecon/internal/model"

	"gorm.io/gorm"
)

// AuditRepository 审计日志只提供追加和查询
type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Append(ctx context.Context, tx *gorm.DB, event *model.AuditLogEvent) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(event).Error
}

// ListSince 按到达顺序返回 since 之后的指定类型事件；types 为空时返回全部
func (r *AuditRepository) ListSince(ctx context.Context, since time.Time, types []string) ([]*model.AuditLogEvent, error) {
	var events []*model.AuditLogEvent
	query := r.db.WithContext(ctx).Where("created_at >= ?", since)
	if len(types) > 0 {
		query = query.Where("event_type IN ?", types)
	}
	err := query.Order("created_at ASC, id ASC").Find(&events).Error
	return events, err
}

func (r *AuditRepository) CountSince(ctx context.Context, since time.Time, types []string) (int64, error) {
	var count int64
	query := r.db.WithContext(ctx).Model(&model.AuditLogEvent{}).Where("created_at >= ?", since)
	if len(types) > 0 {
		query = query.Where("event_type IN ?", types)
	}
	err := query.Count(&count).Error
	return count, err
}

type SourceIPCount struct {
	SourceIP string `json:"source_ip"`
	Count    int64  `json:"count"`
}

// CountBySourceIP 统计 since 之后某类事件按来源 IP 的次数，只返回 >= min 的 IP
func (r *AuditRepository) CountBySourceIP(ctx context.Context, eventType string, since time.Time, min int) ([]SourceIPCount, error) {
	var rows []SourceIPCount
	err := r.db.WithContext(ctx).
		Model(&model.AuditLogEvent{}).
		Select("source_ip, COUNT(*) AS count").
		Where("event_type = ? AND created_at >= ? AND source_ip IS NOT NULL AND source_ip <> ''", eventType, since).
		Group("source_ip").
		Having("COUNT(*) >= ?", min).
		Order("count DESC").
		Scan(&rows).Error
	return rows, err
}

func (r *AuditRepository) ListByPayment(ctx context.Context, paymentID string, limit int) ([]*model.AuditLogEvent, error) {
	var events []*model.AuditLogEvent
	err := r.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *AuditRepository) CountByPaymentAndType(ctx context.Context, paymentID, eventType string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.AuditLogEvent{}).
		Where("payment_id = ? AND event_type = ?", paymentID, eventType).
		Count(&count).Error
	return count, err
}
