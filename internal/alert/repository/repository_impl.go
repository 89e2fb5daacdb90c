package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/grantway/internal/alert/domain"
	"gorm.io/gorm"
)

const alertColumns = `id, kind, account_id, subscription_id, message, details,
	acknowledged, acknowledged_at, acknowledged_by, created_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, alert *domain.Alert) error {
	if alert == nil {
		return domain.ErrInvalidAlert
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO alerts (
			id, kind, account_id, subscription_id, message, details,
			acknowledged, acknowledged_at, acknowledged_by, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID,
		alert.Kind,
		alert.AccountID,
		alert.SubscriptionID,
		alert.Message,
		alert.Details,
		alert.Acknowledged,
		alert.AcknowledgedAt,
		alert.AcknowledgedBy,
		alert.CreatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Alert, error) {
	var alert domain.Alert
	err := db.WithContext(ctx).Raw(
		`SELECT `+alertColumns+`
		 FROM alerts WHERE id = ?`,
		id,
	).Scan(&alert).Error
	if err != nil {
		return nil, err
	}
	if alert.ID == 0 {
		return nil, nil
	}
	return &alert, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]domain.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE 1=1`
	args := make([]any, 0, 3)

	if kind := strings.TrimSpace(string(filter.Kind)); kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	if filter.Acknowledged != nil {
		query += ` AND acknowledged = ?`
		args = append(args, *filter.Acknowledged)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	var alerts []domain.Alert
	err := db.WithContext(ctx).Raw(query, args...).Scan(&alerts).Error
	if err != nil {
		return nil, err
	}
	return alerts, nil
}

func (r *repo) Acknowledge(ctx context.Context, db *gorm.DB, id snowflake.ID, by string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE alerts
		 SET acknowledged = TRUE, acknowledged_at = ?, acknowledged_by = ?
		 WHERE id = ? AND acknowledged = FALSE`,
		at,
		by,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
