package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/target/merrymaker/internal/core"
	"github.com/target/merrymaker/internal/domain/model"
	apperrors "github.com/target/merrymaker/internal/errors"
)

// AlertRepo provides database operations for rule alerts.
type AlertRepo struct {
	DB    *sql.DB
	clock TimeProvider
}

// NewAlertRepo creates an AlertRepo.
func NewAlertRepo(db *sql.DB, clock TimeProvider) *AlertRepo {
	if clock == nil {
		clock = RealTimeProvider{}
	}
	return &AlertRepo{DB: db, clock: clock}
}

const alertColumns = `id, rule, scan_id, site_id, message, context, delivery_status, delivery_detail, delivery_attempts, resolved_at, created_at`

// Create persists a new alert in the pending delivery state.
func (r *AlertRepo) Create(ctx context.Context, req *model.CreateAlertRequest) (*model.Alert, error) {
	if req == nil {
		return nil, apperrors.Validation("create alert request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid create alert request")
	}

	contextJSON := []byte(`{}`)
	if len(req.Context) > 0 {
		contextJSON = req.Context
	}

	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO alerts (rule, scan_id, site_id, message, context, delivery_status)
		VALUES ($1, $2, $3, $4, $5, 'pending')
		RETURNING `+alertColumns,
		req.Rule, req.ScanID, req.SiteID, req.Message, contextJSON,
	)
	alert, err := scanAlertRow(row)
	if err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}
	return alert, nil
}

// GetByID returns one alert.
func (r *AlertRepo) GetByID(ctx context.Context, id string) (*model.Alert, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	alert, err := scanAlertRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("alert %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return alert, nil
}

// List returns alerts newest first.
func (r *AlertRepo) List(ctx context.Context, limit, offset int) ([]*model.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*model.Alert
	for rows.Next() {
		alert, scanErr := scanAlertRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan alert: %w", scanErr)
		}
		alerts = append(alerts, alert)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("alert rows: %w", rowsErr)
	}
	return alerts, nil
}

// UpdateDeliveryStatus records the outcome of a dispatch attempt.
func (r *AlertRepo) UpdateDeliveryStatus(ctx context.Context, params core.UpdateAlertDeliveryStatusParams) error {
	detail := params.Detail
	if detail == nil && params.Sink != "" {
		d := params.Sink
		detail = &d
	}
	res, err := r.DB.ExecContext(ctx, `
		UPDATE alerts
		SET delivery_status = $2,
		    delivery_detail = $3,
		    delivery_attempts = $4
		WHERE id = $1
	`, params.ID, params.Status, detail, params.Attempts)
	if err != nil {
		return fmt.Errorf("update alert delivery status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update alert delivery rows affected: %w", err)
	}
	if affected == 0 {
		return apperrors.NotFoundf("alert %s not found", params.ID)
	}
	return nil
}

func scanAlertRow(scanner rowScanner) (*model.Alert, error) {
	var (
		alert          model.Alert
		siteID, detail sql.NullString
		contextJSON    []byte
		resolvedAt     sql.NullTime
	)
	if err := scanner.Scan(
		&alert.ID, &alert.Rule, &alert.ScanID, &siteID, &alert.Message,
		&contextJSON, &alert.DeliveryStatus, &detail, &alert.DeliveryAttempts,
		&resolvedAt, &alert.CreatedAt,
	); err != nil {
		return nil, err
	}
	alert.SiteID = cloneNullableString(siteID)
	alert.Context = cloneJSON(contextJSON)
	alert.DeliveryDetail = cloneNullableString(detail)
	alert.ResolvedAt = cloneNullableTime(resolvedAt)
	return &alert, nil
}
