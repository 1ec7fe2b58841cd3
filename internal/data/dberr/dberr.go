package dberr

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/yungbote/ragbridge-backend/internal/platform/apierr"
)

// Map classifies database failures into apierr kinds. The original error
// stays in the chain, so errors.Is(err, gorm.ErrRecordNotFound) keeps
// working on mapped errors.
func Map(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return err
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return apierr.Newf(apierr.KindNotFound, "not_found", "%s: %w", op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return apierr.Newf(apierr.KindUpstreamTimeout, "db_timeout", "%s: %w", op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch strings.TrimSpace(pgErr.Code) {
		case "23505": // unique_violation
			return apierr.Newf(apierr.KindConflict, "duplicate_row", "%s: %w", op, err)
		case "23503": // foreign_key_violation
			return apierr.Newf(apierr.KindBadRequest, "foreign_key_violation", "%s: %w", op, err)
		case "40001", "40P01", "55P03": // serialization, deadlock, lock_not_available
			return apierr.Newf(apierr.KindUpstreamUnavailable, "db_transient", "%s: %w", op, err)
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "duplicate key"), strings.Contains(msg, "already exists"):
		return apierr.Newf(apierr.KindConflict, "duplicate_row", "%s: %w", op, err)
	case strings.Contains(msg, "deadlock"), strings.Contains(msg, "serialization"):
		return apierr.Newf(apierr.KindUpstreamUnavailable, "db_transient", "%s: %w", op, err)
	default:
		return apierr.Newf(apierr.KindInternal, "db_error", "%s: %w", op, err)
	}
}
