// Package anomaly периодически ищет водителей, которые перестали
// присылать GPS-отметки во время рейса, и поднимает по ним тревогу.
package anomaly

import (
	"context"
	"errors"
	"time"

	"schoolbus-tracking/internal/apperr"
	"schoolbus-tracking/internal/distress"
	"schoolbus-tracking/internal/geo"
	"schoolbus-tracking/internal/logger"
	"schoolbus-tracking/internal/models"

	"github.com/google/uuid"
)

const (
	DefaultSilenceThreshold = 120 * time.Second
	DefaultSweepInterval    = time.Minute
)

// Sessions источник активных рейсов
type Sessions interface {
	ListInProgressSessions(ctx context.Context) ([]*models.RouteSession, error)
}

// Liveness время последнего контакта водителя (без TTL отображения)
type Liveness interface {
	LastSeen(ctx context.Context, driverID uuid.UUID) (time.Time, bool, error)
}

// Alerts создание тревог
type Alerts interface {
	HasOpenAlert(ctx context.Context, driverID uuid.UUID) (bool, error)
	Trigger(ctx context.Context, req distress.TriggerRequest) (uuid.UUID, error)
}

// Report итог одного прохода
type Report struct {
	Checked    int `json:"checked"`
	Flagged    int `json:"flagged"`
	Suppressed int `json:"suppressed"`
	Failed     int `json:"failed"`
}

// Detector детектор пропавшего GPS
type Detector struct {
	sessions  Sessions
	liveness  Liveness
	alerts    Alerts
	threshold time.Duration
	interval  time.Duration
	log       *logger.Logger
}

// NewDetector создает детектор
func NewDetector(sessions Sessions, liveness Liveness, alerts Alerts, threshold, interval time.Duration, log *logger.Logger) *Detector {
	if threshold <= 0 {
		threshold = DefaultSilenceThreshold
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Detector{
		sessions:  sessions,
		liveness:  liveness,
		alerts:    alerts,
		threshold: threshold,
		interval:  interval,
		log:       log,
	}
}

// Run выполняет проходы по таймеру до отмены ctx
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.log.WithField("interval", d.interval).
		WithField("threshold", d.threshold).
		Info("GPS anomaly detector started")

	for {
		select {
		case <-ctx.Done():
			d.log.Info("GPS anomaly detector stopped")
			return
		case now := <-ticker.C:
			report := d.Sweep(ctx, now.UTC())
			if report.Flagged > 0 || report.Failed > 0 {
				d.log.WithField("checked", report.Checked).
					WithField("flagged", report.Flagged).
					WithField("suppressed", report.Suppressed).
					WithField("failed", report.Failed).
					Warn("GPS anomaly sweep finished")
			}
		}
	}
}

// Sweep проверяет все активные рейсы на момент now
func (d *Detector) Sweep(ctx context.Context, now time.Time) Report {
	var report Report

	sessions, err := d.sessions.ListInProgressSessions(ctx)
	if err != nil {
		d.log.WithError(err).Error("Failed to list in-progress sessions")
		report.Failed++
		return report
	}

	for _, s := range sessions {
		if ctx.Err() != nil {
			return report
		}
		report.Checked++

		anomalous, err := d.isSilent(ctx, s, now)
		if err != nil {
			d.log.WithError(err).WithField("driver_id", s.DriverID).Error("Failed to check driver liveness")
			report.Failed++
			continue
		}
		if !anomalous {
			continue
		}

		open, err := d.alerts.HasOpenAlert(ctx, s.DriverID)
		if err != nil {
			d.log.WithError(err).WithField("driver_id", s.DriverID).Error("Failed to check open alerts")
			report.Failed++
			continue
		}
		if open {
			report.Suppressed++
			continue
		}

		point, known := s.CurrentPoint()
		if !known {
			point = geo.Point{Lat: 0, Lon: 0}
			d.log.WithField("driver_id", s.DriverID).
				WithField("session_id", s.ID).
				Warn("No known position for silent driver, alert raised at 0,0")
		}

		sessionID := s.ID
		alertID, err := d.alerts.Trigger(ctx, distress.TriggerRequest{
			DriverID:  s.DriverID,
			SessionID: &sessionID,
			Location:  point,
			Source:    models.AlertSourceGPSAnomaly,
		})
		if err != nil {
			if errors.Is(err, apperr.ErrConflict) {
				report.Suppressed++
				continue
			}
			d.log.WithError(err).WithField("driver_id", s.DriverID).Error("Failed to trigger GPS anomaly alert")
			report.Failed++
			continue
		}

		report.Flagged++
		d.log.WithField("driver_id", s.DriverID).
			WithField("session_id", s.ID).
			WithField("alert_id", alertID).
			Warn("Driver GPS silent, distress alert raised")
	}

	return report
}

func (d *Detector) isSilent(ctx context.Context, s *models.RouteSession, now time.Time) (bool, error) {
	seen, ok, err := d.liveness.LastSeen(ctx, s.DriverID)
	if err != nil {
		return false, err
	}
	if ok {
		return now.Sub(seen) > d.threshold, nil
	}

	started := s.CreatedAt
	if s.StartedAt != nil {
		started = *s.StartedAt
	}
	return now.Sub(started) > d.threshold, nil
}
