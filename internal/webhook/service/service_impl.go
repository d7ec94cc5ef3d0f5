package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/partnergate/internal/alerting"
	"github.com/smallbiznis/partnergate/internal/clock"
	"github.com/smallbiznis/partnergate/internal/config"
	appdomain "github.com/smallbiznis/partnergate/internal/integrationapp/domain"
	"github.com/smallbiznis/partnergate/internal/observability/metrics"
	"github.com/smallbiznis/partnergate/internal/signer"
	hookdomain "github.com/smallbiznis/partnergate/internal/webhook/domain"
	"github.com/smallbiznis/partnergate/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	triggerInline    = "inline"
	triggerSweep     = "sweep"
	triggerRedeliver = "redeliver"

	maxErrorLength = 512
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Repo    hookdomain.Repository
	Clock   clock.Clock
	Apps    appdomain.Service
	Sender  hookdomain.Sender
	Alerts  alerting.Raiser
	Gateway *config.GatewayConfigHolder
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	repo    hookdomain.Repository
	clock   clock.Clock
	apps    appdomain.Service
	sender  hookdomain.Sender
	alerts  alerting.Raiser
	gateway *config.GatewayConfigHolder
	metrics *metrics.Metrics
}

func New(p Params) hookdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("webhook.service"),
		genID:   p.GenID,
		repo:    p.Repo,
		clock:   p.Clock,
		apps:    p.Apps,
		sender:  p.Sender,
		alerts:  p.Alerts,
		gateway: p.Gateway,
		metrics: p.Metrics,
	}
}

func (s *Service) Deliver(ctx context.Context, appID snowflake.ID, eventType string, data any) (*hookdomain.Delivery, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, hookdomain.ErrInvalidEventType
	}

	app, err := s.apps.GetByID(ctx, appID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(app.WebhookURL) == "" {
		s.warnConfig(ctx, app, appdomain.WarningWebhookURLMissing, "webhook url missing, event not queued")
		return nil, hookdomain.ErrWebhookNotConfigured
	}

	secret, err := s.apps.ResolveWebhookSecret(ctx, app)
	if err != nil {
		if errors.Is(err, appdomain.ErrWebhookSecretMissing) {
			s.warnConfig(ctx, app, appdomain.WarningWebhookSecretMissing, "webhook secret missing, event not queued")
		}
		return nil, err
	}
	if secret.Source == appdomain.SecretSourceInstanceDefault {
		s.warnConfig(ctx, app, appdomain.WarningWebhookSecretFallback, "webhook signed with instance default secret")
	}

	now := s.clock.Now()
	body, err := json.Marshal(hookdomain.Envelope{
		Type:      eventType,
		Timestamp: now.Format(time.RFC3339),
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("encode webhook envelope: %w", err)
	}

	cfg := s.gateway.Get().Webhook
	lease := now.Add(leaseDuration(cfg))
	delivery := &hookdomain.Delivery{
		ID:           s.genID.Generate(),
		AppID:        app.ID,
		EventID:      ulid.Make().String(),
		EventType:    eventType,
		Payload:      body,
		Signature:    signer.Sign(secret.Secret, body),
		Status:       hookdomain.StatusPending,
		AttemptCount: 1,
		NextRetryAt:  &lease,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Insert(ctx, s.db, delivery); err != nil {
		return nil, err
	}

	s.attempt(ctx, app, delivery, triggerInline)
	return delivery, nil
}

// RetryDue processes one batch. Rows whose attempt budget is already spent
// (a crash during the final attempt) are closed out as exhausted.
func (s *Service) RetryDue(ctx context.Context, limit int) (hookdomain.SweepResult, error) {
	var result hookdomain.SweepResult
	if limit <= 0 {
		limit = s.gateway.Get().Sweep.BatchSize
	}

	now := s.clock.Now()
	due, err := s.repo.ListDue(ctx, s.db, now, limit)
	if err != nil {
		return result, err
	}
	result.Due = len(due)

	cfg := s.gateway.Get().Webhook
	apps := make(map[snowflake.ID]*appdomain.App)
	for i := range due {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		delivery := &due[i]

		if delivery.AttemptCount >= cfg.MaxAttempts {
			outcome := s.exhaust(ctx, delivery, delivery.AttemptCount, delivery.LastStatusCode, "attempt lease expired")
			s.tally(&result, outcome, triggerSweep)
			continue
		}

		if !sendBudgetLeft(ctx, cfg.Timeout) {
			s.log.Info("sweep budget spent, leaving remaining deliveries for the next tick",
				zap.Int("remaining", len(due)-i),
			)
			break
		}

		observed := delivery.AttemptCount
		lease := s.clock.Now().Add(leaseDuration(cfg))
		rows, err := s.repo.Claim(ctx, s.db, delivery.ID, observed, lease, s.clock.Now())
		if err != nil {
			return result, err
		}
		if rows == 0 {
			continue
		}
		result.Claimed++
		delivery.AttemptCount = observed + 1
		delivery.Status = hookdomain.StatusPending
		delivery.NextRetryAt = &lease

		app, ok := apps[delivery.AppID]
		if !ok {
			app, err = s.apps.GetByID(ctx, delivery.AppID)
			if err != nil {
				s.log.Error("load app for webhook retry", zap.String("delivery_id", delivery.ID.String()), zap.Error(err))
				app = nil
			}
			apps[delivery.AppID] = app
		}

		outcome := s.attempt(ctx, app, delivery, triggerSweep)
		s.tally(&result, outcome, "")
	}

	return result, nil
}

// Redeliver queues a copy of a finished delivery with the original bytes.
func (s *Service) Redeliver(ctx context.Context, appID, deliveryID snowflake.ID) (*hookdomain.Delivery, error) {
	original, err := s.repo.FindByID(ctx, s.db, appID, deliveryID)
	if err != nil {
		return nil, err
	}
	if original == nil {
		return nil, hookdomain.ErrDeliveryNotFound
	}
	if !original.Terminal() {
		return nil, hookdomain.ErrDeliveryInFlight
	}

	app, err := s.apps.GetByID(ctx, appID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(app.WebhookURL) == "" {
		s.warnConfig(ctx, app, appdomain.WarningWebhookURLMissing, "webhook url missing, redelivery not queued")
		return nil, hookdomain.ErrWebhookNotConfigured
	}

	now := s.clock.Now()
	lease := now.Add(leaseDuration(s.gateway.Get().Webhook))
	sourceID := original.ID
	delivery := &hookdomain.Delivery{
		ID:           s.genID.Generate(),
		AppID:        original.AppID,
		EventID:      original.EventID,
		EventType:    original.EventType,
		Payload:      original.Payload,
		Signature:    original.Signature,
		Status:       hookdomain.StatusPending,
		AttemptCount: 1,
		NextRetryAt:  &lease,
		RedeliveryOf: &sourceID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Insert(ctx, s.db, delivery); err != nil {
		return nil, err
	}

	s.log.Info("webhook redelivery queued",
		zap.String("delivery_id", delivery.ID.String()),
		zap.String("redelivery_of", sourceID.String()),
	)
	s.attempt(ctx, app, delivery, triggerRedeliver)
	return delivery, nil
}

func (s *Service) List(ctx context.Context, appID snowflake.ID, page pagination.Pagination) ([]hookdomain.DeliveryResponse, *pagination.PageInfo, error) {
	cursor, err := pagination.DecodeCursor(page.PageToken)
	if err != nil {
		return nil, nil, err
	}
	var beforeID snowflake.ID
	if cursor != nil {
		beforeID, err = snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, nil, pagination.ErrInvalidPageToken
		}
	}

	limit := page.Limit()
	items, err := s.repo.List(ctx, s.db, appID, beforeID, limit+1)
	if err != nil {
		return nil, nil, err
	}

	items, info, err := pagination.BuildCursorPageInfo(items, limit, func(d *hookdomain.Delivery) string {
		return d.ID.String()
	})
	if err != nil {
		return nil, nil, err
	}

	resp := make([]hookdomain.DeliveryResponse, 0, len(items))
	for _, item := range items {
		resp = append(resp, hookdomain.ToResponse(item))
	}
	return resp, info, nil
}

// attempt sends the stored body once for the attempt number already recorded
// on the row and writes the outcome under that attempt number.
func (s *Service) attempt(ctx context.Context, app *appdomain.App, delivery *hookdomain.Delivery, trigger string) string {
	cfg := s.gateway.Get().Webhook
	attempt := delivery.AttemptCount

	var (
		statusCode int
		sendErr    error
	)
	if app == nil || strings.TrimSpace(app.WebhookURL) == "" {
		sendErr = hookdomain.ErrWebhookNotConfigured
		if app != nil {
			s.warnConfig(ctx, app, appdomain.WarningWebhookURLMissing, "webhook url removed while delivery pending")
		}
	} else {
		sendCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		res, err := s.sender.Send(sendCtx, hookdomain.SendRequest{
			URL:        app.WebhookURL,
			Body:       delivery.Payload,
			Signature:  delivery.Signature,
			EventType:  delivery.EventType,
			EventID:    delivery.EventID,
			DeliveryID: delivery.ID.String(),
			Attempt:    attempt,
		})
		cancel()
		statusCode = res.StatusCode
		switch {
		case err != nil:
			sendErr = err
		case !res.OK():
			sendErr = fmt.Errorf("partner responded with status %d", res.StatusCode)
		}
	}

	// The attempt is already counted on the row, so its outcome is recorded
	// even when the caller has gone away.
	ctx = context.WithoutCancel(ctx)

	var outcome string
	if sendErr == nil {
		outcome = s.succeed(ctx, delivery, attempt, statusCode)
	} else if attempt >= cfg.MaxAttempts {
		outcome = s.exhaust(ctx, delivery, attempt, statusCode, sendErr.Error())
	} else {
		outcome = s.fail(ctx, delivery, attempt, statusCode, sendErr.Error())
	}

	if trigger != "" {
		metrics.Worker().IncDeliveryResult(trigger, outcome)
	}
	s.metrics.RecordWebhookAttempt(ctx, delivery.EventType, outcome)
	return outcome
}

func (s *Service) succeed(ctx context.Context, delivery *hookdomain.Delivery, attempt, statusCode int) string {
	now := s.clock.Now()
	out := hookdomain.AttemptOutcome{
		Status:      hookdomain.StatusDelivered,
		StatusCode:  statusCode,
		DeliveredAt: &now,
		At:          now,
	}
	if !s.finish(ctx, delivery, attempt, out) {
		return metrics.DeliveryOutcomeLost
	}
	s.log.Info("webhook delivered",
		zap.String("delivery_id", delivery.ID.String()),
		zap.String("event_type", delivery.EventType),
		zap.Int("attempt", attempt),
		zap.Int("status_code", statusCode),
	)
	return metrics.DeliveryOutcomeDelivered
}

func (s *Service) fail(ctx context.Context, delivery *hookdomain.Delivery, attempt, statusCode int, reason string) string {
	cfg := s.gateway.Get().Webhook
	now := s.clock.Now()
	next := now.Add(Backoff(attempt, cfg.BackoffBase, cfg.BackoffCap))
	out := hookdomain.AttemptOutcome{
		Status:      hookdomain.StatusFailed,
		StatusCode:  statusCode,
		Error:       truncate(reason),
		NextRetryAt: &next,
		At:          now,
	}
	if !s.finish(ctx, delivery, attempt, out) {
		return metrics.DeliveryOutcomeLost
	}

	s.log.Warn("webhook attempt failed",
		zap.String("delivery_id", delivery.ID.String()),
		zap.String("event_type", delivery.EventType),
		zap.Int("attempt", attempt),
		zap.Int("status_code", statusCode),
		zap.Time("next_retry_at", next),
		zap.String("reason", out.Error),
	)
	s.alerts.Raise(ctx, alerting.Alert{
		Key:      "delivery:" + delivery.ID.String() + ":attempt:" + strconv.Itoa(attempt),
		Kind:     alerting.KindDeliveryFailed,
		Severity: alerting.SeverityWarning,
		AppID:    delivery.AppID.String(),
		Message:  fmt.Sprintf("webhook %s attempt %d failed: %s", delivery.EventType, attempt, out.Error),
	})
	return metrics.DeliveryOutcomeFailed
}

func (s *Service) exhaust(ctx context.Context, delivery *hookdomain.Delivery, attempt, statusCode int, reason string) string {
	now := s.clock.Now()
	out := hookdomain.AttemptOutcome{
		Status:     hookdomain.StatusFailed,
		StatusCode: statusCode,
		Error:      truncate(reason),
		At:         now,
	}
	if !s.finish(ctx, delivery, attempt, out) {
		return metrics.DeliveryOutcomeLost
	}

	s.log.Error("webhook delivery exhausted",
		zap.String("delivery_id", delivery.ID.String()),
		zap.String("integration_app_id", delivery.AppID.String()),
		zap.String("event_type", delivery.EventType),
		zap.Int("attempts", attempt),
		zap.String("reason", out.Error),
	)
	s.alerts.Raise(ctx, alerting.Alert{
		Key:      "delivery:" + delivery.ID.String() + ":exhausted",
		Kind:     alerting.KindDeliveryExhausted,
		Severity: alerting.SeverityCritical,
		AppID:    delivery.AppID.String(),
		Message:  fmt.Sprintf("webhook %s exhausted after %d attempts: %s", delivery.EventType, attempt, out.Error),
	})
	return metrics.DeliveryOutcomeExhausted
}

// finish writes the outcome and mirrors it onto delivery. It returns false
// when a later attempt owns the row.
func (s *Service) finish(ctx context.Context, delivery *hookdomain.Delivery, attempt int, out hookdomain.AttemptOutcome) bool {
	rows, err := s.repo.Finish(ctx, s.db, delivery.ID, attempt, out)
	if err != nil {
		// The lease on the row lets the sweep pick it up again.
		s.log.Error("record webhook attempt", zap.String("delivery_id", delivery.ID.String()), zap.Error(err))
		return false
	}
	if rows == 0 {
		s.log.Warn("webhook attempt superseded",
			zap.String("delivery_id", delivery.ID.String()),
			zap.Int("attempt", attempt),
		)
		return false
	}

	delivery.Status = out.Status
	delivery.LastStatusCode = out.StatusCode
	delivery.LastError = out.Error
	delivery.NextRetryAt = out.NextRetryAt
	delivery.DeliveredAt = out.DeliveredAt
	delivery.UpdatedAt = out.At
	return true
}

func (s *Service) warnConfig(ctx context.Context, app *appdomain.App, code, message string) {
	if err := s.apps.RecordConfigWarning(ctx, app.ID, code); err != nil {
		s.log.Warn("record configuration warning", zap.String("integration_app_id", app.ID.String()), zap.Error(err))
	}
	s.alerts.Raise(ctx, alerting.Alert{
		Key:      "config:" + app.ID.String() + ":" + code,
		Kind:     alerting.KindConfiguration,
		Severity: alerting.SeverityWarning,
		AppID:    app.ID.String(),
		Message:  message,
	})
}

func (s *Service) tally(result *hookdomain.SweepResult, outcome, trigger string) {
	switch outcome {
	case metrics.DeliveryOutcomeDelivered:
		result.Delivered++
	case metrics.DeliveryOutcomeFailed:
		result.Failed++
	case metrics.DeliveryOutcomeExhausted:
		result.Exhausted++
	case metrics.DeliveryOutcomeLost:
		result.Lost++
	}
	if trigger != "" {
		metrics.Worker().IncDeliveryResult(trigger, outcome)
	}
}

// Backoff returns base * 2^(attempt-1), capped.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}

// sendBudgetLeft reports whether ctx leaves room for a full send.
func sendBudgetLeft(ctx context.Context, timeout time.Duration) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return true
	}
	return time.Until(deadline) >= timeout
}

// leaseDuration is how long an in-flight attempt owns its row before the
// sweep may reclaim it.
func leaseDuration(cfg config.WebhookTunables) time.Duration {
	lease := 2 * cfg.Timeout
	if lease < cfg.BackoffBase {
		lease = cfg.BackoffBase
	}
	return lease
}

func truncate(s string) string {
	if len(s) <= maxErrorLength {
		return s
	}
	return s[:maxErrorLength]
}
