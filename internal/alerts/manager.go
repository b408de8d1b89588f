package alerts

import (
	"context"
	"errors"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/LucasGS520/Market-Suite/internal/compare"
	"github.com/LucasGS520/Market-Suite/internal/config"
	"github.com/LucasGS520/Market-Suite/internal/metrics"
	"github.com/LucasGS520/Market-Suite/internal/store"
)

// Manager drives the fan-out of comparison alerts: it filters them
// against user rules, suppresses repeats, renders per-channel messages
// and dispatches every channel in parallel.
type Manager struct {
	db       store.Store
	channels []NotificationChannel
	cooldown time.Duration
	dupWin   time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewManager builds the fan-out manager. An empty channel slice falls
// back to the default set from settings.
func NewManager(db store.Store, channels []NotificationChannel, cfg config.AlertSettings, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if len(channels) == 0 {
		channels = DefaultChannels(cfg)
	}
	return &Manager{
		db:       db,
		channels: channels,
		cooldown: cfg.RuleCooldown,
		dupWin:   cfg.DuplicateWindow,
		metrics:  m,
		logger:   logger.Named("alerts"),
		now:      time.Now,
	}
}

// defaultRule stands in when a user has no configured rules: a bare
// PRICE_TARGET matcher with no thresholds.
func defaultRule(userID uuid.UUID) store.AlertRule {
	return store.AlertRule{
		UserID:   userID,
		RuleType: store.AlertPriceTarget,
		Enabled:  true,
	}
}

// Dispatch sends the alerts of one comparison run for one product.
// Failures in individual channels or alerts never abort the rest.
func (m *Manager) Dispatch(ctx context.Context, monitored *store.MonitoredProduct, alerts []compare.Alert) error {
	if len(alerts) == 0 {
		return nil
	}

	user, err := m.db.UserByID(ctx, monitored.UserID)
	if err != nil {
		return err
	}
	if !user.NotificationsEnabled {
		m.metrics.NotificationsSkippedTotal.WithLabelValues("disabled").Inc()
		return nil
	}

	rules, err := m.db.ActiveRules(ctx, user.ID, monitored.ID)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		rules = []store.AlertRule{defaultRule(user.ID)}
	}

	now := m.now()

	type pending struct {
		alert compare.Alert
		rule  store.AlertRule
	}
	var filtered []pending
	for i := range alerts {
		alert := alerts[i]
		for j := range rules {
			rule := rules[j]
			if !Matches(&alert, &rule) {
				continue
			}
			m.metrics.AlertRulesTriggeredTotal.WithLabelValues(string(rule.RuleType)).Inc()

			if rule.LastNotifiedAt != nil && now.Sub(*rule.LastNotifiedAt) < m.cooldown {
				m.metrics.AlertRulesSuppressedTotal.WithLabelValues("cooldown").Inc()
				break
			}
			if rule.ID != uuid.Nil {
				alert.RuleID = rule.ID.String()
			}
			filtered = append(filtered, pending{alert: alert, rule: rule})
			break
		}
	}

	for _, p := range filtered {
		alertType := ClassifyAlert(&p.alert)
		subject := Subject(alertType, monitored.Name)

		preview, err := Render(alertType, monitored, &p.alert, false)
		if err != nil {
			m.logger.Error("render_failed", zap.String("alert_type", string(alertType)), zap.Error(err))
			continue
		}

		duplicate, err := m.db.HasRecentDuplicate(ctx, user.ID, subject, preview, m.dupWin)
		if err != nil {
			m.logger.Warn("duplicate_check_failed", zap.Error(err))
		}
		if duplicate {
			m.metrics.AlertRulesSuppressedTotal.WithLabelValues("duplicate").Inc()
			continue
		}

		m.sendAll(ctx, user, monitored, &p.alert, alertType, subject)

		if p.rule.ID != uuid.Nil {
			if err := m.db.UpdateRuleLastNotified(ctx, p.rule.ID, now); err != nil {
				m.logger.Warn("rule_touch_failed", zap.String("rule_id", p.rule.ID.String()), zap.Error(err))
			}
		}
	}
	return nil
}

// SendRaw fans out an already-rendered message to every channel,
// bypassing rule matching. Used by the direct notification task.
func (m *Manager) SendRaw(ctx context.Context, userID uuid.UUID, subject, message string, alertType store.AlertType) error {
	user, err := m.db.UserByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.NotificationsEnabled {
		m.metrics.NotificationsSkippedTotal.WithLabelValues("disabled").Inc()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range m.channels {
		ch := ch
		g.Go(func() error {
			m.deliver(gctx, ch, user, alertType, subject, message, nil)
			return nil
		})
	}
	return g.Wait()
}

// sendAll renders the message per channel and dispatches every channel
// concurrently. Each attempt writes its own notification log row.
func (m *Manager) sendAll(ctx context.Context, user *store.User, monitored *store.MonitoredProduct, alert *compare.Alert, alertType store.AlertType, subject string) {
	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range m.channels {
		ch := ch
		g.Go(func() error {
			m.sendOne(gctx, ch, user, monitored, alert, alertType, subject)
			return nil
		})
	}
	g.Wait()
}

func (m *Manager) sendOne(ctx context.Context, ch NotificationChannel, user *store.User, monitored *store.MonitoredProduct, alert *compare.Alert, alertType store.AlertType, subject string) {
	message, err := Render(alertType, monitored, alert, ch.Type() == store.ChannelEmail)
	if err != nil {
		m.logger.Error("render_failed", zap.String("channel", string(ch.Type())), zap.Error(err))
		return
	}
	var ruleID *uuid.UUID
	if alert.RuleID != "" {
		if parsed, parseErr := uuid.Parse(alert.RuleID); parseErr == nil {
			ruleID = &parsed
		}
	}
	m.deliver(ctx, ch, user, alertType, subject, message, ruleID)
}

// deliver runs one channel send and writes its notification log row.
func (m *Manager) deliver(ctx context.Context, ch NotificationChannel, user *store.User, alertType store.AlertType, subject, message string, ruleID *uuid.UUID) {
	channel := string(ch.Type())

	start := m.now()
	metadata, err := ch.Send(ctx, user, subject, message)
	duration := m.now().Sub(start)

	var skip *SkipError
	if errors.As(err, &skip) {
		m.metrics.NotificationsSkippedTotal.WithLabelValues(skip.Reason).Inc()
		m.logger.Warn("notification_skipped", zap.String("channel", channel), zap.String("reason", skip.Reason))
		return
	}

	success := err == nil
	m.metrics.NotificationSendDuration.WithLabelValues(channel).Observe(duration.Seconds())
	m.metrics.NotificationsSentTotal.WithLabelValues(channel, strconv.FormatBool(success)).Inc()
	if err != nil {
		m.logger.Error("notification_failed", zap.String("channel", channel), zap.Error(err))
	}

	log := &store.NotificationLog{
		UserID:           user.ID,
		AlertRuleID:      ruleID,
		AlertType:        alertType,
		Channel:          ch.Type(),
		Subject:          subject,
		Message:          message,
		ProviderMetadata: metadata,
		Success:          success,
	}
	if err != nil {
		log.Error = err.Error()
	}
	if insertErr := m.db.InsertNotificationLog(ctx, log); insertErr != nil {
		m.logger.Error("notification_log_failed", zap.String("channel", channel), zap.Error(insertErr))
	}
}
