package steam

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fcastrocs/steamidler/internal/domain"
	"github.com/fcastrocs/steamidler/internal/logging"
	"github.com/fcastrocs/steamidler/internal/metrics"
	"github.com/fcastrocs/steamidler/internal/retry"
)

// errAbandoned aborts a reconnect episode whose account was logged out or
// brought back online through another path while the loop was sleeping.
var errAbandoned = errors.New("reconnect abandoned")

// handleDisconnect reacts to an unsolicited drop of a live session. The
// RemoveIf guard makes late handler invocations harmless: if the registry
// already holds a newer session for the key, this one is stale and only
// its own resources get torn down.
func (m *Manager) handleDisconnect(session *domain.Session, cause error) {
	key := session.Key
	log := logging.WithAccount(key.UserID, key.AccountName)

	if !m.registry.RemoveIf(key, session) {
		session.Steam.Disconnect()
		return
	}
	if session.Unsubscribe != nil {
		session.Unsubscribe()
	}
	session.Steam.Disconnect()

	ctx := context.Background()
	if err := m.farming.Stop(ctx, key); err != nil && !domain.IsKind(err, domain.KindNotFound) {
		log.Warn("Failed to stop farming after disconnect", "error", err)
	}
	if err := m.accounts.UpdateStatus(ctx, key.UserID, key.AccountName, domain.StatusReconnecting); err != nil {
		log.Error("Failed to persist reconnecting status", "error", err)
	}

	log.Warn("Session dropped, starting reconnect", "cause", cause)
	m.notifier.Send(key.UserID, "connection/reconnecting", domain.NotifyInfo, map[string]any{
		"accountName": key.AccountName,
	})

	m.reconnect(ctx, key)
}

// reconnect runs one reconnect episode for key. Auth rejections stop the
// episode immediately; a service-unavailable signal escalates once to the
// long fixed interval. Any terminal outcome leaves the account offline,
// except an access-denied rejection which keeps the status the login path
// already persisted.
func (m *Manager) reconnect(ctx context.Context, key domain.AccountKey) {
	log := logging.WithAccount(key.UserID, key.AccountName)

	policy := retry.Policy{
		MaxAttempts:       m.maxReconnectAttempts,
		Backoff:           reconnectBackoff,
		Jitter:            reconnectJitter,
		EscalatedBackoff:  escalatedBackoff,
		EscalatedAttempts: escalatedAttempts,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			log.Info("Reconnect attempt failed", "attempt", attempt, "backoff", backoff, "error", err)
		},
		OnEscalate: func(err error) {
			metrics.ReconnectEscalationsTotal.Inc()
			log.Warn("Provider unavailable, escalating reconnect backoff", "error", err)
		},
	}

	err := retry.DoVoid(ctx, m.clock, policy, m.classifyReconnect, func() error {
		if abandonErr := m.checkAbandoned(ctx, key); abandonErr != nil {
			return abandonErr
		}
		if waitErr := m.reconnectLimiter.Wait(ctx); waitErr != nil {
			return waitErr
		}
		metrics.ReconnectAttemptsTotal.Inc()
		return m.login(ctx, key, "reconnect")
	})
	if err == nil {
		log.Info("Reconnected")
		m.notifier.Send(key.UserID, "connection/reconnected", domain.NotifySuccess, map[string]any{
			"accountName": key.AccountName,
		})
		return
	}

	if errors.Is(err, errAbandoned) || domain.IsKind(err, domain.KindAlreadyOnline) {
		return
	}

	log.Error("Reconnect episode exhausted", "error", err)
	if !domain.IsKind(err, domain.KindAccessDenied) {
		if updateErr := m.accounts.UpdateStatus(ctx, key.UserID, key.AccountName, domain.StatusOffline); updateErr != nil {
			log.Error("Failed to persist offline status", "error", updateErr)
		}
	}
	m.notifier.Send(key.UserID, "connection/lost", domain.NotifyError, errPayload(key.AccountName, err))
}

func (m *Manager) classifyReconnect(err error) retry.Action {
	switch {
	case errors.Is(err, errAbandoned):
		return retry.Stop
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return retry.Stop
	case domain.IsKind(err, domain.KindAlreadyOnline):
		return retry.Stop
	case domain.AuthRejection(err):
		return retry.Stop
	case domain.IsKind(err, domain.KindServiceUnavailable):
		return retry.Escalate
	default:
		return retry.Retry
	}
}

// checkAbandoned returns errAbandoned when the account no longer wants
// this episode: the user logged it out, removed it, or another session
// already came up.
func (m *Manager) checkAbandoned(ctx context.Context, key domain.AccountKey) error {
	if m.registry.Get(key) != nil {
		return errAbandoned
	}
	account, err := m.accounts.Get(ctx, key.UserID, key.AccountName)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return errAbandoned
		}
		return err
	}
	if account.Status != domain.StatusReconnecting {
		return errAbandoned
	}
	return nil
}

// Reconcile sweeps accounts stranded in a live status by an unclean
// shutdown and runs a reconnect episode for each. Called once at startup.
func (m *Manager) Reconcile(ctx context.Context) error {
	stranded, err := m.accounts.ListByStatus(ctx, domain.StatusOnline, domain.StatusInGame, domain.StatusReconnecting)
	if err != nil {
		return err
	}

	for _, account := range stranded {
		key := account.Key()
		if err := m.accounts.UpdateStatus(ctx, key.UserID, key.AccountName, domain.StatusReconnecting); err != nil {
			logging.WithAccount(key.UserID, key.AccountName).Error("Failed to mark account reconnecting", "error", err)
			continue
		}
		go m.reconnect(context.Background(), key)
	}

	if len(stranded) > 0 {
		slog.Info("Startup reconciliation started", "accounts", len(stranded))
	}
	return nil
}
