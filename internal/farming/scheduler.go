// Package farming runs the periodic card-farming cycle, one timer per
// account.
package farming

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fcastrocs/steamidler/internal/domain"
	"github.com/fcastrocs/steamidler/internal/logging"
	"github.com/fcastrocs/steamidler/internal/metrics"
	"github.com/fcastrocs/steamidler/internal/registry"
)

const (
	// maxIdleGames is Steam's per-session idle limit.
	maxIdleGames = 32
	// settleDelay gives the zero-idle quiesce time to take effect
	// server-side before the farmable query runs.
	settleDelay   = 5 * time.Second
	queryAttempts = 3
	queryDelay    = 2 * time.Second
)

type task struct {
	stopCh   chan struct{}
	stopOnce sync.Once
}

func (t *task) cancel() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// Scheduler owns at most one farming timer per account.
type Scheduler struct {
	registry *registry.Registry
	accounts domain.AccountRepository
	clients  domain.ClientFactory
	notifier domain.Notifier
	clock    clockwork.Clock
	interval time.Duration

	mu    sync.Mutex
	tasks map[domain.AccountKey]*task
}

func NewScheduler(reg *registry.Registry, accounts domain.AccountRepository, clients domain.ClientFactory, notifier domain.Notifier, clock clockwork.Clock, interval time.Duration) *Scheduler {
	return &Scheduler{
		registry: reg,
		accounts: accounts,
		clients:  clients,
		notifier: notifier,
		clock:    clock,
		interval: interval,
		tasks:    make(map[domain.AccountKey]*task),
	}
}

// Start runs one farming cycle synchronously so the caller observes an
// immediate result, then installs the periodic timer. Fails with
// KindAlreadyFarming if a timer already exists and KindNotOnline if no
// live session exists.
func (s *Scheduler) Start(ctx context.Context, key domain.AccountKey) error {
	s.mu.Lock()
	if _, exists := s.tasks[key]; exists {
		s.mu.Unlock()
		return domain.Ef(domain.KindAlreadyFarming, "account %s is already farming", key.AccountName)
	}
	if s.registry.Get(key) == nil {
		s.mu.Unlock()
		return domain.Ef(domain.KindNotOnline, "account %s is not online", key.AccountName)
	}
	t := &task{stopCh: make(chan struct{})}
	s.tasks[key] = t
	metrics.FarmingActiveAccounts.Set(float64(len(s.tasks)))
	s.mu.Unlock()

	if err := s.runCycle(ctx, key); err != nil {
		if domain.IsKind(err, domain.KindNoFarmableGames) {
			// Same teardown as the periodic loop: the farmed set must be
			// persisted empty or a later resume replays stale ids.
			if stopErr := s.Stop(ctx, key); stopErr != nil {
				logging.WithAccount(key.UserID, key.AccountName).Error("Failed to stop farming", "error", stopErr)
			}
			return err
		}
		s.removeTask(key)
		return err
	}

	go s.loop(key, t)
	s.notifier.Send(key.UserID, "farming/start", domain.NotifySuccess, map[string]any{"accountName": key.AccountName})
	return nil
}

// Stop is a no-op without a timer. Otherwise it cancels the timer,
// zero-idles the live session if still present, and persists the farming
// fields back to inactive. Safe to call from user action, disconnect, and
// the scheduler itself.
func (s *Scheduler) Stop(ctx context.Context, key domain.AccountKey) error {
	s.mu.Lock()
	t, exists := s.tasks[key]
	if !exists {
		s.mu.Unlock()
		return nil
	}
	delete(s.tasks, key)
	metrics.FarmingActiveAccounts.Set(float64(len(s.tasks)))
	s.mu.Unlock()

	t.cancel()

	status := domain.StatusOffline
	if session := s.registry.Get(key); session != nil {
		if err := session.Steam.GamesPlayed(ctx, nil); err != nil {
			logging.WithAccount(key.UserID, key.AccountName).Warn("Failed to zero-idle on farming stop", "error", err)
		}
		status = domain.StatusOnline
	}

	if err := s.accounts.UpdateFarming(ctx, key.UserID, key.AccountName, nil, status); err != nil {
		return err
	}
	s.notifier.Send(key.UserID, "farming/stop", domain.NotifyInfo, map[string]any{"accountName": key.AccountName})
	return nil
}

// Farming reports whether a timer exists for the account.
func (s *Scheduler) Farming(key domain.AccountKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.tasks[key]
	return exists
}

// StopAll cancels every timer without touching live sessions or durable
// state; used on process shutdown.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.tasks {
		t.cancel()
		delete(s.tasks, key)
	}
	metrics.FarmingActiveAccounts.Set(0)
}

func (s *Scheduler) removeTask(key domain.AccountKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, exists := s.tasks[key]; exists {
		t.cancel()
		delete(s.tasks, key)
		metrics.FarmingActiveAccounts.Set(float64(len(s.tasks)))
	}
}

func (s *Scheduler) loop(key domain.AccountKey, t *task) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	log := logging.WithAccount(key.UserID, key.AccountName)
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.Chan():
			err := s.runCycle(context.Background(), key)
			if err == nil {
				continue
			}
			if domain.IsKind(err, domain.KindNoFarmableGames) {
				log.Info("No farmable games left, stopping farming")
				if stopErr := s.Stop(context.Background(), key); stopErr != nil {
					log.Error("Failed to stop farming", "error", stopErr)
				}
				return
			}
			// Periodic failures do not tear down the schedule.
			log.Warn("Farming cycle failed", "error", err)
		}
	}
}

// runCycle performs one full cycle: quiesce, settle, probe, persist, idle.
func (s *Scheduler) runCycle(ctx context.Context, key domain.AccountKey) error {
	session := s.registry.Get(key)
	if session == nil {
		metrics.FarmingCyclesTotal.WithLabelValues("error").Inc()
		return domain.Ef(domain.KindNotOnline, "account %s is not online", key.AccountName)
	}

	// Quiesce so the farmable query reflects a clean state rather than one
	// polluted by already-idled titles.
	if err := session.Steam.GamesPlayed(ctx, nil); err != nil {
		metrics.FarmingCyclesTotal.WithLabelValues("error").Inc()
		return domain.WrapE(domain.KindUnexpected, "failed to stop idling", err)
	}

	timer := s.clock.NewTimer(settleDelay)
	select {
	case <-timer.Chan():
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	}

	farmable, err := s.queryFarmable(ctx, key, session)
	if err != nil {
		metrics.FarmingCyclesTotal.WithLabelValues("error").Inc()
		return err
	}

	// Persist the snapshot unconditionally, even when empty.
	if err := s.persistSnapshot(ctx, key, farmable); err != nil {
		logging.WithAccount(key.UserID, key.AccountName).Warn("Failed to persist farmable snapshot", "error", err)
	}

	if len(farmable) == 0 {
		metrics.FarmingCyclesTotal.WithLabelValues("empty").Inc()
		return domain.Ef(domain.KindNoFarmableGames, "account %s has no farmable games", key.AccountName)
	}

	if len(farmable) > maxIdleGames {
		farmable = farmable[:maxIdleGames]
	}
	appIDs := make([]uint32, len(farmable))
	for i, game := range farmable {
		appIDs[i] = game.AppID
	}

	if err := session.Steam.GamesPlayed(ctx, appIDs); err != nil {
		metrics.FarmingCyclesTotal.WithLabelValues("error").Inc()
		return domain.WrapE(domain.KindUnexpected, "failed to idle farmable games", err)
	}

	if err := s.accounts.UpdateFarming(ctx, key.UserID, key.AccountName, appIDs, domain.StatusInGame); err != nil {
		metrics.FarmingCyclesTotal.WithLabelValues("error").Inc()
		return err
	}

	metrics.FarmingCyclesTotal.WithLabelValues("ok").Inc()
	s.notifier.Send(key.UserID, "farming/cycle", domain.NotifyInfo, map[string]any{
		"accountName": key.AccountName,
		"farming":     len(appIDs),
		"farmable":    len(farmable),
	})
	return nil
}

// queryFarmable retries the farmable-games query a few times with a fixed
// delay. A cookie-expired failure is self-healing: re-establish the web
// session from a fresh web nonce before retrying.
func (s *Scheduler) queryFarmable(ctx context.Context, key domain.AccountKey, session *domain.Session) ([]domain.FarmableGame, error) {
	log := logging.WithAccount(key.UserID, key.AccountName)

	var lastErr error
	for attempt := 1; attempt <= queryAttempts; attempt++ {
		games, err := session.Web().FarmableGames(ctx)
		if err == nil {
			return games, nil
		}
		lastErr = err

		if domain.IsKind(err, domain.KindCookieExpired) {
			log.Info("Web session cookie expired, refreshing")
			if refreshErr := s.refreshWebSession(ctx, key, session); refreshErr != nil {
				log.Warn("Failed to refresh web session", "error", refreshErr)
			}
		}

		if attempt < queryAttempts {
			timer := s.clock.NewTimer(queryDelay)
			select {
			case <-timer.Chan():
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}
	}
	return nil, domain.WrapE(domain.KindUnexpected, "farmable games query failed", lastErr)
}

func (s *Scheduler) refreshWebSession(ctx context.Context, key domain.AccountKey, session *domain.Session) error {
	nonce, err := session.Steam.WebLogonToken(ctx)
	if err != nil {
		return err
	}

	web := s.clients.NewWebClient("")
	cookie, err := web.Login(ctx, nonce)
	if err != nil {
		return err
	}

	session.SetWeb(web)
	return s.accounts.UpdateWebCookie(ctx, key.UserID, key.AccountName, cookie)
}

func (s *Scheduler) persistSnapshot(ctx context.Context, key domain.AccountKey, farmable []domain.FarmableGame) error {
	account, err := s.accounts.Get(ctx, key.UserID, key.AccountName)
	if err != nil {
		return err
	}
	account.Data.FarmableGames = farmable
	return s.accounts.UpdateData(ctx, key.UserID, key.AccountName, account.Data)
}
