// Package steam drives the connection lifecycle of Steam accounts:
// add, login, logout, remove, and the reconnect loop behind unsolicited
// disconnects.
package steam

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/fcastrocs/steamidler/internal/domain"
	"github.com/fcastrocs/steamidler/internal/farming"
	"github.com/fcastrocs/steamidler/internal/logging"
	"github.com/fcastrocs/steamidler/internal/metrics"
	"github.com/fcastrocs/steamidler/internal/registry"
)

// GuardKindContextKey is the error context key carrying the second-factor
// kind on a KindVerificationRequired error.
const GuardKindContextKey = "guardKind"

const (
	reconnectBackoff  = 4 * time.Second
	reconnectJitter   = 2 * time.Second
	escalatedBackoff  = 10 * time.Minute
	escalatedAttempts = 6

	// Fleet-wide pacing of reconnect attempts so a provider blip does not
	// turn into a synchronized login storm through shared proxies.
	reconnectRatePerSecond = 2
	reconnectBurst         = 4

	verificationSweepInterval = time.Minute
)

// Manager orchestrates the account lifecycle. It is the sole writer of the
// durable status field.
type Manager struct {
	accounts      domain.AccountRepository
	proxies       domain.ProxyRepository
	verifications domain.VerificationStore
	registry      *registry.Registry
	farming       *farming.Scheduler
	clients       domain.ClientFactory
	notifier      domain.Notifier
	clock         clockwork.Clock

	maxReconnectAttempts int
	reconnectLimiter     *rate.Limiter
	loginGroup           singleflight.Group
}

func NewManager(
	accounts domain.AccountRepository,
	proxies domain.ProxyRepository,
	verifications domain.VerificationStore,
	reg *registry.Registry,
	scheduler *farming.Scheduler,
	clients domain.ClientFactory,
	notifier domain.Notifier,
	clock clockwork.Clock,
	maxReconnectAttempts int,
) *Manager {
	return &Manager{
		accounts:             accounts,
		proxies:              proxies,
		verifications:        verifications,
		registry:             reg,
		farming:              scheduler,
		clients:              clients,
		notifier:             notifier,
		clock:                clock,
		maxReconnectAttempts: maxReconnectAttempts,
		reconnectLimiter:     rate.NewLimiter(rate.Limit(reconnectRatePerSecond), reconnectBurst),
	}
}

// AddOptions carries the credentials for a first-time account add.
type AddOptions struct {
	AccountName string
	Password    string
	GuardCode   string
}

// Add authenticates a brand-new account and brings it online. A
// second-factor challenge is not a hard failure: the assigned proxy and
// factor kind are persisted so the retry reuses the same proxy and the
// provider does not re-challenge.
func (m *Manager) Add(ctx context.Context, userID uuid.UUID, opts AddOptions) (*domain.SteamAccount, error) {
	key := domain.AccountKey{UserID: userID, AccountName: opts.AccountName}
	log := logging.WithAccount(userID, opts.AccountName)

	if m.registry.Get(key) != nil {
		return nil, domain.Ef(domain.KindAlreadyOnline, "account %s is already online", opts.AccountName)
	}
	if _, err := m.accounts.Get(ctx, userID, opts.AccountName); err == nil {
		return nil, domain.Ef(domain.KindExists, "account %s already exists", opts.AccountName)
	} else if !domain.IsKind(err, domain.KindNotFound) {
		return nil, err
	}

	proxy, err := m.acquireProxyForAdd(ctx, key)
	if err != nil {
		return nil, err
	}

	// A hard failure discards the pending verification (if any), so its
	// proxy hold goes with it.
	releaseOnFailure := func() {
		if releaseErr := m.proxies.Release(context.Background(), proxy.ID); releaseErr != nil {
			log.Error("Failed to release proxy", "proxy_id", proxy.ID, "error", releaseErr)
		}
		_ = m.verifications.Delete(context.Background(), key)
	}

	steam := m.clients.NewSteamClient(*proxy)
	result, err := m.connectAndLogin(ctx, steam, domain.LoginOptions{
		AccountName: opts.AccountName,
		Password:    opts.Password,
		GuardCode:   opts.GuardCode,
	})
	if err != nil {
		steam.Disconnect()
		if domain.IsKind(err, domain.KindVerificationRequired) {
			guardKind := ""
			if v, ok := domain.ContextValue(err, GuardKindContextKey); ok {
				guardKind, _ = v.(string)
			}
			putErr := m.verifications.Put(ctx, key, domain.PendingVerification{
				ProxyID:   proxy.ID,
				GuardKind: guardKind,
				CreatedAt: m.clock.Now(),
			})
			if putErr != nil {
				log.Error("Failed to persist pending verification", "error", putErr)
			}
			m.notifier.Send(userID, "steamaccount/add", domain.NotifyInfo, map[string]any{
				"accountName": opts.AccountName,
				"waitingFor":  guardKind,
			})
			return nil, err
		}
		if !domain.IsKind(err, domain.KindBadVerification) {
			// A bad code keeps the pending entry (and its proxy) alive for
			// another retry; everything else tears the attempt down.
			releaseOnFailure()
		}
		m.notifier.Send(userID, "steamaccount/add", domain.NotifyError, errPayload(opts.AccountName, err))
		return nil, err
	}

	web, cookie, data, err := m.establishWebSession(ctx, steam, result)
	if err != nil {
		steam.Disconnect()
		releaseOnFailure()
		m.notifier.Send(userID, "steamaccount/add", domain.NotifyError, errPayload(opts.AccountName, err))
		return nil, err
	}

	if err := m.verifications.Delete(ctx, key); err != nil {
		log.Warn("Failed to delete pending verification", "error", err)
	}

	session := domain.NewSession(key, steam, web)
	if err := m.registry.Add(session); err != nil {
		steam.Disconnect()
		releaseOnFailure()
		return nil, err
	}

	account := &domain.SteamAccount{
		UserID:       userID,
		AccountName:  opts.AccountName,
		RefreshToken: result.RefreshToken,
		WebCookie:    cookie,
		Status:       domain.StatusOnline,
		ProxyID:      proxy.ID,
		PersonaState: domain.PersonaOnline,
		Data:         data,
	}
	if err := m.accounts.Create(ctx, account); err != nil {
		m.registry.RemoveIf(key, session)
		steam.Disconnect()
		releaseOnFailure()
		return nil, err
	}

	m.subscribe(session)
	metrics.LoginsTotal.WithLabelValues("add", "ok").Inc()
	log.Info("Account added", "proxy_id", proxy.ID)
	m.notifier.Send(userID, "steamaccount/add", domain.NotifySuccess, map[string]any{
		"accountName": opts.AccountName,
		"nickname":    data.Nickname,
	})
	return account, nil
}

// Login brings an existing account online with its stored credential
// material. Concurrent calls for the same account collapse into one.
func (m *Manager) Login(ctx context.Context, userID uuid.UUID, accountName string) error {
	key := domain.AccountKey{UserID: userID, AccountName: accountName}
	_, err, _ := m.loginGroup.Do(key.String(), func() (any, error) {
		return nil, m.login(ctx, key, "login")
	})
	return err
}

// login is the shared path behind Login and reconnect attempts.
func (m *Manager) login(ctx context.Context, key domain.AccountKey, operation string) error {
	log := logging.WithAccount(key.UserID, key.AccountName)

	if m.registry.Get(key) != nil {
		return domain.Ef(domain.KindAlreadyOnline, "account %s is already online", key.AccountName)
	}

	account, err := m.accounts.Get(ctx, key.UserID, key.AccountName)
	if err != nil {
		return err
	}

	proxy, err := m.acquireProxyForLogin(ctx, account)
	if err != nil {
		return err
	}

	steam := m.clients.NewSteamClient(*proxy)
	result, err := m.connectAndLogin(ctx, steam, domain.LoginOptions{
		AccountName:  key.AccountName,
		RefreshToken: account.RefreshToken,
	})
	if err != nil {
		steam.Disconnect()
		metrics.LoginsTotal.WithLabelValues(operation, string(domain.KindOf(err))).Inc()
		if domain.IsKind(err, domain.KindAccessDenied) {
			// Terminal until the user supplies fresh credentials. Persist
			// before notifying so a client reloading state sees the outcome.
			if updateErr := m.accounts.UpdateStatus(context.Background(), key.UserID, key.AccountName, domain.StatusAccessDenied); updateErr != nil {
				log.Error("Failed to persist access denied status", "error", updateErr)
			}
			m.notifier.Send(key.UserID, "steamaccount/login", domain.NotifyError, errPayload(key.AccountName, err))
		}
		return err
	}

	web, cookie, data, err := m.establishWebSession(ctx, steam, result)
	if err != nil {
		steam.Disconnect()
		metrics.LoginsTotal.WithLabelValues(operation, string(domain.KindOf(err))).Inc()
		return err
	}

	session := domain.NewSession(key, steam, web)
	if err := m.registry.Add(session); err != nil {
		steam.Disconnect()
		return err
	}

	if operation == "reconnect" {
		// A logout or removal that landed while this attempt was in
		// flight wins: the session only commits over a still-reconnecting
		// status, otherwise it is torn straight back down.
		committed, commitErr := m.accounts.UpdateStatusIf(ctx, key.UserID, key.AccountName, domain.StatusReconnecting, domain.StatusOnline)
		if commitErr != nil || !committed {
			m.registry.RemoveIf(key, session)
			steam.Disconnect()
			if commitErr != nil {
				return commitErr
			}
			return errAbandoned
		}
	} else if err := m.accounts.UpdateStatus(ctx, key.UserID, key.AccountName, domain.StatusOnline); err != nil {
		log.Error("Failed to persist online status", "error", err)
	}

	if err := m.accounts.UpdateCredentials(ctx, key.UserID, key.AccountName, result.RefreshToken, cookie); err != nil {
		log.Error("Failed to persist refreshed credentials", "error", err)
	}
	if err := m.accounts.UpdateData(ctx, key.UserID, key.AccountName, data); err != nil {
		log.Warn("Failed to persist account data snapshot", "error", err)
	}

	m.subscribe(session)
	metrics.LoginsTotal.WithLabelValues(operation, "ok").Inc()
	m.notifier.Send(key.UserID, "steamaccount/login", domain.NotifySuccess, map[string]any{
		"accountName": key.AccountName,
	})

	m.restoreState(ctx, session, account)
	return nil
}

// Logout takes the account offline. Requires the durable account to
// exist; a missing live session is not an error.
func (m *Manager) Logout(ctx context.Context, userID uuid.UUID, accountName string) error {
	key := domain.AccountKey{UserID: userID, AccountName: accountName}

	if _, err := m.accounts.Get(ctx, userID, accountName); err != nil {
		return err
	}

	if err := m.farming.Stop(ctx, key); err != nil {
		logging.WithAccount(userID, accountName).Warn("Failed to stop farming on logout", "error", err)
	}

	if session := m.registry.Remove(key); session != nil {
		if session.Unsubscribe != nil {
			session.Unsubscribe()
		}
		session.Steam.Disconnect()
	}

	if err := m.accounts.UpdateStatus(ctx, userID, accountName, domain.StatusOffline); err != nil {
		return err
	}

	m.notifier.Send(userID, "steamaccount/logout", domain.NotifySuccess, map[string]any{
		"accountName": accountName,
	})
	return nil
}

// Remove logs the account out, deletes the durable document, and releases
// its proxy back to the pool.
func (m *Manager) Remove(ctx context.Context, userID uuid.UUID, accountName string) error {
	key := domain.AccountKey{UserID: userID, AccountName: accountName}

	account, err := m.accounts.Get(ctx, userID, accountName)
	if err != nil {
		return err
	}

	if err := m.Logout(ctx, userID, accountName); err != nil {
		return err
	}

	if err := m.accounts.Delete(ctx, userID, accountName); err != nil {
		return err
	}
	if err := m.proxies.Release(ctx, account.ProxyID); err != nil {
		logging.WithAccount(userID, accountName).Error("Failed to release proxy", "proxy_id", account.ProxyID, "error", err)
	}
	_ = m.verifications.Delete(ctx, key)

	m.notifier.Send(userID, "steamaccount/remove", domain.NotifySuccess, map[string]any{
		"accountName": accountName,
	})
	return nil
}

// CancelVerification discards a pending second-factor verification and
// releases the proxy it was holding.
func (m *Manager) CancelVerification(ctx context.Context, userID uuid.UUID, accountName string) error {
	key := domain.AccountKey{UserID: userID, AccountName: accountName}

	pending, err := m.verifications.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := m.proxies.Release(ctx, pending.ProxyID); err != nil {
		logging.WithAccount(userID, accountName).Error("Failed to release proxy", "proxy_id", pending.ProxyID, "error", err)
	}
	return m.verifications.Delete(ctx, key)
}

// StartVerificationSweeper periodically collects verification challenges
// the user never answered and releases the proxy slots they were holding.
// The returned stop function is safe to call more than once.
func (m *Manager) StartVerificationSweeper() func() {
	stopCh := make(chan struct{})
	go func() {
		ticker := m.clock.NewTicker(verificationSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.Chan():
				m.sweepVerifications(context.Background())
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(stopCh) }) }
}

func (m *Manager) sweepVerifications(ctx context.Context) {
	expired, err := m.verifications.Sweep(ctx)
	if err != nil {
		slog.Error("Verification sweep failed", "error", err)
		return
	}
	for _, pending := range expired {
		log := logging.WithProxy(pending.ProxyID)
		if err := m.proxies.Release(ctx, pending.ProxyID); err != nil {
			log.Error("Failed to release proxy of expired verification", "error", err)
			continue
		}
		log.Info("Released proxy hold of expired verification")
	}
}

// acquireProxyForAdd reuses the proxy held by a pending verification when
// one exists, otherwise allocates fresh capacity.
func (m *Manager) acquireProxyForAdd(ctx context.Context, key domain.AccountKey) (*domain.Proxy, error) {
	if pending, err := m.verifications.Get(ctx, key); err == nil {
		proxy, reserveErr := m.proxies.Reserve(ctx, pending.ProxyID)
		if reserveErr == nil {
			return proxy, nil
		}
		logging.WithAccount(key.UserID, key.AccountName).Warn("Pending verification proxy unusable, allocating fresh", "proxy_id", pending.ProxyID, "error", reserveErr)
	}

	return m.proxies.Allocate(ctx)
}

// acquireProxyForLogin resumes the account's assigned proxy; its load
// already counts this account. A vanished proxy gets replaced.
func (m *Manager) acquireProxyForLogin(ctx context.Context, account *domain.SteamAccount) (*domain.Proxy, error) {
	if account.ProxyID != 0 {
		proxy, err := m.proxies.Reserve(ctx, account.ProxyID)
		if err == nil {
			return proxy, nil
		}
		if !domain.IsKind(err, domain.KindNotFound) {
			return nil, err
		}
	}

	proxy, err := m.proxies.Allocate(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.accounts.UpdateProxy(ctx, account.UserID, account.AccountName, proxy.ID); err != nil {
		_ = m.proxies.Release(ctx, proxy.ID)
		return nil, err
	}
	return proxy, nil
}

func (m *Manager) connectAndLogin(ctx context.Context, steam domain.SteamClient, opts domain.LoginOptions) (*domain.LoginResult, error) {
	if err := steam.Connect(ctx); err != nil {
		return nil, err
	}
	return steam.Login(ctx, opts)
}

// establishWebSession mints a web nonce on the fresh remote session, logs
// in to the web surface, and pulls the farmable/inventory snapshot.
func (m *Manager) establishWebSession(ctx context.Context, steam domain.SteamClient, result *domain.LoginResult) (domain.WebClient, string, domain.AccountData, error) {
	var data domain.AccountData

	nonce, err := steam.WebLogonToken(ctx)
	if err != nil {
		return nil, "", data, domain.WrapE(domain.KindUnexpected, "failed to mint web nonce", err)
	}

	web := m.clients.NewWebClient("")
	cookie, err := web.Login(ctx, nonce)
	if err != nil {
		return nil, "", data, domain.WrapE(domain.KindUnexpected, "web session login failed", err)
	}

	data.SteamID = result.SteamID
	data.Nickname = result.Nickname
	data.AvatarURL = result.AvatarURL

	if farmable, err := web.FarmableGames(ctx); err == nil {
		data.FarmableGames = farmable
	}
	if items, err := web.CardsInventory(ctx); err == nil {
		data.Items = items
	}

	return web, cookie, data, nil
}

// subscribe installs the disconnect and state-change listeners. The
// returned unsubscribe is stored on the session and called exactly once
// at removal.
func (m *Manager) subscribe(session *domain.Session) {
	key := session.Key
	session.Unsubscribe = session.Steam.Subscribe(domain.SessionEvents{
		Disconnected: func(cause error) {
			go m.handleDisconnect(session, cause)
		},
		LoggedOff: func(reason string) {
			go m.handleDisconnect(session, fmt.Errorf("logged off by provider: %s", reason))
		},
		PersonaState: func(state domain.PersonaState) {
			if err := m.accounts.UpdatePersona(context.Background(), key.UserID, key.AccountName, state); err != nil {
				logging.WithAccount(key.UserID, key.AccountName).Warn("Failed to persist persona state", "error", err)
			}
		},
	})
}

// restoreState replays saved idling/farming state after a (re)login.
func (m *Manager) restoreState(ctx context.Context, session *domain.Session, account *domain.SteamAccount) {
	key := session.Key
	log := logging.WithAccount(key.UserID, key.AccountName)

	if err := session.Steam.SetPersonaState(ctx, account.PersonaState); err != nil {
		log.Warn("Failed to restore persona state", "error", err)
	}

	switch {
	case len(account.FarmedGameIDs) > 0:
		if err := m.farming.Start(ctx, key); err != nil {
			log.Warn("Failed to resume farming", "error", err)
		}
	case len(account.IdledGameIDs) > 0:
		if err := session.Steam.GamesPlayed(ctx, account.IdledGameIDs); err != nil {
			log.Warn("Failed to resume idling", "error", err)
			return
		}
		if err := m.accounts.UpdateStatus(ctx, key.UserID, key.AccountName, domain.StatusInGame); err != nil {
			log.Warn("Failed to persist ingame status", "error", err)
		}
	}
}

func errPayload(accountName string, err error) map[string]any {
	return map[string]any{
		"accountName": accountName,
		"error":       err.Error(),
		"kind":        string(domain.KindOf(err)),
	}
}
