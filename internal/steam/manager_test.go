package steam

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fcastrocs/steamidler/internal/domain"
	"github.com/fcastrocs/steamidler/internal/farming"
	"github.com/fcastrocs/steamidler/internal/registry"
	"github.com/fcastrocs/steamidler/internal/testutil"
)

// --- Mocks ---

// scriptedClient is a fake wire client whose login outcome is fixed at
// construction by the factory script.
type scriptedClient struct {
	mu          sync.Mutex
	loginErr    error
	loginGate   chan struct{}
	events      domain.SessionEvents
	gamesPlayed [][]uint32
	persona     []domain.PersonaState
	closed      bool
}

func (c *scriptedClient) Connect(context.Context) error { return nil }

func (c *scriptedClient) Login(context.Context, domain.LoginOptions) (*domain.LoginResult, error) {
	c.mu.Lock()
	gate := c.loginGate
	err := c.loginErr
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return &domain.LoginResult{SteamID: 7656119, RefreshToken: "token", Nickname: "gaben"}, nil
}

func (c *scriptedClient) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *scriptedClient) Subscribe(events domain.SessionEvents) func() {
	c.mu.Lock()
	c.events = events
	c.mu.Unlock()
	return func() {}
}

func (c *scriptedClient) SetPersonaState(_ context.Context, state domain.PersonaState) error {
	c.mu.Lock()
	c.persona = append(c.persona, state)
	c.mu.Unlock()
	return nil
}

func (c *scriptedClient) GamesPlayed(_ context.Context, appIDs []uint32) error {
	c.mu.Lock()
	c.gamesPlayed = append(c.gamesPlayed, appIDs)
	c.mu.Unlock()
	return nil
}

func (c *scriptedClient) RequestFreeLicense(context.Context, []uint32) error { return nil }
func (c *scriptedClient) RegisterKey(context.Context, string) error          { return nil }
func (c *scriptedClient) WebLogonToken(context.Context) (string, error)      { return "nonce", nil }

// fireDisconnect invokes the installed disconnect handler like the wire
// client would on a dropped connection.
func (c *scriptedClient) fireDisconnect(cause error) {
	c.mu.Lock()
	handler := c.events.Disconnected
	c.mu.Unlock()
	handler(cause)
}

func (c *scriptedClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *scriptedClient) played() [][]uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]uint32, len(c.gamesPlayed))
	copy(out, c.gamesPlayed)
	return out
}

type stubWebClient struct{}

func (stubWebClient) Login(context.Context, string) (string, error) { return "cookie", nil }
func (stubWebClient) FarmableGames(context.Context) ([]domain.FarmableGame, error) {
	return nil, nil
}
func (stubWebClient) CardsInventory(context.Context) ([]domain.InventoryItem, error) {
	return nil, nil
}
func (stubWebClient) ChangeAvatar(context.Context, []byte) (string, error) { return "url", nil }
func (stubWebClient) ChangePrivacy(context.Context, string) error          { return nil }
func (stubWebClient) ClearAliases(context.Context) error                   { return nil }

// scriptedFactory hands out one scriptedClient per NewSteamClient call,
// pre-loaded with the next scripted login error (nil means success).
type scriptedFactory struct {
	mu        sync.Mutex
	loginErrs []error
	nextGate  chan struct{}
	clients   []*scriptedClient
}

func (f *scriptedFactory) script(errs ...error) {
	f.mu.Lock()
	f.loginErrs = append(f.loginErrs, errs...)
	f.mu.Unlock()
}

// gateNext blocks the next client's Login until the gate is closed.
func (f *scriptedFactory) gateNext(gate chan struct{}) {
	f.mu.Lock()
	f.nextGate = gate
	f.mu.Unlock()
}

func (f *scriptedFactory) NewSteamClient(domain.Proxy) domain.SteamClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &scriptedClient{}
	if len(f.loginErrs) > 0 {
		c.loginErr = f.loginErrs[0]
		f.loginErrs = f.loginErrs[1:]
	}
	c.loginGate = f.nextGate
	f.nextGate = nil
	f.clients = append(f.clients, c)
	return c
}

func (f *scriptedFactory) NewWebClient(string) domain.WebClient { return stubWebClient{} }

func (f *scriptedFactory) made() []*scriptedClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*scriptedClient, len(f.clients))
	copy(out, f.clients)
	return out
}

type memProxyRepo struct {
	mu      sync.Mutex
	proxies map[int64]*domain.Proxy
}

func newMemProxyRepo(proxies ...domain.Proxy) *memProxyRepo {
	m := &memProxyRepo{proxies: make(map[int64]*domain.Proxy)}
	for _, p := range proxies {
		cp := p
		m.proxies[p.ID] = &cp
	}
	return m
}

func (m *memProxyRepo) Allocate(context.Context) (*domain.Proxy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.proxies {
		if p.Load < p.Cap {
			p.Load++
			cp := *p
			return &cp, nil
		}
	}
	return nil, domain.E(domain.KindProxyLimitReached, "no proxy capacity")
}

func (m *memProxyRepo) Release(_ context.Context, proxyID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.proxies[proxyID]; ok && p.Load > 0 {
		p.Load--
	}
	return nil
}

func (m *memProxyRepo) Reserve(_ context.Context, proxyID int64) (*domain.Proxy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proxies[proxyID]
	if !ok {
		return nil, domain.E(domain.KindNotFound, "proxy not found")
	}
	cp := *p
	return &cp, nil
}

func (m *memProxyRepo) Import(context.Context, []domain.Proxy) (int, error) { return 0, nil }
func (m *memProxyRepo) List(context.Context) ([]domain.Proxy, error)        { return nil, nil }

func (m *memProxyRepo) load(proxyID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proxies[proxyID].Load
}

type memVerificationStore struct {
	mu      sync.Mutex
	pending map[domain.AccountKey]domain.PendingVerification
	ttl     time.Duration
	clock   clockwork.Clock
}

func newMemVerificationStore(clock clockwork.Clock, ttl time.Duration) *memVerificationStore {
	return &memVerificationStore{
		pending: make(map[domain.AccountKey]domain.PendingVerification),
		ttl:     ttl,
		clock:   clock,
	}
}

func (m *memVerificationStore) Put(_ context.Context, key domain.AccountKey, v domain.PendingVerification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[key] = v
	return nil
}

func (m *memVerificationStore) Get(_ context.Context, key domain.AccountKey) (*domain.PendingVerification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.pending[key]
	if !ok {
		return nil, domain.E(domain.KindNotFound, "no pending verification")
	}
	return &v, nil
}

func (m *memVerificationStore) Delete(_ context.Context, key domain.AccountKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, key)
	return nil
}

func (m *memVerificationStore) Sweep(context.Context) ([]domain.PendingVerification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var swept []domain.PendingVerification
	for key, v := range m.pending {
		if m.clock.Since(v.CreatedAt) >= m.ttl {
			swept = append(swept, v)
			delete(m.pending, key)
		}
	}
	return swept, nil
}

// --- Fixture ---

type managerFixture struct {
	manager       *Manager
	registry      *registry.Registry
	accounts      *testutil.MemAccountRepo
	proxies       *memProxyRepo
	verifications *memVerificationStore
	factory       *scriptedFactory
	clock         clockwork.FakeClock
	userID        uuid.UUID
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	reg := registry.New()
	accounts := testutil.NewMemAccountRepo()
	proxies := newMemProxyRepo(domain.Proxy{ID: 1, IP: "10.0.0.1", Port: 1080, Cap: 10})
	factory := &scriptedFactory{}
	clock := clockwork.NewFakeClock()
	verifications := newMemVerificationStore(clock, 5*time.Minute)

	scheduler := farming.NewScheduler(reg, accounts, factory, domain.NoopNotifier{}, clock, time.Hour)
	t.Cleanup(scheduler.StopAll)

	manager := NewManager(accounts, proxies, verifications, reg, scheduler, factory, domain.NoopNotifier{}, clock, 3)
	return &managerFixture{
		manager:       manager,
		registry:      reg,
		accounts:      accounts,
		proxies:       proxies,
		verifications: verifications,
		factory:       factory,
		clock:         clock,
		userID:        uuid.New(),
	}
}

func (f *managerFixture) key(name string) domain.AccountKey {
	return domain.AccountKey{UserID: f.userID, AccountName: name}
}

// awaitStatus busy-advances the fake clock until the durable status
// reaches want or the deadline passes.
func (f *managerFixture) awaitStatus(t *testing.T, name string, want domain.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a := f.accounts.Snapshot(f.key(name)); a != nil && a.Status == want {
			return
		}
		f.clock.Advance(escalatedBackoff)
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("account %s never reached status %s", name, want)
}

// --- Tests ---

func TestAdd_HappyPath(t *testing.T) {
	f := newManagerFixture(t)

	account, err := f.manager.Add(context.Background(), f.userID, AddOptions{AccountName: "alice", Password: "hunter2"})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusOnline, account.Status)
	assert.Equal(t, "token", account.RefreshToken)
	assert.Equal(t, "cookie", account.WebCookie)
	assert.Equal(t, int64(1), account.ProxyID)
	assert.Equal(t, 1, f.proxies.load(1))
	assert.NotNil(t, f.registry.Get(f.key("alice")))
	assert.NotNil(t, f.accounts.Snapshot(f.key("alice")))
}

func TestAdd_DuplicateRejected(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.manager.Add(context.Background(), f.userID, AddOptions{AccountName: "alice", Password: "pw"})
	require.NoError(t, err)

	_, err = f.manager.Add(context.Background(), f.userID, AddOptions{AccountName: "alice", Password: "pw"})
	assert.Equal(t, domain.KindAlreadyOnline, domain.KindOf(err))
}

func TestAdd_VerificationChallengeKeepsProxy(t *testing.T) {
	f := newManagerFixture(t)
	f.factory.script(domain.E(domain.KindVerificationRequired, "guard code required").With(GuardKindContextKey, "deviceCode"))

	_, err := f.manager.Add(context.Background(), f.userID, AddOptions{AccountName: "alice", Password: "pw"})
	require.Equal(t, domain.KindVerificationRequired, domain.KindOf(err))

	// The proxy stays allocated, held by the pending verification.
	assert.Equal(t, 1, f.proxies.load(1))
	pending, err := f.verifications.Get(context.Background(), f.key("alice"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.ProxyID)
	assert.Equal(t, "deviceCode", pending.GuardKind)

	// The retry with the code resumes on the same proxy without
	// incrementing its load again.
	_, err = f.manager.Add(context.Background(), f.userID, AddOptions{AccountName: "alice", Password: "pw", GuardCode: "ABCDE"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.proxies.load(1))

	_, err = f.verifications.Get(context.Background(), f.key("alice"))
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestAdd_BadCredentialsReleasesProxy(t *testing.T) {
	f := newManagerFixture(t)
	f.factory.script(domain.E(domain.KindBadCredentials, "wrong password"))

	_, err := f.manager.Add(context.Background(), f.userID, AddOptions{AccountName: "alice", Password: "wrong"})
	require.Equal(t, domain.KindBadCredentials, domain.KindOf(err))

	assert.Equal(t, 0, f.proxies.load(1))
	assert.Nil(t, f.registry.Get(f.key("alice")))
	assert.Nil(t, f.accounts.Snapshot(f.key("alice")))
}

func TestLogin_ReusesAssignedProxy(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.manager.Add(context.Background(), f.userID, AddOptions{AccountName: "alice", Password: "pw"})
	require.NoError(t, err)
	require.NoError(t, f.manager.Logout(context.Background(), f.userID, "alice"))

	// Logout keeps the proxy assignment and its load.
	assert.Equal(t, 1, f.proxies.load(1))

	require.NoError(t, f.manager.Login(context.Background(), f.userID, "alice"))
	assert.Equal(t, 1, f.proxies.load(1), "relogin must reserve, not re-allocate")
	assert.Equal(t, domain.StatusOnline, f.accounts.Snapshot(f.key("alice")).Status)
	assert.NotNil(t, f.registry.Get(f.key("alice")))
}

func TestLogin_AlreadyOnline(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.manager.Add(context.Background(), f.userID, AddOptions{AccountName: "alice", Password: "pw"})
	require.NoError(t, err)

	err = f.manager.Login(context.Background(), f.userID, "alice")
	assert.Equal(t, domain.KindAlreadyOnline, domain.KindOf(err))
}

func TestLogin_AccessDeniedPersisted(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.manager.Add(context.Background(), f.userID, AddOptions{AccountName: "alice", Password: "pw"})
	require.NoError(t, err)
	require.NoError(t, f.manager.Logout(context.Background(), f.userID, "alice"))

	f.factory.script(domain.E(domain.KindAccessDenied, "account banned"))
	err = f.manager.Login(context.Background(), f.userID, "alice")
	require.Equal(t, domain.KindAccessDenied, domain.KindOf(err))

	assert.Equal(t, domain.StatusAccessDenied, f.accounts.Snapshot(f.key("alice")).Status)
	assert.Nil(t, f.registry.Get(f.key("alice")))
}

func TestRemove_ReleasesProxyAndDeletes(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.manager.Add(context.Background(), f.userID, AddOptions{AccountName: "alice", Password: "pw"})
	require.NoError(t, err)

	require.NoError(t, f.manager.Remove(context.Background(), f.userID, "alice"))

	assert.Equal(t, 0, f.proxies.load(1))
	assert.Nil(t, f.registry.Get(f.key("alice")))
	assert.Nil(t, f.accounts.Snapshot(f.key("alice")))
}

func TestDisconnect_ReconnectsAndRestoresIdling(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.manager.Add(context.Background(), f.userID, AddOptions{AccountName: "alice", Password: "pw"})
	require.NoError(t, err)
	require.NoError(t, f.manager.Idle(context.Background(), f.userID, "alice", []uint32{730}))

	first := f.factory.made()[0]
	first.fireDisconnect(domain.E(domain.KindUnexpected, "connection reset"))

	f.awaitStatus(t, "alice", domain.StatusInGame)

	clients := f.factory.made()
	require.Len(t, clients, 2)
	session := f.registry.Get(f.key("alice"))
	require.NotNil(t, session)
	assert.Same(t, clients[1], session.Steam.(*scriptedClient))
	assert.Contains(t, clients[1].played(), []uint32{730}, "idled games must be restored")
}

func TestDisconnect_AuthRejectionStops(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.manager.Add(context.Background(), f.userID, AddOptions{AccountName: "alice", Password: "pw"})
	require.NoError(t, err)

	f.factory.script(domain.E(domain.KindBadCredentials, "token revoked"))
	f.factory.made()[0].fireDisconnect(domain.E(domain.KindUnexpected, "connection reset"))

	f.awaitStatus(t, "alice", domain.StatusOffline)

	assert.Nil(t, f.registry.Get(f.key("alice")))
	assert.Len(t, f.factory.made(), 2, "auth rejection must stop after a single attempt")
}

func TestReconnect_AbandonedAfterLogout(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.manager.Add(context.Background(), f.userID, AddOptions{AccountName: "alice", Password: "pw"})
	require.NoError(t, err)
	require.NoError(t, f.manager.Logout(context.Background(), f.userID, "alice"))

	// The account is offline, so a straggling episode must bail out
	// without a single login attempt.
	f.manager.reconnect(context.Background(), f.key("alice"))

	assert.Len(t, f.factory.made(), 1)
	assert.Equal(t, domain.StatusOffline, f.accounts.Snapshot(f.key("alice")).Status)
	assert.Nil(t, f.registry.Get(f.key("alice")))
}

func TestReconnect_LogoutMidAttemptNotResurrected(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.manager.Add(context.Background(), f.userID, AddOptions{AccountName: "alice", Password: "pw"})
	require.NoError(t, err)

	// Hold the reconnect attempt open at its login call.
	gate := make(chan struct{})
	f.factory.gateNext(gate)
	f.factory.made()[0].fireDisconnect(domain.E(domain.KindUnexpected, "connection reset"))

	deadline := time.Now().Add(2 * time.Second)
	for len(f.factory.made()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, f.factory.made(), 2, "reconnect attempt never started")

	// The logout lands while the attempt is in flight; releasing the gate
	// must not bring the session back.
	require.NoError(t, f.manager.Logout(context.Background(), f.userID, "alice"))
	close(gate)

	second := f.factory.made()[1]
	for !second.isClosed() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, second.isClosed(), "late session must be torn down")

	assert.Nil(t, f.registry.Get(f.key("alice")))
	assert.Equal(t, domain.StatusOffline, f.accounts.Snapshot(f.key("alice")).Status)
	assert.Len(t, f.factory.made(), 2, "episode must end without further attempts")
}

func TestReconcile_SweepsStrandedAccounts(t *testing.T) {
	f := newManagerFixture(t)
	require.NoError(t, f.accounts.Create(context.Background(), &domain.SteamAccount{
		UserID:      f.userID,
		AccountName: "alice",
		Status:      domain.StatusInGame,
		ProxyID:     1,
	}))
	f.proxies.proxies[1].Load = 1

	require.NoError(t, f.manager.Reconcile(context.Background()))
	f.awaitStatus(t, "alice", domain.StatusOnline)
	assert.NotNil(t, f.registry.Get(f.key("alice")))
}

func TestIdle_NotOnline(t *testing.T) {
	f := newManagerFixture(t)
	err := f.manager.Idle(context.Background(), f.userID, "alice", []uint32{730})
	assert.Equal(t, domain.KindNotOnline, domain.KindOf(err))
}

func TestIdle_PersistsAndStops(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.manager.Add(context.Background(), f.userID, AddOptions{AccountName: "alice", Password: "pw"})
	require.NoError(t, err)

	require.NoError(t, f.manager.Idle(context.Background(), f.userID, "alice", []uint32{730, 440}))
	account := f.accounts.Snapshot(f.key("alice"))
	assert.Equal(t, []uint32{730, 440}, account.IdledGameIDs)
	assert.Equal(t, domain.StatusInGame, account.Status)

	require.NoError(t, f.manager.Idle(context.Background(), f.userID, "alice", nil))
	account = f.accounts.Snapshot(f.key("alice"))
	assert.Empty(t, account.IdledGameIDs)
	assert.Equal(t, domain.StatusOnline, account.Status)
}

func TestCancelVerification_ReleasesProxy(t *testing.T) {
	f := newManagerFixture(t)
	f.factory.script(domain.E(domain.KindVerificationRequired, "guard code required").With(GuardKindContextKey, "emailCode"))

	_, err := f.manager.Add(context.Background(), f.userID, AddOptions{AccountName: "alice", Password: "pw"})
	require.Equal(t, domain.KindVerificationRequired, domain.KindOf(err))
	require.Equal(t, 1, f.proxies.load(1))

	require.NoError(t, f.manager.CancelVerification(context.Background(), f.userID, "alice"))
	assert.Equal(t, 0, f.proxies.load(1))
}

func TestVerificationSweep_ReleasesExpiredHold(t *testing.T) {
	f := newManagerFixture(t)
	f.factory.script(domain.E(domain.KindVerificationRequired, "guard code required").With(GuardKindContextKey, "deviceCode"))

	_, err := f.manager.Add(context.Background(), f.userID, AddOptions{AccountName: "alice", Password: "pw"})
	require.Equal(t, domain.KindVerificationRequired, domain.KindOf(err))
	require.Equal(t, 1, f.proxies.load(1))

	// Before the deadline the sweep leaves the hold alone.
	f.clock.Advance(time.Minute)
	f.manager.sweepVerifications(context.Background())
	assert.Equal(t, 1, f.proxies.load(1))

	f.clock.Advance(5 * time.Minute)
	f.manager.sweepVerifications(context.Background())
	assert.Equal(t, 0, f.proxies.load(1), "abandoned challenge must give its proxy slot back")
	_, err = f.verifications.Get(context.Background(), f.key("alice"))
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}
