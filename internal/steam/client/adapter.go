// Package client adapts the go-steam connection machinery to the
// session-facing client surface the rest of the service drives. Each
// adapter owns one go-steam client, pumps its event channel, and fans
// lifecycle events out to the installed handlers.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	goSteam "github.com/Philipp15b/go-steam/v3"
	"github.com/Philipp15b/go-steam/v3/protocol"
	"github.com/Philipp15b/go-steam/v3/protocol/protobuf"
	"github.com/Philipp15b/go-steam/v3/protocol/steamlang"
	"golang.org/x/net/proxy"

	"github.com/fcastrocs/steamidler/internal/domain"
	"github.com/fcastrocs/steamidler/internal/steamweb"
)

const (
	connectTimeout = 30 * time.Second
	loginTimeout   = 30 * time.Second
	webTimeout     = 15 * time.Second
)

// Factory builds adapters bound to a proxy, and web clients.
type Factory struct{}

func NewFactory() *Factory { return &Factory{} }

func (f *Factory) NewSteamClient(p domain.Proxy) domain.SteamClient {
	return &adapter{proxy: p, handlers: make(map[int]domain.SessionEvents)}
}

func (f *Factory) NewWebClient(cookie string) domain.WebClient {
	return steamweb.NewClient(cookie)
}

type loginOutcome struct {
	result *domain.LoginResult
	err    error
}

type adapter struct {
	proxy  domain.Proxy
	client *goSteam.Client

	mu        sync.Mutex
	handlers  map[int]domain.SessionEvents
	nextID    int
	loginName string
	closed    bool

	connectedCh  chan error
	loggedOnCh   chan loginOutcome
	loginKeyCh   chan string
	webSessionCh chan struct{}
	webLoggedOn  chan struct{}
}

func (a *adapter) Connect(ctx context.Context) error {
	dialer, err := proxy.SOCKS5("tcp", a.proxy.Addr(), nil, proxy.Direct)
	if err != nil {
		return domain.WrapE(domain.KindUnexpected, "failed to build proxy dialer", err)
	}

	a.client = goSteam.NewClient()
	a.client.SetProxyDialer(&dialer)

	a.connectedCh = make(chan error, 1)
	a.loggedOnCh = make(chan loginOutcome, 1)
	a.loginKeyCh = make(chan string, 1)
	a.webSessionCh = make(chan struct{}, 1)
	a.webLoggedOn = make(chan struct{}, 1)

	go a.pumpEvents()
	go a.client.Connect()

	select {
	case err := <-a.connectedCh:
		return err
	case <-time.After(connectTimeout):
		a.client.Disconnect()
		return domain.E(domain.KindServiceUnavailable, "timed out connecting to steam")
	case <-ctx.Done():
		a.client.Disconnect()
		return ctx.Err()
	}
}

func (a *adapter) Login(ctx context.Context, opts domain.LoginOptions) (*domain.LoginResult, error) {
	a.mu.Lock()
	a.loginName = opts.AccountName
	a.mu.Unlock()

	details := &goSteam.LogOnDetails{
		Username:               opts.AccountName,
		Password:               opts.Password,
		TwoFactorCode:          opts.GuardCode,
		AuthCode:               opts.GuardCode,
		RefreshToken:           opts.RefreshToken,
		ShouldRememberPassword: true,
	}
	a.client.Auth.LogOn(details)

	var outcome loginOutcome
	select {
	case outcome = <-a.loggedOnCh:
	case <-time.After(loginTimeout):
		return nil, domain.E(domain.KindServiceUnavailable, "timed out waiting for logon response")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if outcome.err != nil {
		return nil, outcome.err
	}

	// The durable credential for later token logins arrives in a separate
	// event shortly after logon. An existing token stays valid if no fresh
	// key shows up in time.
	outcome.result.RefreshToken = opts.RefreshToken
	select {
	case key := <-a.loginKeyCh:
		outcome.result.RefreshToken = key
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
	}
	return outcome.result, nil
}

func (a *adapter) Disconnect() {
	a.mu.Lock()
	a.closed = true
	client := a.client
	a.mu.Unlock()
	if client != nil {
		client.Disconnect()
	}
}

func (a *adapter) Subscribe(events domain.SessionEvents) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextID
	a.nextID++
	a.handlers[id] = events
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.handlers, id)
	}
}

func (a *adapter) SetPersonaState(_ context.Context, state domain.PersonaState) error {
	a.client.Social.SetPersonaState(personaToSteam(state))
	return nil
}

func (a *adapter) GamesPlayed(_ context.Context, appIDs []uint32) error {
	ids := make([]uint64, len(appIDs))
	for i, id := range appIDs {
		ids[i] = uint64(id)
	}
	a.client.GC.SetGamesPlayed(ids...)
	return nil
}

func (a *adapter) RequestFreeLicense(_ context.Context, appIDs []uint32) error {
	a.client.Write(protocol.NewClientMsgProtobuf(steamlang.EMsg_ClientRequestFreeLicense, &protobuf.CMsgClientRequestFreeLicense{
		Appids: appIDs,
	}))
	return nil
}

func (a *adapter) RegisterKey(_ context.Context, cdKey string) error {
	a.client.Write(protocol.NewClientMsgProtobuf(steamlang.EMsg_ClientRegisterKey, &protobuf.CMsgClientRegisterKey{
		Key: &cdKey,
	}))
	return nil
}

// WebLogonToken performs the web handshake on the live connection and
// returns the resulting cookie material. Each call produces a fresh web
// session, so an expired cookie is recoverable without a full relogin.
func (a *adapter) WebLogonToken(ctx context.Context) (string, error) {
	select {
	case <-a.webSessionCh:
	case <-time.After(webTimeout):
		return "", domain.E(domain.KindServiceUnavailable, "web session id never arrived")
	case <-ctx.Done():
		return "", ctx.Err()
	}

	a.client.Web.LogOn()

	select {
	case <-a.webLoggedOn:
	case <-time.After(webTimeout):
		return "", domain.E(domain.KindServiceUnavailable, "timed out waiting for web logon")
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return fmt.Sprintf("sessionid=%s; steamLoginSecure=%s", a.client.Web.SessionId, a.client.Web.SteamLoginSecure), nil
}

// pumpEvents drains the go-steam event channel until disconnect. All
// lifecycle signalling funnels through here.
func (a *adapter) pumpEvents() {
	for event := range a.client.Events() {
		switch e := event.(type) {
		case *goSteam.ConnectedEvent:
			select {
			case a.connectedCh <- nil:
			default:
			}

		case *goSteam.LoggedOnEvent:
			a.mu.Lock()
			name := a.loginName
			a.mu.Unlock()
			outcome := loginOutcome{result: &domain.LoginResult{
				SteamID:  uint64(a.client.SteamId()),
				Nickname: name,
			}}
			select {
			case a.loggedOnCh <- outcome:
			default:
			}

		case *goSteam.LogOnFailedEvent:
			select {
			case a.loggedOnCh <- loginOutcome{err: logonError(e.Result)}:
			default:
			}

		case *goSteam.LoginKeyEvent:
			select {
			case a.loginKeyCh <- e.LoginKey:
			default:
			}

		case *goSteam.WebSessionIdEvent:
			select {
			case a.webSessionCh <- struct{}{}:
			default:
			}

		case *goSteam.WebLoggedOnEvent:
			select {
			case a.webLoggedOn <- struct{}{}:
			default:
			}

		case *goSteam.LoggedOffEvent:
			reason := e.Result.String()
			a.forEachHandler(func(h domain.SessionEvents) {
				if h.LoggedOff != nil {
					h.LoggedOff(reason)
				}
			})

		case *goSteam.PersonaStateEvent:
			// Self persona echoes come back for every state change.
			if uint64(e.FriendId) == uint64(a.client.SteamId()) {
				state := personaFromSteam(e.State)
				a.forEachHandler(func(h domain.SessionEvents) {
					if h.PersonaState != nil {
						h.PersonaState(state)
					}
				})
			}

		case *goSteam.DisconnectedEvent:
			a.mu.Lock()
			deliberate := a.closed
			a.mu.Unlock()
			if !deliberate {
				cause := domain.E(domain.KindUnexpected, "connection to steam lost")
				a.forEachHandler(func(h domain.SessionEvents) {
					if h.Disconnected != nil {
						h.Disconnected(cause)
					}
				})
			}
			return

		case goSteam.FatalErrorEvent:
			select {
			case a.connectedCh <- domain.WrapE(domain.KindServiceUnavailable, "steam connection failed", e):
			default:
			}
		}
	}
}

func (a *adapter) forEachHandler(fn func(domain.SessionEvents)) {
	a.mu.Lock()
	handlers := make([]domain.SessionEvents, 0, len(a.handlers))
	for _, h := range a.handlers {
		handlers = append(handlers, h)
	}
	a.mu.Unlock()
	for _, h := range handlers {
		fn(h)
	}
}

// logonError maps a logon failure result onto the error kinds the
// lifecycle machinery branches on.
func logonError(result steamlang.EResult) error {
	switch result {
	case steamlang.EResult_InvalidPassword:
		return domain.E(domain.KindBadCredentials, "invalid password")
	case steamlang.EResult_AccountLogonDenied:
		return domain.E(domain.KindVerificationRequired, "email guard code required").With("guardKind", "emailCode")
	case steamlang.EResult_AccountLoginDeniedNeedTwoFactor:
		return domain.E(domain.KindVerificationRequired, "mobile authenticator code required").With("guardKind", "deviceCode")
	case steamlang.EResult_TwoFactorCodeMismatch, steamlang.EResult_InvalidLoginAuthCode:
		return domain.E(domain.KindBadVerification, "guard code rejected")
	case steamlang.EResult_AccountDisabled, steamlang.EResult_AccountLockedDown, steamlang.EResult_Banned:
		return domain.E(domain.KindAccessDenied, "account access denied")
	case steamlang.EResult_ServiceUnavailable, steamlang.EResult_TryAnotherCM, steamlang.EResult_RateLimitExceeded:
		return domain.E(domain.KindServiceUnavailable, "steam is unavailable")
	default:
		return domain.Ef(domain.KindUnexpected, "logon failed: %s", result)
	}
}

func personaToSteam(state domain.PersonaState) steamlang.EPersonaState {
	switch state {
	case domain.PersonaOffline:
		return steamlang.EPersonaState_Offline
	case domain.PersonaBusy:
		return steamlang.EPersonaState_Busy
	case domain.PersonaAway:
		return steamlang.EPersonaState_Away
	case domain.PersonaSnooze:
		return steamlang.EPersonaState_Snooze
	default:
		return steamlang.EPersonaState_Online
	}
}

func personaFromSteam(state steamlang.EPersonaState) domain.PersonaState {
	switch state {
	case steamlang.EPersonaState_Offline:
		return domain.PersonaOffline
	case steamlang.EPersonaState_Busy:
		return domain.PersonaBusy
	case steamlang.EPersonaState_Away:
		return domain.PersonaAway
	case steamlang.EPersonaState_Snooze:
		return domain.PersonaSnooze
	default:
		return domain.PersonaOnline
	}
}
