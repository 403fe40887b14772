package domain

import "context"

// LoginOptions carries the credential material for one remote login.
// Exactly one of Password or RefreshToken is set; GuardCode is present
// only when retrying a challenged login.
type LoginOptions struct {
	AccountName  string
	Password     string
	RefreshToken string
	GuardCode    string
}

// LoginResult is what a successful remote login yields.
type LoginResult struct {
	SteamID      uint64
	RefreshToken string
	Nickname     string
	AvatarURL    string
}

// SessionEvents are the hooks a session installs on its client at creation
// time. The returned unsubscribe func must be called at session removal so
// handlers never outlive the handle they belong to.
type SessionEvents struct {
	Disconnected func(err error)
	LoggedOff    func(reason string)
	PersonaState func(state PersonaState)
}

// SteamClient is the opaque wire-level remote-session client. Implementing
// the protocol is out of scope; the core only drives this surface.
type SteamClient interface {
	Connect(ctx context.Context) error
	Login(ctx context.Context, opts LoginOptions) (*LoginResult, error)
	Disconnect()
	Subscribe(events SessionEvents) (unsubscribe func())
	SetPersonaState(ctx context.Context, state PersonaState) error
	GamesPlayed(ctx context.Context, appIDs []uint32) error
	RequestFreeLicense(ctx context.Context, appIDs []uint32) error
	RegisterKey(ctx context.Context, cdKey string) error
	// WebLogonToken mints a fresh single-use nonce for establishing a web
	// session on the same identity.
	WebLogonToken(ctx context.Context) (string, error)
}

// WebClient is the opaque account-web-session client.
type WebClient interface {
	Login(ctx context.Context, nonce string) (cookie string, err error)
	FarmableGames(ctx context.Context) ([]FarmableGame, error)
	CardsInventory(ctx context.Context) ([]InventoryItem, error)
	ChangeAvatar(ctx context.Context, image []byte) (avatarURL string, err error)
	ChangePrivacy(ctx context.Context, setting string) error
	ClearAliases(ctx context.Context) error
}

// ClientFactory builds clients bound to a proxy or web cookie.
type ClientFactory interface {
	NewSteamClient(proxy Proxy) SteamClient
	NewWebClient(cookie string) WebClient
}
