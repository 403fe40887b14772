package domain

import (
	"context"

	"github.com/google/uuid"
)

// AccountRepository is the durable store for Steam accounts.
type AccountRepository interface {
	// Create inserts a new account. Fails with KindExists on duplicate
	// (userID, accountName).
	Create(ctx context.Context, account *SteamAccount) error
	// Get fails with KindNotFound when absent.
	Get(ctx context.Context, userID uuid.UUID, accountName string) (*SteamAccount, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*SteamAccount, error)
	// ListByStatus returns all accounts currently in any of the given states.
	ListByStatus(ctx context.Context, statuses ...Status) ([]*SteamAccount, error)
	UpdateStatus(ctx context.Context, userID uuid.UUID, accountName string, status Status) error
	// UpdateStatusIf sets status to `to` only when the current status is
	// `from`, reporting whether a row changed. A miss is not an error: it
	// means another writer got there first (or the account is gone).
	UpdateStatusIf(ctx context.Context, userID uuid.UUID, accountName string, from, to Status) (bool, error)
	UpdateCredentials(ctx context.Context, userID uuid.UUID, accountName, refreshToken, webCookie string) error
	// UpdateWebCookie replaces only the web session cookie, used when a
	// cookie expires mid-session and is re-established.
	UpdateWebCookie(ctx context.Context, userID uuid.UUID, accountName, webCookie string) error
	UpdateProxy(ctx context.Context, userID uuid.UUID, accountName string, proxyID int64) error
	UpdatePersona(ctx context.Context, userID uuid.UUID, accountName string, state PersonaState) error
	UpdateIdled(ctx context.Context, userID uuid.UUID, accountName string, appIDs []uint32) error
	// UpdateFarming persists the farmed set together with the status marker
	// so a terminal outcome is always detectable from durable state.
	UpdateFarming(ctx context.Context, userID uuid.UUID, accountName string, appIDs []uint32, status Status) error
	UpdateData(ctx context.Context, userID uuid.UUID, accountName string, data AccountData) error
	Delete(ctx context.Context, userID uuid.UUID, accountName string) error
}

// ProxyRepository is the proxy pool's durable contract. Allocate and
// Release are atomic conditional mutations against the live document set.
type ProxyRepository interface {
	// Allocate picks uniformly at random among proxies with load < cap and
	// increments the winner's load, guarded by the same condition. Fails
	// with KindProxyLimitReached when no proxy has spare capacity.
	Allocate(ctx context.Context) (*Proxy, error)
	// Release decrements load, guarded by load > 0 (idempotent against
	// double release).
	Release(ctx context.Context, proxyID int64) error
	// Reserve validates a previously assigned proxy is still usable without
	// touching its load. Fails with KindNotFound when the proxy is gone.
	Reserve(ctx context.Context, proxyID int64) (*Proxy, error)
	Import(ctx context.Context, proxies []Proxy) (int, error)
	List(ctx context.Context) ([]Proxy, error)
}

// VerificationStore holds time-boxed pending second-factor verifications.
// Every entry carries a proxy hold, so expiry never drops an entry
// silently: Sweep hands expired entries back to the caller for release,
// and until a sweep collects it an entry stays retryable.
type VerificationStore interface {
	Put(ctx context.Context, key AccountKey, v PendingVerification) error
	// Get fails with KindNotFound when absent.
	Get(ctx context.Context, key AccountKey) (*PendingVerification, error)
	Delete(ctx context.Context, key AccountKey) error
	// Sweep deletes every entry past its deadline and returns them so
	// their proxy holds can be released.
	Sweep(ctx context.Context) ([]PendingVerification, error)
}
