// Package testutil provides in-memory repository implementations shared by
// unit tests across packages.
package testutil

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/fcastrocs/steamidler/internal/domain"
)

// MemAccountRepo is a map-backed AccountRepository.
type MemAccountRepo struct {
	mu       sync.Mutex
	accounts map[domain.AccountKey]*domain.SteamAccount
}

func NewMemAccountRepo() *MemAccountRepo {
	return &MemAccountRepo{accounts: make(map[domain.AccountKey]*domain.SteamAccount)}
}

// Snapshot returns a copy of the stored account, or nil when absent.
func (m *MemAccountRepo) Snapshot(key domain.AccountKey) *domain.SteamAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[key]; ok {
		cp := *a
		return &cp
	}
	return nil
}

func (m *MemAccountRepo) Create(_ context.Context, a *domain.SteamAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.accounts[a.Key()]; exists {
		return domain.E(domain.KindExists, "exists")
	}
	cp := *a
	m.accounts[a.Key()] = &cp
	return nil
}

func (m *MemAccountRepo) Get(_ context.Context, userID uuid.UUID, name string) (*domain.SteamAccount, error) {
	a := m.Snapshot(domain.AccountKey{UserID: userID, AccountName: name})
	if a == nil {
		return nil, domain.E(domain.KindNotFound, "not found")
	}
	return a, nil
}

func (m *MemAccountRepo) ListByUser(_ context.Context, userID uuid.UUID) ([]*domain.SteamAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.SteamAccount
	for _, a := range m.accounts {
		if a.UserID == userID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemAccountRepo) ListByStatus(_ context.Context, statuses ...domain.Status) ([]*domain.SteamAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.SteamAccount
	for _, a := range m.accounts {
		for _, s := range statuses {
			if a.Status == s {
				cp := *a
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (m *MemAccountRepo) update(userID uuid.UUID, name string, fn func(*domain.SteamAccount)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, exists := m.accounts[domain.AccountKey{UserID: userID, AccountName: name}]
	if !exists {
		return domain.E(domain.KindNotFound, "not found")
	}
	fn(a)
	return nil
}

func (m *MemAccountRepo) UpdateStatus(_ context.Context, userID uuid.UUID, name string, status domain.Status) error {
	return m.update(userID, name, func(a *domain.SteamAccount) { a.Status = status })
}

func (m *MemAccountRepo) UpdateStatusIf(_ context.Context, userID uuid.UUID, name string, from, to domain.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, exists := m.accounts[domain.AccountKey{UserID: userID, AccountName: name}]
	if !exists || a.Status != from {
		return false, nil
	}
	a.Status = to
	return true, nil
}

func (m *MemAccountRepo) UpdateCredentials(_ context.Context, userID uuid.UUID, name, token, cookie string) error {
	return m.update(userID, name, func(a *domain.SteamAccount) {
		a.RefreshToken = token
		a.WebCookie = cookie
	})
}

func (m *MemAccountRepo) UpdateWebCookie(_ context.Context, userID uuid.UUID, name, cookie string) error {
	return m.update(userID, name, func(a *domain.SteamAccount) { a.WebCookie = cookie })
}

func (m *MemAccountRepo) UpdateProxy(_ context.Context, userID uuid.UUID, name string, proxyID int64) error {
	return m.update(userID, name, func(a *domain.SteamAccount) { a.ProxyID = proxyID })
}

func (m *MemAccountRepo) UpdatePersona(_ context.Context, userID uuid.UUID, name string, state domain.PersonaState) error {
	return m.update(userID, name, func(a *domain.SteamAccount) { a.PersonaState = state })
}

func (m *MemAccountRepo) UpdateIdled(_ context.Context, userID uuid.UUID, name string, ids []uint32) error {
	return m.update(userID, name, func(a *domain.SteamAccount) { a.IdledGameIDs = ids })
}

func (m *MemAccountRepo) UpdateFarming(_ context.Context, userID uuid.UUID, name string, ids []uint32, status domain.Status) error {
	return m.update(userID, name, func(a *domain.SteamAccount) {
		a.FarmedGameIDs = ids
		a.Status = status
	})
}

func (m *MemAccountRepo) UpdateData(_ context.Context, userID uuid.UUID, name string, data domain.AccountData) error {
	return m.update(userID, name, func(a *domain.SteamAccount) { a.Data = data })
}

func (m *MemAccountRepo) Delete(_ context.Context, userID uuid.UUID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := domain.AccountKey{UserID: userID, AccountName: name}
	if _, exists := m.accounts[key]; !exists {
		return domain.E(domain.KindNotFound, "not found")
	}
	delete(m.accounts, key)
	return nil
}
