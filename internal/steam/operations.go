package steam

import (
	"context"

	"github.com/google/uuid"

	"github.com/fcastrocs/steamidler/internal/domain"
)

// liveSession resolves the registry handle or fails with KindNotOnline.
func (m *Manager) liveSession(userID uuid.UUID, accountName string) (*domain.Session, error) {
	session := m.registry.Get(domain.AccountKey{UserID: userID, AccountName: accountName})
	if session == nil {
		return nil, domain.Ef(domain.KindNotOnline, "account %s is not online", accountName)
	}
	return session, nil
}

// SetPersonaState changes the visible presence state and persists it so a
// relogin restores it.
func (m *Manager) SetPersonaState(ctx context.Context, userID uuid.UUID, accountName string, state domain.PersonaState) error {
	session, err := m.liveSession(userID, accountName)
	if err != nil {
		return err
	}
	if err := session.Steam.SetPersonaState(ctx, state); err != nil {
		return err
	}
	return m.accounts.UpdatePersona(ctx, userID, accountName, state)
}

// Idle starts playing the given titles without farming semantics. An empty
// list stops idling. Rejected while the farming scheduler owns the played
// set.
func (m *Manager) Idle(ctx context.Context, userID uuid.UUID, accountName string, appIDs []uint32) error {
	key := domain.AccountKey{UserID: userID, AccountName: accountName}
	session, err := m.liveSession(userID, accountName)
	if err != nil {
		return err
	}
	if m.farming.Farming(key) {
		return domain.Ef(domain.KindAlreadyFarming, "account %s is farming, stop farming first", accountName)
	}
	if err := session.Steam.GamesPlayed(ctx, appIDs); err != nil {
		return err
	}

	if err := m.accounts.UpdateIdled(ctx, userID, accountName, appIDs); err != nil {
		return err
	}
	status := domain.StatusOnline
	if len(appIDs) > 0 {
		status = domain.StatusInGame
	}
	return m.accounts.UpdateStatus(ctx, userID, accountName, status)
}

// ChangeAvatar uploads a new avatar image and persists the resulting URL.
func (m *Manager) ChangeAvatar(ctx context.Context, userID uuid.UUID, accountName string, image []byte) (string, error) {
	session, err := m.liveSession(userID, accountName)
	if err != nil {
		return "", err
	}
	avatarURL, err := session.Web().ChangeAvatar(ctx, image)
	if err != nil {
		return "", err
	}

	account, err := m.accounts.Get(ctx, userID, accountName)
	if err != nil {
		return avatarURL, err
	}
	data := account.Data
	data.AvatarURL = avatarURL
	if err := m.accounts.UpdateData(ctx, userID, accountName, data); err != nil {
		return avatarURL, err
	}
	return avatarURL, nil
}

// ChangePrivacy updates the profile privacy setting.
func (m *Manager) ChangePrivacy(ctx context.Context, userID uuid.UUID, accountName string, setting string) error {
	session, err := m.liveSession(userID, accountName)
	if err != nil {
		return err
	}
	return session.Web().ChangePrivacy(ctx, setting)
}

// ClearAliases wipes the previously-used-names list on the profile.
func (m *Manager) ClearAliases(ctx context.Context, userID uuid.UUID, accountName string) error {
	session, err := m.liveSession(userID, accountName)
	if err != nil {
		return err
	}
	return session.Web().ClearAliases(ctx)
}

// RequestFreeLicense activates free titles on the account.
func (m *Manager) RequestFreeLicense(ctx context.Context, userID uuid.UUID, accountName string, appIDs []uint32) error {
	session, err := m.liveSession(userID, accountName)
	if err != nil {
		return err
	}
	return session.Steam.RequestFreeLicense(ctx, appIDs)
}

// RegisterKey redeems a product key on the account.
func (m *Manager) RegisterKey(ctx context.Context, userID uuid.UUID, accountName string, cdKey string) error {
	session, err := m.liveSession(userID, accountName)
	if err != nil {
		return err
	}
	return session.Steam.RegisterKey(ctx, cdKey)
}
