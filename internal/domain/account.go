package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the durable lifecycle state of a Steam account.
type Status string

const (
	StatusOffline      Status = "offline"
	StatusConnecting   Status = "connecting"
	StatusOnline       Status = "online"
	StatusReconnecting Status = "reconnecting"
	StatusAccessDenied Status = "accessDenied"
	StatusInGame       Status = "ingame"
)

// PersonaState mirrors Steam's EPersonaState values.
type PersonaState int

const (
	PersonaOffline PersonaState = iota
	PersonaOnline
	PersonaBusy
	PersonaAway
	PersonaSnooze
)

// AccountKey identifies one Steam account within one owning user.
type AccountKey struct {
	UserID      uuid.UUID
	AccountName string
}

func (k AccountKey) String() string {
	return fmt.Sprintf("%s/%s", k.UserID, k.AccountName)
}

// FarmableGame is a title with trading cards left to drop.
type FarmableGame struct {
	AppID          uint32  `json:"appId"`
	Name           string  `json:"name"`
	RemainingCards int     `json:"remainingCards"`
	PlayedHours    float64 `json:"playedHours"`
}

// InventoryItem is one tradable item from the community inventory.
type InventoryItem struct {
	AssetID string `json:"assetId"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	IconURL string `json:"iconUrl"`
}

// AccountData is the provider-derived snapshot refreshed on every login
// and farming cycle.
type AccountData struct {
	SteamID       uint64          `json:"steamId"`
	Nickname      string          `json:"nickname"`
	AvatarURL     string          `json:"avatarUrl"`
	FarmableGames []FarmableGame  `json:"farmableGames"`
	Items         []InventoryItem `json:"items"`
}

// SteamAccount is the durable account document. RefreshToken and WebCookie
// are stored encrypted; repositories decrypt on read.
type SteamAccount struct {
	UserID        uuid.UUID
	AccountName   string
	RefreshToken  string
	WebCookie     string
	Status        Status
	ProxyID       int64
	PersonaState  PersonaState
	IdledGameIDs  []uint32
	FarmedGameIDs []uint32
	Data          AccountData
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (a *SteamAccount) Key() AccountKey {
	return AccountKey{UserID: a.UserID, AccountName: a.AccountName}
}

// PendingVerification holds the context of a login attempt that was
// challenged for a second factor. Expires automatically after a short TTL.
type PendingVerification struct {
	ProxyID   int64     `json:"proxyId"`
	GuardKind string    `json:"guardKind"`
	CreatedAt time.Time `json:"createdAt"`
}
