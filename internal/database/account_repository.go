package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fcastrocs/steamidler/internal/crypto"
	"github.com/fcastrocs/steamidler/internal/domain"
)

// accountColumns must match the Scan order in scanAccount.
const accountColumns = `user_id, account_name, refresh_token, web_cookie, status, COALESCE(proxy_id, 0), persona_state, idled_game_ids, farmed_game_ids, data, created_at, updated_at`

// AccountRepo implements domain.AccountRepository backed by PostgreSQL.
// Credential material is encrypted at this boundary.
type AccountRepo struct {
	pool   *pgxpool.Pool
	crypto crypto.Service
}

func NewAccountRepo(pool *pgxpool.Pool, cryptoSvc crypto.Service) *AccountRepo {
	return &AccountRepo{pool: pool, crypto: cryptoSvc}
}

var _ domain.AccountRepository = (*AccountRepo)(nil)

func (r *AccountRepo) scanAccount(row pgx.Row) (*domain.SteamAccount, error) {
	var account domain.SteamAccount
	var idled, farmed, data []byte

	err := row.Scan(
		&account.UserID, &account.AccountName, &account.RefreshToken, &account.WebCookie,
		&account.Status, &account.ProxyID, &account.PersonaState,
		&idled, &farmed, &data,
		&account.CreatedAt, &account.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.E(domain.KindNotFound, "steam account not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}

	if err := json.Unmarshal(idled, &account.IdledGameIDs); err != nil {
		return nil, fmt.Errorf("failed to decode idled game ids: %w", err)
	}
	if err := json.Unmarshal(farmed, &account.FarmedGameIDs); err != nil {
		return nil, fmt.Errorf("failed to decode farmed game ids: %w", err)
	}
	if err := json.Unmarshal(data, &account.Data); err != nil {
		return nil, fmt.Errorf("failed to decode account data: %w", err)
	}

	account.RefreshToken, err = r.crypto.Decrypt(account.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	if account.WebCookie != "" {
		account.WebCookie, err = r.crypto.Decrypt(account.WebCookie)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt web cookie: %w", err)
		}
	}

	return &account, nil
}

func (r *AccountRepo) Create(ctx context.Context, account *domain.SteamAccount) error {
	encToken, err := r.crypto.Encrypt(account.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	encCookie := ""
	if account.WebCookie != "" {
		encCookie, err = r.crypto.Encrypt(account.WebCookie)
		if err != nil {
			return fmt.Errorf("failed to encrypt web cookie: %w", err)
		}
	}

	idled, _ := json.Marshal(emptyIfNil(account.IdledGameIDs))
	farmed, _ := json.Marshal(emptyIfNil(account.FarmedGameIDs))
	data, err := json.Marshal(account.Data)
	if err != nil {
		return fmt.Errorf("failed to encode account data: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO steam_accounts
			(user_id, account_name, refresh_token, web_cookie, status, proxy_id, persona_state, idled_game_ids, farmed_game_ids, data)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, 0::bigint), $7, $8, $9, $10)
	`, account.UserID, account.AccountName, encToken, encCookie, account.Status, account.ProxyID,
		account.PersonaState, idled, farmed, data)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return domain.Ef(domain.KindExists, "steam account %s already exists", account.AccountName)
	}
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

func (r *AccountRepo) Get(ctx context.Context, userID uuid.UUID, accountName string) (*domain.SteamAccount, error) {
	return r.scanAccount(r.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM steam_accounts WHERE user_id = $1 AND account_name = $2`,
		userID, accountName))
}

func (r *AccountRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.SteamAccount, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM steam_accounts WHERE user_id = $1 ORDER BY account_name`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()
	return r.collect(rows)
}

func (r *AccountRepo) ListByStatus(ctx context.Context, statuses ...domain.Status) ([]*domain.SteamAccount, error) {
	list := make([]string, len(statuses))
	for i, s := range statuses {
		list[i] = string(s)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM steam_accounts WHERE status = ANY($1)`, list)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts by status: %w", err)
	}
	defer rows.Close()
	return r.collect(rows)
}

func (r *AccountRepo) collect(rows pgx.Rows) ([]*domain.SteamAccount, error) {
	var accounts []*domain.SteamAccount
	for rows.Next() {
		account, err := r.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func (r *AccountRepo) UpdateStatus(ctx context.Context, userID uuid.UUID, accountName string, status domain.Status) error {
	return r.exec(ctx, userID, accountName,
		`UPDATE steam_accounts SET status = $3, updated_at = NOW() WHERE user_id = $1 AND account_name = $2`, status)
}

func (r *AccountRepo) UpdateStatusIf(ctx context.Context, userID uuid.UUID, accountName string, from, to domain.Status) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE steam_accounts SET status = $4, updated_at = NOW() WHERE user_id = $1 AND account_name = $2 AND status = $3`,
		userID, accountName, from, to)
	if err != nil {
		return false, fmt.Errorf("failed to update account: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *AccountRepo) UpdateCredentials(ctx context.Context, userID uuid.UUID, accountName, refreshToken, webCookie string) error {
	encToken, err := r.crypto.Encrypt(refreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	encCookie, err := r.crypto.Encrypt(webCookie)
	if err != nil {
		return fmt.Errorf("failed to encrypt web cookie: %w", err)
	}
	return r.exec(ctx, userID, accountName,
		`UPDATE steam_accounts SET refresh_token = $3, web_cookie = $4, updated_at = NOW() WHERE user_id = $1 AND account_name = $2`,
		encToken, encCookie)
}

func (r *AccountRepo) UpdateWebCookie(ctx context.Context, userID uuid.UUID, accountName, webCookie string) error {
	encCookie, err := r.crypto.Encrypt(webCookie)
	if err != nil {
		return fmt.Errorf("failed to encrypt web cookie: %w", err)
	}
	return r.exec(ctx, userID, accountName,
		`UPDATE steam_accounts SET web_cookie = $3, updated_at = NOW() WHERE user_id = $1 AND account_name = $2`, encCookie)
}

func (r *AccountRepo) UpdateProxy(ctx context.Context, userID uuid.UUID, accountName string, proxyID int64) error {
	return r.exec(ctx, userID, accountName,
		`UPDATE steam_accounts SET proxy_id = NULLIF($3, 0::bigint), updated_at = NOW() WHERE user_id = $1 AND account_name = $2`, proxyID)
}

func (r *AccountRepo) UpdatePersona(ctx context.Context, userID uuid.UUID, accountName string, state domain.PersonaState) error {
	return r.exec(ctx, userID, accountName,
		`UPDATE steam_accounts SET persona_state = $3, updated_at = NOW() WHERE user_id = $1 AND account_name = $2`, state)
}

func (r *AccountRepo) UpdateIdled(ctx context.Context, userID uuid.UUID, accountName string, appIDs []uint32) error {
	encoded, _ := json.Marshal(emptyIfNil(appIDs))
	return r.exec(ctx, userID, accountName,
		`UPDATE steam_accounts SET idled_game_ids = $3, updated_at = NOW() WHERE user_id = $1 AND account_name = $2`, encoded)
}

func (r *AccountRepo) UpdateFarming(ctx context.Context, userID uuid.UUID, accountName string, appIDs []uint32, status domain.Status) error {
	encoded, _ := json.Marshal(emptyIfNil(appIDs))
	return r.exec(ctx, userID, accountName,
		`UPDATE steam_accounts SET farmed_game_ids = $3, status = $4, updated_at = NOW() WHERE user_id = $1 AND account_name = $2`,
		encoded, status)
}

func (r *AccountRepo) UpdateData(ctx context.Context, userID uuid.UUID, accountName string, data domain.AccountData) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode account data: %w", err)
	}
	return r.exec(ctx, userID, accountName,
		`UPDATE steam_accounts SET data = $3, updated_at = NOW() WHERE user_id = $1 AND account_name = $2`, encoded)
}

func (r *AccountRepo) Delete(ctx context.Context, userID uuid.UUID, accountName string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM steam_accounts WHERE user_id = $1 AND account_name = $2`, userID, accountName)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.E(domain.KindNotFound, "steam account not found")
	}
	return nil
}

func (r *AccountRepo) exec(ctx context.Context, userID uuid.UUID, accountName, query string, args ...any) error {
	allArgs := append([]any{userID, accountName}, args...)
	tag, err := r.pool.Exec(ctx, query, allArgs...)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.E(domain.KindNotFound, "steam account not found")
	}
	return nil
}

func emptyIfNil(ids []uint32) []uint32 {
	if ids == nil {
		return []uint32{}
	}
	return ids
}
