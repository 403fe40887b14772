package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fcastrocs/steamidler/internal/domain"
	"github.com/fcastrocs/steamidler/internal/metrics"
)

// allocateAttempts bounds the select-then-increment loop. Each miss means
// another caller won the conditional update between our select and update.
const allocateAttempts = 5

// ProxyRepo implements domain.ProxyRepository. Load is only ever mutated
// through conditional single-statement updates so the cap invariant holds
// under concurrent allocation, even across process restarts with in-flight
// allocations.
type ProxyRepo struct {
	pool *pgxpool.Pool
}

func NewProxyRepo(pool *pgxpool.Pool) *ProxyRepo {
	return &ProxyRepo{pool: pool}
}

var _ domain.ProxyRepository = (*ProxyRepo)(nil)

// Allocate selects uniformly at random among proxies with spare capacity,
// then increments the candidate's load guarded by the same load < load_cap
// condition. A lost race falls through to another candidate.
func (r *ProxyRepo) Allocate(ctx context.Context) (*domain.Proxy, error) {
	for attempt := 0; attempt < allocateAttempts; attempt++ {
		var candidate domain.Proxy
		err := r.pool.QueryRow(ctx, `
			SELECT id, ip, port, load, load_cap FROM proxies
			WHERE load < load_cap
			ORDER BY random()
			LIMIT 1
		`).Scan(&candidate.ID, &candidate.IP, &candidate.Port, &candidate.Load, &candidate.Cap)
		if errors.Is(err, pgx.ErrNoRows) {
			metrics.ProxyAllocationsTotal.WithLabelValues("limit_reached").Inc()
			return nil, domain.E(domain.KindProxyLimitReached, "no proxy with spare capacity")
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select proxy candidate: %w", err)
		}

		tag, err := r.pool.Exec(ctx,
			`UPDATE proxies SET load = load + 1 WHERE id = $1 AND load < load_cap`, candidate.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to increment proxy load: %w", err)
		}
		if tag.RowsAffected() == 1 {
			candidate.Load++
			metrics.ProxyAllocationsTotal.WithLabelValues("allocated").Inc()
			metrics.ProxyLoad.WithLabelValues(strconv.FormatInt(candidate.ID, 10)).Set(float64(candidate.Load))
			return &candidate, nil
		}
		// Candidate filled up between select and update; pick again.
	}

	metrics.ProxyAllocationsTotal.WithLabelValues("limit_reached").Inc()
	return nil, domain.E(domain.KindProxyLimitReached, "no proxy with spare capacity")
}

// Release decrements load, guarded by load > 0 so a double release is a
// no-op rather than an underflow.
func (r *ProxyRepo) Release(ctx context.Context, proxyID int64) error {
	if proxyID == 0 {
		return nil
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE proxies SET load = load - 1 WHERE id = $1 AND load > 0`, proxyID)
	if err != nil {
		return fmt.Errorf("failed to release proxy: %w", err)
	}
	if tag.RowsAffected() == 1 {
		var load int
		if err := r.pool.QueryRow(ctx, `SELECT load FROM proxies WHERE id = $1`, proxyID).Scan(&load); err == nil {
			metrics.ProxyLoad.WithLabelValues(strconv.FormatInt(proxyID, 10)).Set(float64(load))
		}
	}
	return nil
}

// Reserve validates an existing assignment is still usable. Load stays
// untouched: the account being resumed is already counted in it.
func (r *ProxyRepo) Reserve(ctx context.Context, proxyID int64) (*domain.Proxy, error) {
	var proxy domain.Proxy
	err := r.pool.QueryRow(ctx,
		`SELECT id, ip, port, load, load_cap FROM proxies WHERE id = $1`, proxyID).
		Scan(&proxy.ID, &proxy.IP, &proxy.Port, &proxy.Load, &proxy.Cap)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.Ef(domain.KindNotFound, "proxy %d no longer exists", proxyID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reserve proxy: %w", err)
	}
	return &proxy, nil
}

func (r *ProxyRepo) Import(ctx context.Context, proxies []domain.Proxy) (int, error) {
	imported := 0
	for _, p := range proxies {
		tag, err := r.pool.Exec(ctx, `
			INSERT INTO proxies (ip, port, load_cap) VALUES ($1, $2, $3)
			ON CONFLICT (ip, port) DO NOTHING
		`, p.IP, p.Port, p.Cap)
		if err != nil {
			return imported, fmt.Errorf("failed to import proxy %s: %w", p.Addr(), err)
		}
		imported += int(tag.RowsAffected())
	}
	return imported, nil
}

func (r *ProxyRepo) List(ctx context.Context) ([]domain.Proxy, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, ip, port, load, load_cap FROM proxies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list proxies: %w", err)
	}
	defer rows.Close()

	var proxies []domain.Proxy
	for rows.Next() {
		var p domain.Proxy
		if err := rows.Scan(&p.ID, &p.IP, &p.Port, &p.Load, &p.Cap); err != nil {
			return nil, fmt.Errorf("failed to scan proxy: %w", err)
		}
		proxies = append(proxies, p)
	}
	return proxies, rows.Err()
}
