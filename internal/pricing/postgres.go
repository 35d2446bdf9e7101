package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// rowQuerier is the subset of pgxpool.Pool used by the source
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresPairingSource reads pairing records from an indexer mirror database
// with tables token_pairings(chain_id, address, paired_token, pool_id) and
// coin_pairings(chain_id, address, currency, pool_id). Addresses are stored
// lowercase; pool ids as 0x-prefixed hex.
type PostgresPairingSource struct {
	db    rowQuerier
	close func()
}

// NewPostgresPairingSource connects to the mirror database
func NewPostgresPairingSource(ctx context.Context, dsn string) (*PostgresPairingSource, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to pg: %w", err)
	}
	return &PostgresPairingSource{db: pool, close: pool.Close}, nil
}

// PairingForToken implements PairingSource
func (s *PostgresPairingSource) PairingForToken(ctx context.Context, token common.Address, chainID uint64) (*PairingRecord, error) {
	var paired, poolID string
	err := s.db.QueryRow(ctx, `
		SELECT paired_token, pool_id
		FROM token_pairings
		WHERE chain_id = $1 AND address = $2
	`, int64(chainID), normalize(token)).Scan(&paired, &poolID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: query token pairing: %v", ErrUpstreamUnavailable, err)
	}

	pairedAddr, err := parseAddress(paired)
	if err != nil {
		return nil, err
	}
	id, err := parsePoolID(poolID)
	if err != nil {
		return nil, err
	}

	return &PairingRecord{PairedToken: pairedAddr, PoolID: id}, nil
}

// PairingForCoin implements PairingSource
func (s *PostgresPairingSource) PairingForCoin(ctx context.Context, coin common.Address, chainID uint64) (*CoinPairingRecord, error) {
	var currency, poolID *string
	err := s.db.QueryRow(ctx, `
		SELECT currency, pool_id
		FROM coin_pairings
		WHERE chain_id = $1 AND address = $2
	`, int64(chainID), normalize(coin)).Scan(&currency, &poolID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: query coin pairing: %v", ErrUpstreamUnavailable, err)
	}

	record := &CoinPairingRecord{}
	if currency != nil && *currency != "" {
		addr, err := parseAddress(*currency)
		if err != nil {
			return nil, err
		}
		record.Currency = &addr
	}
	if poolID != nil && *poolID != "" {
		id, err := parsePoolID(*poolID)
		if err != nil {
			return nil, err
		}
		record.PoolID = &id
	}

	return record, nil
}

// Close releases the connection pool
func (s *PostgresPairingSource) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
