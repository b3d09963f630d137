package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nerdDan/braavos/internal/domain/model"
)

type AddressRepo struct {
	db *DB
}

func NewAddressRepo(db *DB) *AddressRepo {
	return &AddressRepo{db: db}
}

const addressColumns = `id, chain, client_id, path, address, created_at`

func (r *AddressRepo) Find(ctx context.Context, chain model.Chain, clientID int64, path string) (*model.Address, error) {
	var a model.Address
	err := r.db.QueryRowContext(ctx, `
		SELECT `+addressColumns+` FROM addresses
		WHERE chain = $1 AND client_id = $2 AND path = $3
	`, chain, clientID, path).Scan(&a.ID, &a.Chain, &a.ClientID, &a.Path, &a.Address, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find address: %w", err)
	}
	return &a, nil
}

func (r *AddressRepo) FindByAddress(ctx context.Context, chain model.Chain, address string) (*model.Address, error) {
	var a model.Address
	err := r.db.QueryRowContext(ctx, `
		SELECT `+addressColumns+` FROM addresses
		WHERE chain = $1 AND address = $2
	`, chain, address).Scan(&a.ID, &a.Chain, &a.ClientID, &a.Path, &a.Address, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find address by string: %w", err)
	}
	return &a, nil
}

func (r *AddressRepo) ListByChain(ctx context.Context, chain model.Chain) ([]model.Address, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+addressColumns+` FROM addresses
		WHERE chain = $1
		ORDER BY id
	`, chain)
	if err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}
	defer rows.Close()

	var addrs []model.Address
	for rows.Next() {
		var a model.Address
		if err := rows.Scan(&a.ID, &a.Chain, &a.ClientID, &a.Path, &a.Address, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan address: %w", err)
		}
		addrs = append(addrs, a)
	}
	return addrs, rows.Err()
}

func (r *AddressRepo) Insert(ctx context.Context, addr *model.Address) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO addresses (chain, client_id, path, address)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chain, client_id, path) DO NOTHING
	`, addr.Chain, addr.ClientID, addr.Path, addr.Address)
	if err != nil {
		return fmt.Errorf("insert address: %w", err)
	}
	return nil
}
