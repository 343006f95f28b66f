package ledger

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"time"
)

func generateID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

// PostgresStore implements Store with PostgreSQL. Balance rows carry CHECK
// constraints (available >= 0, escrowed >= 0) so an overdraft fails at the
// database even if a racing writer slips past the in-process check.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetBalance retrieves a participant's balance.
func (p *PostgresStore) GetBalance(ctx context.Context, addr string) (*Balance, error) {
	bal := &Balance{Addr: addr}

	err := p.db.QueryRowContext(ctx, `
		SELECT available, escrowed, total_in, total_out, updated_at
		FROM balances WHERE address = $1
	`, addr).Scan(&bal.Available, &bal.Escrowed, &bal.TotalIn, &bal.TotalOut, &bal.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Balance{
			Addr:      addr,
			Available: "0",
			Escrowed:  "0",
			TotalIn:   "0",
			TotalOut:  "0",
			UpdatedAt: time.Now(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

// Credit adds funds to a participant's balance.
func (p *PostgresStore) Credit(ctx context.Context, addr, amount, txHash, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO balances (address, available, total_in, updated_at)
		VALUES ($1, $2::NUMERIC(20,6), $2::NUMERIC(20,6), NOW())
		ON CONFLICT (address) DO UPDATE SET
			available  = balances.available + $2::NUMERIC(20,6),
			total_in   = balances.total_in  + $2::NUMERIC(20,6),
			updated_at = NOW()
	`, addr, amount)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, address, type, amount, tx_hash, description, created_at)
		VALUES ($1, $2, 'deposit', $3::NUMERIC(20,6), $4, $5, NOW())
	`, generateID(), addr, amount, txHash, description)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	return tx.Commit()
}

// Withdraw removes funds from a participant's available balance.
func (p *PostgresStore) Withdraw(ctx context.Context, addr, amount, txHash string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE balances SET
			available  = available - $2::NUMERIC(20,6),
			total_out  = total_out + $2::NUMERIC(20,6),
			updated_at = NOW()
		WHERE address = $1
	`, addr, amount)
	if err != nil {
		// CHECK constraint violation means insufficient balance
		return ErrInsufficientBalance
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrAccountNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, address, type, amount, tx_hash, description, created_at)
		VALUES ($1, $2, 'withdrawal', $3::NUMERIC(20,6), $4, 'withdrawal', NOW())
	`, generateID(), addr, amount, txHash)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	return tx.Commit()
}

// EscrowLock moves funds from available to escrowed.
func (p *PostgresStore) EscrowLock(ctx context.Context, addr, amount, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE balances SET
			available  = available - $2::NUMERIC(20,6),
			escrowed   = escrowed  + $2::NUMERIC(20,6),
			updated_at = NOW()
		WHERE address = $1
	`, addr, amount)
	if err != nil {
		return ErrInsufficientBalance
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrAccountNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, address, type, amount, reference, description, created_at)
		VALUES ($1, $2, 'escrow_lock', $3::NUMERIC(20,6), $4, 'escrow_locked', NOW())
	`, generateID(), addr, amount, reference)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	return tx.Commit()
}

// SettleSplit moves release+fee out of the payer's escrow, crediting the
// counterparty and the platform account, all in one transaction.
func (p *PostgresStore) SettleSplit(ctx context.Context, payerAddr, counterpartyAddr, platformAddr, releaseAmount, feeAmount, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE balances SET
			escrowed   = escrowed  - ($2::NUMERIC(20,6) + $3::NUMERIC(20,6)),
			total_out  = total_out + ($2::NUMERIC(20,6) + $3::NUMERIC(20,6)),
			updated_at = NOW()
		WHERE address = $1
	`, payerAddr, releaseAmount, feeAmount)
	if err != nil {
		return ErrInsufficientEscrow
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrAccountNotFound
	}

	credit := func(addr, amount string) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO balances (address, available, total_in, updated_at)
			VALUES ($1, $2::NUMERIC(20,6), $2::NUMERIC(20,6), NOW())
			ON CONFLICT (address) DO UPDATE SET
				available  = balances.available + $2::NUMERIC(20,6),
				total_in   = balances.total_in  + $2::NUMERIC(20,6),
				updated_at = NOW()
		`, addr, amount)
		return err
	}
	if err := credit(counterpartyAddr, releaseAmount); err != nil {
		return fmt.Errorf("failed to credit counterparty: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, address, type, amount, reference, description, created_at)
		VALUES ($1, $2, 'settle', $3::NUMERIC(20,6), $4, 'escrow_settled_to_counterparty', NOW())
	`, generateID(), payerAddr, releaseAmount, reference)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	if feeAmount != "" && feeAmount != "0" && feeAmount != "0.000000" && platformAddr != "" {
		if err := credit(platformAddr, feeAmount); err != nil {
			return fmt.Errorf("failed to credit platform fee: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, address, type, amount, reference, description, created_at)
			VALUES ($1, $2, 'fee', $3::NUMERIC(20,6), $4, 'platform_fee', NOW())
		`, generateID(), payerAddr, feeAmount, reference)
		if err != nil {
			return fmt.Errorf("failed to record fee entry: %w", err)
		}
	}

	return tx.Commit()
}

// RefundEscrow moves funds from escrowed back to available.
func (p *PostgresStore) RefundEscrow(ctx context.Context, addr, amount, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE balances SET
			escrowed   = escrowed  - $2::NUMERIC(20,6),
			available  = available + $2::NUMERIC(20,6),
			updated_at = NOW()
		WHERE address = $1
	`, addr, amount)
	if err != nil {
		return ErrInsufficientEscrow
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrAccountNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, address, type, amount, reference, description, created_at)
		VALUES ($1, $2, 'escrow_refund', $3::NUMERIC(20,6), $4, 'escrow_refunded', NOW())
	`, generateID(), addr, amount, reference)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	return tx.Commit()
}

// GetHistory returns recent ledger entries for a participant.
func (p *PostgresStore) GetHistory(ctx context.Context, addr string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, address, type, amount, COALESCE(tx_hash, ''), COALESCE(reference, ''), COALESCE(description, ''), created_at
		FROM ledger_entries
		WHERE address = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, addr, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.Addr, &e.Type, &e.Amount, &e.TxHash, &e.Reference, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// HasDeposit reports whether a deposit with this transaction hash was
// already credited.
func (p *PostgresStore) HasDeposit(ctx context.Context, txHash string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE tx_hash = $1 AND type = 'deposit')
	`, txHash).Scan(&exists)
	return exists, err
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
