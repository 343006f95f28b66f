// Package ledger tracks participant balances on the platform.
//
// Flow:
//  1. Payer deposits tokens to the platform address
//  2. Platform credits the payer's available balance
//  3. Opening a session moves funds: available → escrowed
//  4. Settlement moves escrow to the counterparty and the platform fee account
//  5. Refunds move escrow back to available; withdrawals send tokens out
package ledger

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/sessionpay/internal/token"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInsufficientEscrow  = errors.New("ledger: insufficient escrowed funds")
	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrDuplicateDeposit    = errors.New("ledger: deposit already processed")
)

// Entry represents a ledger entry.
type Entry struct {
	ID          string `json:"id"`
	Addr        string `json:"addr"`
	Type        string `json:"type"` // deposit, withdrawal, escrow_lock, settle, fee, escrow_refund
	Amount      string `json:"amount"`
	TxHash      string `json:"txHash,omitempty"`
	Reference   string `json:"reference,omitempty"` // session ID for escrow movements
	Description string `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Balance represents a participant's balance.
type Balance struct {
	Addr      string `json:"addr"`
	Available string `json:"available"` // Can be spent or escrowed
	Escrowed  string `json:"escrowed"`  // Locked behind open sessions
	TotalIn   string `json:"totalIn"`   // Lifetime deposits + settlements received
	TotalOut  string `json:"totalOut"`  // Lifetime withdrawals + settlements paid
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists ledger data. Every mutation is atomic: the balance change
// and its journal entry commit together or not at all.
type Store interface {
	GetBalance(ctx context.Context, addr string) (*Balance, error)
	Credit(ctx context.Context, addr, amount, txHash, description string) error
	Withdraw(ctx context.Context, addr, amount, txHash string) error
	EscrowLock(ctx context.Context, addr, amount, reference string) error
	// SettleSplit moves releaseAmount+feeAmount out of payer escrow, credits
	// releaseAmount to the counterparty and feeAmount to the platform account.
	SettleSplit(ctx context.Context, payerAddr, counterpartyAddr, platformAddr, releaseAmount, feeAmount, reference string) error
	RefundEscrow(ctx context.Context, addr, amount, reference string) error
	GetHistory(ctx context.Context, addr string, limit int) ([]*Entry, error)
	HasDeposit(ctx context.Context, txHash string) (bool, error)
}

// Ledger manages participant balances.
type Ledger struct {
	store        Store
	platformAddr string
}

// New creates a new ledger. platformAddr receives settlement fees.
func New(store Store, platformAddr string) *Ledger {
	return &Ledger{store: store, platformAddr: strings.ToLower(platformAddr)}
}

// GetBalance returns a participant's current balance.
func (l *Ledger) GetBalance(ctx context.Context, addr string) (*Balance, error) {
	return l.store.GetBalance(ctx, strings.ToLower(addr))
}

// Deposit credits a participant's balance (called when a deposit is detected
// on-chain). Deduplicated by transaction hash.
func (l *Ledger) Deposit(ctx context.Context, addr, amount, txHash string) error {
	exists, err := l.store.HasDeposit(ctx, txHash)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateDeposit
	}

	if err := l.store.Credit(ctx, strings.ToLower(addr), amount, txHash, "deposit"); err != nil {
		recordOp("deposit", "failure")
		return err
	}
	recordOp("deposit", "success")
	return nil
}

// Withdraw processes a withdrawal request.
func (l *Ledger) Withdraw(ctx context.Context, addr, amount, txHash string) error {
	amountBig, ok := token.Parse(amount)
	if !ok || amountBig.Sign() <= 0 {
		return ErrInvalidAmount
	}

	bal, err := l.store.GetBalance(ctx, strings.ToLower(addr))
	if err != nil {
		return err
	}
	availableBig, _ := token.Parse(bal.Available)
	if availableBig.Cmp(amountBig) < 0 {
		return ErrInsufficientBalance
	}

	if err := l.store.Withdraw(ctx, strings.ToLower(addr), amount, txHash); err != nil {
		recordOp("withdraw", "failure")
		return err
	}
	recordOp("withdraw", "success")
	return nil
}

// EscrowLock moves funds from a payer's available balance into escrow.
func (l *Ledger) EscrowLock(ctx context.Context, payerAddr, amount, reference string) error {
	amountBig, ok := token.Parse(amount)
	if !ok || amountBig.Sign() <= 0 {
		return ErrInvalidAmount
	}

	if err := l.store.EscrowLock(ctx, strings.ToLower(payerAddr), amount, reference); err != nil {
		recordOp("escrow_lock", "failure")
		return err
	}
	recordOp("escrow_lock", "success")
	return nil
}

// SettleSplit pays a settlement out of the payer's escrow: the release to
// the counterparty and the fee to the platform account, in one atomic move.
func (l *Ledger) SettleSplit(ctx context.Context, payerAddr, counterpartyAddr, releaseAmount, feeAmount, reference string) error {
	releaseBig, ok := token.Parse(releaseAmount)
	if !ok || releaseBig.Sign() < 0 {
		return ErrInvalidAmount
	}
	feeBig, ok := token.Parse(feeAmount)
	if !ok || feeBig.Sign() < 0 {
		return ErrInvalidAmount
	}
	if new(big.Int).Add(releaseBig, feeBig).Sign() == 0 {
		return nil
	}

	err := l.store.SettleSplit(ctx, strings.ToLower(payerAddr), strings.ToLower(counterpartyAddr),
		l.platformAddr, releaseAmount, feeAmount, reference)
	if err != nil {
		recordOp("settle_split", "failure")
		return err
	}
	recordOp("settle_split", "success")
	recordSettlement(releaseAmount, feeAmount)
	return nil
}

// RefundEscrow returns escrowed funds to a payer's available balance.
func (l *Ledger) RefundEscrow(ctx context.Context, payerAddr, amount, reference string) error {
	amountBig, ok := token.Parse(amount)
	if !ok || amountBig.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amountBig.Sign() == 0 {
		return nil
	}

	if err := l.store.RefundEscrow(ctx, strings.ToLower(payerAddr), amount, reference); err != nil {
		recordOp("escrow_refund", "failure")
		return err
	}
	recordOp("escrow_refund", "success")
	return nil
}

// GetHistory returns ledger entries for a participant.
func (l *Ledger) GetHistory(ctx context.Context, addr string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.GetHistory(ctx, strings.ToLower(addr), limit)
}

// CanSpend checks if a participant has sufficient available balance.
func (l *Ledger) CanSpend(ctx context.Context, addr, amount string) (bool, error) {
	amountBig, ok := token.Parse(amount)
	if !ok {
		return false, ErrInvalidAmount
	}

	bal, err := l.store.GetBalance(ctx, strings.ToLower(addr))
	if err != nil {
		return false, err
	}
	availableBig, _ := token.Parse(bal.Available)
	return availableBig.Cmp(amountBig) >= 0, nil
}
