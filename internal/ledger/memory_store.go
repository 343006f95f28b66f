package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/mbd888/sessionpay/internal/token"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	balances map[string]*Balance
	entries  []*Entry
	deposits map[string]bool
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		entries:  make([]*Entry, 0),
		deposits: make(map[string]bool),
	}
}

func (m *MemoryStore) getOrCreate(addr string) *Balance {
	bal, ok := m.balances[addr]
	if !ok {
		bal = &Balance{
			Addr:      addr,
			Available: "0",
			Escrowed:  "0",
			TotalIn:   "0",
			TotalOut:  "0",
		}
		m.balances[addr] = bal
	}
	return bal
}

func (m *MemoryStore) GetBalance(ctx context.Context, addr string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[addr]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{
		Addr:      addr,
		Available: "0",
		Escrowed:  "0",
		TotalIn:   "0",
		TotalOut:  "0",
		UpdatedAt: time.Now(),
	}, nil
}

func (m *MemoryStore) Credit(ctx context.Context, addr, amount, txHash, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.getOrCreate(addr)

	avail, _ := token.Parse(bal.Available)
	totalIn, _ := token.Parse(bal.TotalIn)
	add, _ := token.Parse(amount)

	avail.Add(avail, add)
	totalIn.Add(totalIn, add)
	bal.Available = token.Format(avail)
	bal.TotalIn = token.Format(totalIn)
	bal.UpdatedAt = time.Now()

	m.entries = append(m.entries, &Entry{
		ID:          "entry_" + txHash,
		Addr:        addr,
		Type:        "deposit",
		Amount:      amount,
		TxHash:      txHash,
		Description: description,
		CreatedAt:   time.Now(),
	})
	m.deposits[txHash] = true

	return nil
}

func (m *MemoryStore) Withdraw(ctx context.Context, addr, amount, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[addr]
	if !ok {
		return ErrAccountNotFound
	}

	avail, _ := token.Parse(bal.Available)
	totalOut, _ := token.Parse(bal.TotalOut)
	sub, _ := token.Parse(amount)

	if avail.Cmp(sub) < 0 {
		return ErrInsufficientBalance
	}

	avail.Sub(avail, sub)
	totalOut.Add(totalOut, sub)
	bal.Available = token.Format(avail)
	bal.TotalOut = token.Format(totalOut)
	bal.UpdatedAt = time.Now()

	m.entries = append(m.entries, &Entry{
		ID:          "entry_" + txHash,
		Addr:        addr,
		Type:        "withdrawal",
		Amount:      amount,
		TxHash:      txHash,
		Description: "withdrawal",
		CreatedAt:   time.Now(),
	})

	return nil
}

func (m *MemoryStore) EscrowLock(ctx context.Context, addr, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[addr]
	if !ok {
		return ErrAccountNotFound
	}

	avail, _ := token.Parse(bal.Available)
	escrow, _ := token.Parse(bal.Escrowed)
	sub, _ := token.Parse(amount)

	if avail.Cmp(sub) < 0 {
		return ErrInsufficientBalance
	}

	avail.Sub(avail, sub)
	escrow.Add(escrow, sub)
	bal.Available = token.Format(avail)
	bal.Escrowed = token.Format(escrow)
	bal.UpdatedAt = time.Now()

	m.entries = append(m.entries, &Entry{
		ID:          "entry_escrow_lock_" + reference,
		Addr:        addr,
		Type:        "escrow_lock",
		Amount:      amount,
		Reference:   reference,
		Description: "escrow_locked",
		CreatedAt:   time.Now(),
	})

	return nil
}

func (m *MemoryStore) SettleSplit(ctx context.Context, payerAddr, counterpartyAddr, platformAddr, releaseAmount, feeAmount string, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	payer, ok := m.balances[payerAddr]
	if !ok {
		return ErrAccountNotFound
	}

	release, _ := token.Parse(releaseAmount)
	fee, _ := token.Parse(feeAmount)
	total := new(big.Int).Add(release, fee)

	escrow, _ := token.Parse(payer.Escrowed)
	if escrow.Cmp(total) < 0 {
		return ErrInsufficientEscrow
	}

	totalOut, _ := token.Parse(payer.TotalOut)
	escrow.Sub(escrow, total)
	totalOut.Add(totalOut, total)
	payer.Escrowed = token.Format(escrow)
	payer.TotalOut = token.Format(totalOut)
	payer.UpdatedAt = time.Now()

	m.creditLocked(counterpartyAddr, release)
	if fee.Sign() > 0 && platformAddr != "" {
		m.creditLocked(platformAddr, fee)
	}

	m.entries = append(m.entries, &Entry{
		ID:          "entry_settle_" + reference,
		Addr:        payerAddr,
		Type:        "settle",
		Amount:      releaseAmount,
		Reference:   reference,
		Description: "escrow_settled_to_counterparty",
		CreatedAt:   time.Now(),
	})
	if fee.Sign() > 0 {
		m.entries = append(m.entries, &Entry{
			ID:          "entry_fee_" + reference,
			Addr:        payerAddr,
			Type:        "fee",
			Amount:      feeAmount,
			Reference:   reference,
			Description: "platform_fee",
			CreatedAt:   time.Now(),
		})
	}

	return nil
}

// creditLocked credits available+totalIn. Caller holds the write lock.
func (m *MemoryStore) creditLocked(addr string, amount *big.Int) {
	bal := m.getOrCreate(addr)
	avail, _ := token.Parse(bal.Available)
	totalIn, _ := token.Parse(bal.TotalIn)
	avail.Add(avail, amount)
	totalIn.Add(totalIn, amount)
	bal.Available = token.Format(avail)
	bal.TotalIn = token.Format(totalIn)
	bal.UpdatedAt = time.Now()
}

func (m *MemoryStore) RefundEscrow(ctx context.Context, addr, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[addr]
	if !ok {
		return ErrAccountNotFound
	}

	avail, _ := token.Parse(bal.Available)
	escrow, _ := token.Parse(bal.Escrowed)
	add, _ := token.Parse(amount)

	if escrow.Cmp(add) < 0 {
		return ErrInsufficientEscrow
	}

	escrow.Sub(escrow, add)
	avail.Add(avail, add)
	bal.Available = token.Format(avail)
	bal.Escrowed = token.Format(escrow)
	bal.UpdatedAt = time.Now()

	m.entries = append(m.entries, &Entry{
		ID:          "entry_escrow_refund_" + reference,
		Addr:        addr,
		Type:        "escrow_refund",
		Amount:      amount,
		Reference:   reference,
		Description: "escrow_refunded",
		CreatedAt:   time.Now(),
	})

	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, addr string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].Addr == addr {
			result = append(result, m.entries[i])
		}
	}
	return result, nil
}

func (m *MemoryStore) HasDeposit(ctx context.Context, txHash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deposits[txHash], nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
