package app

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/safiri/wallet-service/internal/domain"
	"github.com/safiri/wallet-service/internal/store"
	"github.com/shopspring/decimal"
)

// fakeRepo is an in-memory Repository with the same conditional-update
// semantics as the postgres implementation: settle-once on status, CAS on the
// escrow released flag, idempotent pending creation on external id.
type fakeRepo struct {
	mu         sync.Mutex
	wallets    map[uuid.UUID]*domain.Wallet
	byUser     map[uuid.UUID]uuid.UUID
	txs        map[uuid.UUID]*domain.Transaction
	byExternal map[string]uuid.UUID
	byRef      map[string]uuid.UUID
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		wallets:    make(map[uuid.UUID]*domain.Wallet),
		byUser:     make(map[uuid.UUID]uuid.UUID),
		txs:        make(map[uuid.UUID]*domain.Transaction),
		byExternal: make(map[string]uuid.UUID),
		byRef:      make(map[string]uuid.UUID),
	}
}

func (r *fakeRepo) GetOrCreateWallet(ctx context.Context, userID uuid.UUID, currency string) (*domain.Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byUser[userID]; ok {
		w := *r.wallets[id]
		return &w, nil
	}
	wallet := &domain.Wallet{
		ID:        uuid.New(),
		UserID:    userID,
		Balance:   decimal.Zero,
		Currency:  currency,
		IsActive:  true,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	r.wallets[wallet.ID] = wallet
	r.byUser[userID] = wallet.ID
	w := *wallet
	return &w, nil
}

func (r *fakeRepo) FindWalletByID(ctx context.Context, walletID uuid.UUID) (*domain.Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wallet, ok := r.wallets[walletID]
	if !ok {
		return nil, store.ErrWalletNotFound
	}
	w := *wallet
	return &w, nil
}

func (r *fakeRepo) FindWalletByUserID(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	r.mu.Lock()
	id, ok := r.byUser[userID]
	r.mu.Unlock()
	if !ok {
		return nil, store.ErrWalletNotFound
	}
	return r.FindWalletByID(ctx, id)
}

func (r *fakeRepo) insertLocked(tx *domain.Transaction) {
	r.txs[tx.ID] = tx
	if tx.ExternalID != "" {
		r.byExternal[tx.ExternalID] = tx.ID
	}
}

func (r *fakeRepo) CreditWallet(ctx context.Context, params store.MovementParams) (*domain.Transaction, error) {
	return r.applyMovement(params, true)
}

func (r *fakeRepo) DebitWallet(ctx context.Context, params store.MovementParams) (*domain.Transaction, error) {
	return r.applyMovement(params, false)
}

func (r *fakeRepo) applyMovement(params store.MovementParams, crediting bool) (*domain.Transaction, error) {
	if !params.Amount.IsPositive() {
		return nil, store.ErrInvalidAmount
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	wallet, ok := r.wallets[params.WalletID]
	if !ok {
		return nil, store.ErrWalletNotFound
	}
	if !wallet.IsActive {
		return nil, store.ErrWalletInactive
	}

	before := wallet.Balance
	var after decimal.Decimal
	if crediting {
		after = before.Add(params.Amount)
	} else {
		if before.LessThan(params.Amount) {
			return nil, store.ErrInsufficientFunds
		}
		after = before.Sub(params.Amount)
	}
	wallet.Balance = after

	externalID := params.ExternalID
	if externalID == "" {
		externalID = uuid.NewString()
	}
	tx := &domain.Transaction{
		ID:            uuid.New(),
		WalletID:      wallet.ID,
		UserID:        wallet.UserID,
		Kind:          params.Kind,
		Amount:        params.Amount,
		BalanceBefore: &before,
		BalanceAfter:  &after,
		Label:         params.Label,
		PaymentMethod: params.PaymentMethod,
		ExternalID:    externalID,
		Status:        domain.StatusSuccess,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if params.Linked != nil {
		tx.LinkedType = &params.Linked.Type
		tx.LinkedID = &params.Linked.ID
	}
	r.insertLocked(tx)
	out := *tx
	return &out, nil
}

func (r *fakeRepo) CreatePendingTransaction(ctx context.Context, params store.PendingParams) (*domain.Transaction, bool, error) {
	return r.createPending(params, false)
}

func (r *fakeRepo) CreatePendingDebit(ctx context.Context, params store.PendingParams) (*domain.Transaction, bool, error) {
	return r.createPending(params, true)
}

func (r *fakeRepo) createPending(params store.PendingParams, debit bool) (*domain.Transaction, bool, error) {
	if !params.Amount.IsPositive() {
		return nil, false, store.ErrInvalidAmount
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byExternal[params.ExternalID]; ok {
		existing := *r.txs[id]
		return &existing, false, nil
	}

	wallet, ok := r.wallets[params.WalletID]
	if !ok {
		return nil, false, store.ErrWalletNotFound
	}
	if !wallet.IsActive {
		return nil, false, store.ErrWalletInactive
	}

	tx := &domain.Transaction{
		ID:            uuid.New(),
		WalletID:      wallet.ID,
		UserID:        wallet.UserID,
		Kind:          params.Kind,
		Amount:        params.Amount,
		Label:         params.Label,
		PaymentMethod: params.PaymentMethod,
		ExternalID:    params.ExternalID,
		Status:        domain.StatusPending,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if params.Linked != nil {
		tx.LinkedType = &params.Linked.Type
		tx.LinkedID = &params.Linked.ID
	}
	if debit {
		if wallet.Balance.LessThan(params.Amount) {
			return nil, false, store.ErrInsufficientFunds
		}
		before := wallet.Balance
		after := before.Sub(params.Amount)
		wallet.Balance = after
		tx.BalanceBefore = &before
		tx.BalanceAfter = &after
	}
	r.insertLocked(tx)
	out := *tx
	return &out, true, nil
}

func (r *fakeRepo) AttachGatewayReference(ctx context.Context, txID uuid.UUID, reference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[txID]
	if !ok {
		return store.ErrTransactionNotFound
	}
	tx.GatewayReference = &reference
	r.byRef[reference] = txID
	return nil
}

func (r *fakeRepo) SettleTransaction(ctx context.Context, txID uuid.UUID, outcome string, failureReason *string) (*domain.Transaction, bool, error) {
	if outcome != domain.StatusSuccess && outcome != domain.StatusFailed {
		return nil, false, store.ErrInvalidOutcome
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.txs[txID]
	if !ok {
		return nil, false, store.ErrTransactionNotFound
	}
	if tx.Status != domain.StatusPending {
		out := *tx
		return &out, false, nil
	}

	tx.Status = outcome
	if failureReason != nil {
		tx.FailureReason = failureReason
	}
	tx.UpdatedAt = time.Now()

	if outcome == domain.StatusSuccess && domain.IsCreditingKind(tx.Kind) && tx.BalanceBefore == nil {
		wallet := r.wallets[tx.WalletID]
		before := wallet.Balance
		after := before.Add(tx.Amount)
		wallet.Balance = after
		tx.BalanceBefore = &before
		tx.BalanceAfter = &after
	}

	out := *tx
	return &out, true, nil
}

func (r *fakeRepo) FindTransactionByID(ctx context.Context, txID uuid.UUID) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[txID]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	out := *tx
	return &out, nil
}

func (r *fakeRepo) FindTransactionByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byExternal[externalID]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	out := *r.txs[id]
	return &out, nil
}

func (r *fakeRepo) FindTransactionByGatewayReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byRef[reference]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	out := *r.txs[id]
	return &out, nil
}

func (r *fakeRepo) FindTransactionsByWalletID(ctx context.Context, walletID uuid.UUID, opts domain.TransactionListOptions) ([]domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []domain.Transaction
	for _, tx := range r.txs {
		if tx.WalletID != walletID {
			continue
		}
		if opts.Kind != "" && tx.Kind != opts.Kind {
			continue
		}
		if opts.Status != "" && tx.Status != opts.Status {
			continue
		}
		result = append(result, *tx)
	}
	return result, nil
}

func (r *fakeRepo) ReleaseEscrowHold(ctx context.Context, holdID uuid.UUID, creditWalletID uuid.UUID, creditKind string, label string) (*domain.Transaction, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hold, ok := r.txs[holdID]
	if !ok {
		return nil, false, store.ErrTransactionNotFound
	}
	if hold.Kind != domain.KindEscrow {
		return nil, false, store.ErrNotEscrowHold
	}
	if hold.Released {
		return nil, false, nil
	}

	wallet, ok := r.wallets[creditWalletID]
	if !ok {
		return nil, false, store.ErrWalletNotFound
	}

	now := time.Now()
	hold.Released = true
	hold.ReleasedAt = &now

	before := wallet.Balance
	after := before.Add(hold.Amount)
	wallet.Balance = after

	linkedType := domain.LinkedEscrowHold
	linkedID := hold.ID
	credit := &domain.Transaction{
		ID:            uuid.New(),
		WalletID:      wallet.ID,
		UserID:        wallet.UserID,
		Kind:          creditKind,
		Amount:        hold.Amount,
		BalanceBefore: &before,
		BalanceAfter:  &after,
		Label:         label,
		ExternalID:    uuid.NewString(),
		Status:        domain.StatusSuccess,
		LinkedType:    &linkedType,
		LinkedID:      &linkedID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	r.insertLocked(credit)
	out := *credit
	return &out, true, nil
}

func (r *fakeRepo) UpdateTransactionFailureReason(ctx context.Context, txID uuid.UUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[txID]
	if !ok {
		return store.ErrTransactionNotFound
	}
	tx.FailureReason = &reason
	return nil
}

// age rewinds a transaction's creation time, for expiry tests.
func (r *fakeRepo) age(txID uuid.UUID, by time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tx, ok := r.txs[txID]; ok {
		tx.CreatedAt = tx.CreatedAt.Add(-by)
	}
}

// balanceOf reads a wallet balance directly.
func (r *fakeRepo) balanceOf(walletID uuid.UUID) decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wallets[walletID].Balance
}

var _ store.Repository = (*fakeRepo)(nil)
