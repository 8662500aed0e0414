// Package ledger implements the double-entry wallet ledger (C2): balanced
// transactions, per-user balance, and the refund/debit/credit/settlement
// operations consumed by the cancellation engine and job completion.
//
// Balance updates and the transaction insert are performed inside a single
// PostgreSQL transaction with a `SELECT ... FOR UPDATE` on the wallet row,
// the same pessimistic-lock idiom internal/repository uses for captain
// rows — the ledger's need for relational integrity (foreign keys to
// users/jobs, durability of the append-only entries table) is better
// served by Postgres than by a Redis-held balance.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ridecore/dispatch/internal/dispatcherr"
	"github.com/ridecore/dispatch/internal/model"
	"github.com/ridecore/dispatch/pkg/metrics"
)

// ErrInsufficientFunds is returned by Debit when the wallet balance is
// below the requested amount.
var ErrInsufficientFunds = dispatcherr.New(dispatcherr.KindValidation, "insufficient wallet balance")

// Ledger owns the Postgres pool backing the wallet_balances and
// ledger_entries tables.
type Ledger struct {
	pool *pgxpool.Pool
}

// New constructs a Ledger.
func New(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Balance returns a user's cached wallet balance, which must always equal
// the ledger-derived SUM(CREDIT)-SUM(DEBIT) for that (user_id, account).
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := l.pool.QueryRow(ctx,
		`SELECT balance FROM wallet_balances WHERE user_id = $1 AND account = $2`,
		userID, model.AccountUserWallet,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, dispatcherr.Wrap(dispatcherr.KindDependency, "read wallet balance", err)
	}
	return balance, nil
}

// Debit requires balance >= amount and emits USER_WALLET:DEBIT /
// PLATFORM_CASH:CREDIT. Fails with ErrInsufficientFunds if the
// compare-and-decrement would go negative.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64, reason string, refType model.ReferenceType, refID string) (*model.LedgerTransaction, error) {
	if amount <= 0 {
		return nil, dispatcherr.New(dispatcherr.KindValidation, "debit amount must be positive")
	}
	return l.writeBalanced(ctx, refType, refID, amount, func(tx pgx.Tx, currentBalance int64) ([]model.LedgerEntry, error) {
		if currentBalance < amount {
			return nil, ErrInsufficientFunds
		}
		return []model.LedgerEntry{
			{UserID: &userID, Account: model.AccountUserWallet, Direction: model.DirectionDebit, Amount: amount},
			{Account: model.AccountPlatformCash, Direction: model.DirectionCredit, Amount: amount},
		}, nil
	}, userID, -amount)
}

// Credit emits PLATFORM_CASH:DEBIT / USER_WALLET:CREDIT — the inverse of
// Debit, used for top-ups and general credits.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, reason string, refType model.ReferenceType, refID string) (*model.LedgerTransaction, error) {
	if amount <= 0 {
		return nil, dispatcherr.New(dispatcherr.KindValidation, "credit amount must be positive")
	}
	return l.writeBalanced(ctx, refType, refID, amount, func(tx pgx.Tx, currentBalance int64) ([]model.LedgerEntry, error) {
		return []model.LedgerEntry{
			{Account: model.AccountPlatformCash, Direction: model.DirectionDebit, Amount: amount},
			{UserID: &userID, Account: model.AccountUserWallet, Direction: model.DirectionCredit, Amount: amount},
		}, nil
	}, userID, amount)
}

// Refund is Credit tagged against a CANCELLATION reference, used by the
// cancellation engine when a gateway refund is unavailable.
func (l *Ledger) Refund(ctx context.Context, userID string, amount int64, jobID string) (*model.LedgerTransaction, error) {
	return l.Credit(ctx, userID, amount, "CANCEL_REFUND", model.ReferenceCancellation, jobID)
}

// SettleOrder debits CUSTOMER_PAYMENTS and credits PLATFORM_REVENUE
// (commission%) plus RESTAURANT_PAYABLE (remainder). Idempotent via a
// `settled` flag on the jobs row, checked and set within the same
// transaction as the ledger insert.
func (l *Ledger) SettleOrder(ctx context.Context, orderID, restaurantID string, amountTotal int64, commissionPct float64) (*model.LedgerTransaction, error) {
	return l.settle(ctx, orderID, model.ReferenceOrder, amountTotal, commissionPct, model.AccountRestaurantPayout, restaurantID)
}

// SettleRide debits CUSTOMER_PAYMENTS and credits PLATFORM_REVENUE
// (commission%) plus CAPTAIN_PAYABLE (remainder). Idempotent via the
// jobs row's `settled` flag.
func (l *Ledger) SettleRide(ctx context.Context, rideID, captainID string, amountTotal int64, commissionPct float64) (*model.LedgerTransaction, error) {
	return l.settle(ctx, rideID, model.ReferenceRide, amountTotal, commissionPct, model.AccountCaptainPayable, captainID)
}

func (l *Ledger) settle(ctx context.Context, jobID string, refType model.ReferenceType, amountTotal int64, commissionPct float64, payeeAccount model.LedgerAccount, payeeID string) (*model.LedgerTransaction, error) {
	if amountTotal <= 0 {
		return nil, dispatcherr.New(dispatcherr.KindValidation, "settlement amount must be positive")
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.KindDependency, "begin settlement tx", err)
	}
	defer tx.Rollback(ctx)

	var settled bool
	err = tx.QueryRow(ctx, `SELECT settled FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&settled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dispatcherr.New(dispatcherr.KindNotFound, "job not found")
	}
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.KindDependency, "lock job row", err)
	}
	if settled {
		// Idempotent: a second settlement call is a no-op.
		return nil, nil
	}

	commission := int64(float64(amountTotal) * commissionPct)
	remainder := amountTotal - commission

	txn := &model.LedgerTransaction{
		ID:            uuid.NewString(),
		ReferenceType: refType,
		ReferenceID:   jobID,
		Amount:        amountTotal,
		CreatedAt:     time.Now().UTC(),
		Entries: []model.LedgerEntry{
			{Account: model.AccountCustomerPayments, Direction: model.DirectionDebit, Amount: amountTotal},
			{Account: model.AccountPlatformRevenue, Direction: model.DirectionCredit, Amount: commission},
			{UserID: &payeeID, Account: payeeAccount, Direction: model.DirectionCredit, Amount: remainder},
		},
	}
	if !txn.Balanced() {
		// A programming defect, not a user-facing condition: fail loudly.
		return nil, fmt.Errorf("ledger imbalance settling %s: debits != credits", jobID)
	}

	if err := insertEntries(ctx, tx, txn); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `UPDATE jobs SET settled = true WHERE id = $1`, jobID); err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.KindDependency, "mark job settled", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.KindDependency, "commit settlement", err)
	}
	metrics.SettlementsTotal.WithLabelValues(string(refType)).Inc()
	return txn, nil
}

// writeBalanced runs build inside a transaction holding a row lock on the
// user's wallet balance, inserts the resulting balanced transaction, and
// applies delta to the cached balance projection.
func (l *Ledger) writeBalanced(
	ctx context.Context,
	refType model.ReferenceType,
	refID string,
	amount int64,
	build func(tx pgx.Tx, currentBalance int64) ([]model.LedgerEntry, error),
	userID string,
	delta int64,
) (*model.LedgerTransaction, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.KindDependency, "begin ledger tx", err)
	}
	defer tx.Rollback(ctx)

	var currentBalance int64
	err = tx.QueryRow(ctx,
		`SELECT balance FROM wallet_balances WHERE user_id = $1 AND account = $2 FOR UPDATE`,
		userID, model.AccountUserWallet,
	).Scan(&currentBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := tx.Exec(ctx,
			`INSERT INTO wallet_balances (user_id, account, balance) VALUES ($1, $2, 0)`,
			userID, model.AccountUserWallet,
		); err != nil {
			return nil, dispatcherr.Wrap(dispatcherr.KindDependency, "init wallet balance", err)
		}
		currentBalance = 0
	} else if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.KindDependency, "lock wallet balance", err)
	}

	entries, err := build(tx, currentBalance)
	if err != nil {
		return nil, err
	}

	txn := &model.LedgerTransaction{
		ID:            uuid.NewString(),
		ReferenceType: refType,
		ReferenceID:   refID,
		Amount:        amount,
		Entries:       entries,
		CreatedAt:     time.Now().UTC(),
	}
	if !txn.Balanced() {
		return nil, fmt.Errorf("ledger imbalance for user %s ref %s: debits != credits", userID, refID)
	}

	if err := insertEntries(ctx, tx, txn); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE wallet_balances SET balance = balance + $1 WHERE user_id = $2 AND account = $3`,
		delta, userID, model.AccountUserWallet,
	); err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.KindDependency, "update wallet balance", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.KindDependency, "commit ledger tx", err)
	}
	return txn, nil
}

func insertEntries(ctx context.Context, tx pgx.Tx, txn *model.LedgerTransaction) error {
	for _, e := range txn.Entries {
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_entries (transaction_id, reference_type, reference_id, user_id, account, direction, amount, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			txn.ID, txn.ReferenceType, txn.ReferenceID, e.UserID, e.Account, e.Direction, e.Amount, txn.CreatedAt,
		); err != nil {
			return dispatcherr.Wrap(dispatcherr.KindDependency, "insert ledger entry", err)
		}
	}
	return nil
}
