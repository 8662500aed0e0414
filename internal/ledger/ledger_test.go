package ledger

import (
	"testing"

	"github.com/ridecore/dispatch/internal/model"
)

func balancedTxn(entries ...model.LedgerEntry) *model.LedgerTransaction {
	return &model.LedgerTransaction{Entries: entries}
}

func TestLedgerTransaction_Balanced(t *testing.T) {
	cases := []struct {
		name string
		txn  *model.LedgerTransaction
		want bool
	}{
		{
			name: "debit credit equal",
			txn: balancedTxn(
				model.LedgerEntry{Account: model.AccountUserWallet, Direction: model.DirectionDebit, Amount: 500},
				model.LedgerEntry{Account: model.AccountPlatformCash, Direction: model.DirectionCredit, Amount: 500},
			),
			want: true,
		},
		{
			name: "three way settlement split",
			txn: balancedTxn(
				model.LedgerEntry{Account: model.AccountCustomerPayments, Direction: model.DirectionDebit, Amount: 1000},
				model.LedgerEntry{Account: model.AccountPlatformRevenue, Direction: model.DirectionCredit, Amount: 200},
				model.LedgerEntry{Account: model.AccountRestaurantPayout, Direction: model.DirectionCredit, Amount: 800},
			),
			want: true,
		},
		{
			name: "imbalanced",
			txn: balancedTxn(
				model.LedgerEntry{Account: model.AccountUserWallet, Direction: model.DirectionDebit, Amount: 500},
				model.LedgerEntry{Account: model.AccountPlatformCash, Direction: model.DirectionCredit, Amount: 400},
			),
			want: false,
		},
		{
			name: "empty",
			txn:  balancedTxn(),
			want: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.txn.Balanced(); got != tc.want {
				t.Errorf("Balanced() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSettlementSplit_CommissionPlusRemainderEqualsTotal(t *testing.T) {
	amountTotal := int64(10000)
	commissionPct := 0.20

	commission := int64(float64(amountTotal) * commissionPct)
	remainder := amountTotal - commission

	if commission+remainder != amountTotal {
		t.Errorf("commission(%d) + remainder(%d) != total(%d)", commission, remainder, amountTotal)
	}
	if commission != 2000 {
		t.Errorf("commission = %d, want 2000", commission)
	}
}

func TestSettlementTransaction_IsBalanced(t *testing.T) {
	payeeID := "captain-1"
	txn := balancedTxn(
		model.LedgerEntry{Account: model.AccountCustomerPayments, Direction: model.DirectionDebit, Amount: 10000},
		model.LedgerEntry{Account: model.AccountPlatformRevenue, Direction: model.DirectionCredit, Amount: 2000},
		model.LedgerEntry{UserID: &payeeID, Account: model.AccountCaptainPayable, Direction: model.DirectionCredit, Amount: 8000},
	)
	if !txn.Balanced() {
		t.Error("settlement transaction should balance: debit(10000) == credits(2000+8000)")
	}
}

func TestDebit_RejectsNonPositiveAmount(t *testing.T) {
	l := New(nil)
	if _, err := l.Debit(nil, "user-1", 0, "test", model.ReferenceOrder, "order-1"); err == nil {
		t.Error("Debit(0) should return an error")
	}
	if _, err := l.Debit(nil, "user-1", -100, "test", model.ReferenceOrder, "order-1"); err == nil {
		t.Error("Debit(negative) should return an error")
	}
}

func TestCredit_RejectsNonPositiveAmount(t *testing.T) {
	l := New(nil)
	if _, err := l.Credit(nil, "user-1", 0, "test", model.ReferenceOrder, "order-1"); err == nil {
		t.Error("Credit(0) should return an error")
	}
}
