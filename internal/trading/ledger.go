package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/ksred/klear-finance/internal/types"
	"github.com/ksred/klear-finance/pkg/id"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const idempotencyTTL = 24 * time.Hour

// trade is one validated, priced order ready to be booked
type trade struct {
	userID         uint
	symbol         string
	shares         int64
	price          decimal.Decimal
	kind           types.TransactionType
	idempotencyKey string
}

// ledger books trades. Cash, holding and transaction log change together
// in one database transaction or not at all.
type ledger struct {
	db  *gorm.DB
	now func() time.Time
}

func newLedger(db *gorm.DB) *ledger {
	return &ledger{db: db, now: time.Now}
}

func (l *ledger) book(ctx context.Context, t trade) (*TradeReceipt, error) {
	tx := l.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	repo := NewDatabase(tx)
	var (
		receipt *TradeReceipt
		err     error
	)
	switch t.kind {
	case types.TransactionBuy:
		receipt, err = l.buy(repo, t)
	case types.TransactionSell:
		receipt, err = l.sell(repo, t)
	default:
		err = fmt.Errorf("unknown trade type %q", t.kind)
	}
	if err == nil && t.idempotencyKey != "" {
		err = repo.saveIdempotencyRecord(&types.IdempotencyRecord{
			UserID:         t.userID,
			IdempotencyKey: t.idempotencyKey,
			TransactionID:  receipt.TransactionID,
			Type:           t.kind,
			Symbol:         t.symbol,
			Shares:         t.shares,
			CashAfter:      receipt.Cash,
			ExpiresAt:      receipt.Transacted.Add(idempotencyTTL),
			CreatedAt:      receipt.Transacted,
		})
	}
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, fmt.Errorf("commit trade: %w", err)
	}
	return receipt, nil
}

func (l *ledger) buy(repo *Database, t trade) (*TradeReceipt, error) {
	user, err := repo.lockUser(t.userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	total := t.price.Mul(decimal.NewFromInt(t.shares))
	if total.GreaterThan(user.Cash) {
		return nil, types.ErrInsufficientFunds
	}

	txn := l.entry(t, t.shares)
	if err := repo.appendTransaction(txn); err != nil {
		return nil, fmt.Errorf("append transaction: %w", err)
	}

	cash := user.Cash.Sub(total)
	if err := repo.setCash(t.userID, cash); err != nil {
		return nil, fmt.Errorf("debit cash: %w", err)
	}

	if err := repo.applyHolding(t.userID, t.symbol, t.shares); err != nil {
		return nil, fmt.Errorf("credit holding: %w", err)
	}

	return receiptFor(txn, total, cash), nil
}

func (l *ledger) sell(repo *Database, t trade) (*TradeReceipt, error) {
	user, err := repo.lockUser(t.userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	total := t.price.Mul(decimal.NewFromInt(t.shares))
	cash := user.Cash.Add(total)
	if err := repo.setCash(t.userID, cash); err != nil {
		return nil, fmt.Errorf("credit cash: %w", err)
	}

	if err := repo.applyHolding(t.userID, t.symbol, -t.shares); err != nil {
		if err == types.ErrInsufficientShares {
			return nil, err
		}
		return nil, fmt.Errorf("debit holding: %w", err)
	}

	txn := l.entry(t, -t.shares)
	if err := repo.appendTransaction(txn); err != nil {
		return nil, fmt.Errorf("append transaction: %w", err)
	}

	return receiptFor(txn, total, cash), nil
}

func (l *ledger) entry(t trade, signedShares int64) *types.Transaction {
	return &types.Transaction{
		TransactionID: id.New("TXN"),
		UserID:        t.userID,
		Symbol:        t.symbol,
		Shares:        signedShares,
		Price:         t.price,
		Type:          t.kind,
		Transacted:    l.now().UTC(),
	}
}

func receiptFor(txn *types.Transaction, total, cash decimal.Decimal) *TradeReceipt {
	shares := txn.Shares
	if shares < 0 {
		shares = -shares
	}
	return &TradeReceipt{
		TransactionID: txn.TransactionID,
		Type:          txn.Type,
		Symbol:        txn.Symbol,
		Shares:        shares,
		Price:         txn.Price,
		Total:         total,
		Cash:          cash,
		Transacted:    txn.Transacted,
	}
}
