package trading

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ksred/klear-finance/internal/config"
	"github.com/ksred/klear-finance/internal/database"
	"github.com/ksred/klear-finance/internal/oracle"
	"github.com/ksred/klear-finance/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	db       *gorm.DB
	oracle   *oracle.Static
	service  *Service
	identity types.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.NewDatabase(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "trading.db"),
	}, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	user := types.User{Username: "alice", PasswordHash: "x", Cash: dec("10000")}
	require.NoError(t, db.Create(&user).Error)

	o := oracle.NewStatic(map[string]types.Quote{
		"NVDA": {Price: dec("100"), Open: dec("98")},
		"AAPL": {Price: dec("150"), Open: dec("160")},
	})

	return &fixture{
		db:       db,
		oracle:   o,
		service:  NewService(db, o),
		identity: types.Identity{UserID: user.ID, Username: user.Username},
	}
}

type snapshot struct {
	cash     string
	holdings map[string]int64
	txns     int64
}

func (f *fixture) snapshot(t *testing.T) snapshot {
	t.Helper()

	var user types.User
	require.NoError(t, f.db.First(&user, f.identity.UserID).Error)

	var holdings []types.Holding
	require.NoError(t, f.db.Where("user_id = ?", f.identity.UserID).Find(&holdings).Error)
	m := make(map[string]int64)
	for _, h := range holdings {
		m[h.Symbol] = h.Shares
	}

	var n int64
	require.NoError(t, f.db.Model(&types.Transaction{}).Where("user_id = ?", f.identity.UserID).Count(&n).Error)

	return snapshot{cash: user.Cash.String(), holdings: m, txns: n}
}

func (f *fixture) cash(t *testing.T) decimal.Decimal {
	t.Helper()
	var user types.User
	require.NoError(t, f.db.First(&user, f.identity.UserID).Error)
	return user.Cash
}

func (f *fixture) transactions(t *testing.T) []types.Transaction {
	t.Helper()
	var txns []types.Transaction
	require.NoError(t, f.db.Where("user_id = ?", f.identity.UserID).Order("id").Find(&txns).Error)
	return txns
}

func TestBuyThenSellScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipt, err := f.service.Buy(ctx, f.identity, "nvda", "10")
	require.NoError(t, err)
	assert.Equal(t, "NVDA", receipt.Symbol)
	assert.True(t, receipt.Total.Equal(dec("1000")))
	assert.True(t, receipt.Cash.Equal(dec("9000")))

	assert.True(t, f.cash(t).Equal(dec("9000")))
	holding, err := f.service.db.GetHolding(ctx, f.identity.UserID, "NVDA")
	require.NoError(t, err)
	require.NotNil(t, holding)
	assert.Equal(t, int64(10), holding.Shares)

	txns := f.transactions(t)
	require.Len(t, txns, 1)
	assert.Equal(t, int64(10), txns[0].Shares)
	assert.Equal(t, types.TransactionBuy, txns[0].Type)
	assert.True(t, txns[0].Price.Equal(dec("100")))
	assert.Equal(t, receipt.TransactionID, txns[0].TransactionID)

	f.oracle.Set("NVDA", dec("120"), dec("98"))

	receipt, err = f.service.Sell(ctx, f.identity, "NVDA", "10")
	require.NoError(t, err)
	assert.True(t, receipt.Cash.Equal(dec("10200")))

	assert.True(t, f.cash(t).Equal(dec("10200")))
	holding, err = f.service.db.GetHolding(ctx, f.identity.UserID, "NVDA")
	require.NoError(t, err)
	assert.Nil(t, holding, "zero-share holdings are deleted")

	txns = f.transactions(t)
	require.Len(t, txns, 2)
	assert.Equal(t, int64(-10), txns[1].Shares)
	assert.Equal(t, types.TransactionSell, txns[1].Type)
	assert.True(t, txns[1].Price.Equal(dec("120")))
}

func TestPartialSellKeepsHolding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Buy(ctx, f.identity, "NVDA", "10")
	require.NoError(t, err)
	_, err = f.service.Buy(ctx, f.identity, "NVDA", "5")
	require.NoError(t, err)
	_, err = f.service.Sell(ctx, f.identity, "NVDA", "4")
	require.NoError(t, err)

	s := f.snapshot(t)
	assert.Equal(t, map[string]int64{"NVDA": 11}, s.holdings)
	assert.Equal(t, int64(3), s.txns)
	assert.True(t, f.cash(t).Equal(dec("8900")))
}

func TestRejectedTradesChangeNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Buy(ctx, f.identity, "NVDA", "3")
	require.NoError(t, err)
	before := f.snapshot(t)

	tests := []struct {
		name   string
		kind   types.TransactionType
		symbol string
		shares string
		want   *types.LedgerError
	}{
		{"buy zero", types.TransactionBuy, "NVDA", "0", types.ErrInvalidQuantity},
		{"buy letters", types.TransactionBuy, "NVDA", "abc", types.ErrInvalidQuantity},
		{"buy negative", types.TransactionBuy, "NVDA", "-2", types.ErrInvalidQuantity},
		{"buy fractional", types.TransactionBuy, "NVDA", "1.5", types.ErrInvalidQuantity},
		{"buy empty", types.TransactionBuy, "NVDA", "", types.ErrInvalidQuantity},
		{"buy no symbol", types.TransactionBuy, "  ", "1", types.ErrMissingField},
		{"buy unknown symbol", types.TransactionBuy, "ZZZZ", "1", types.ErrUnknownSymbol},
		{"buy too expensive", types.TransactionBuy, "NVDA", "98", types.ErrInsufficientFunds},
		{"sell zero", types.TransactionSell, "NVDA", "0", types.ErrInvalidQuantity},
		{"sell more than held", types.TransactionSell, "NVDA", "4", types.ErrInsufficientShares},
		{"sell never held", types.TransactionSell, "AAPL", "1", types.ErrInsufficientShares},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.Trade(ctx, f.identity, tt.kind, tt.symbol, tt.shares, "")
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, before, f.snapshot(t))
		})
	}
}

func TestBuyExactlyAllCash(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Buy(context.Background(), f.identity, "NVDA", "100")
	require.NoError(t, err)
	assert.True(t, f.cash(t).IsZero())
}

func TestSellBlockedWhenSymbolStopsResolving(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Buy(ctx, f.identity, "NVDA", "2")
	require.NoError(t, err)
	before := f.snapshot(t)

	f.oracle.Remove("NVDA")
	_, err = f.service.Sell(ctx, f.identity, "NVDA", "2")
	assert.ErrorIs(t, err, types.ErrUnknownSymbol)
	assert.Equal(t, before, f.snapshot(t))

	// holdings are checked before the price
	_, err = f.service.Sell(ctx, f.identity, "NVDA", "3")
	assert.ErrorIs(t, err, types.ErrInsufficientShares)
}

type brokenOracle struct{}

func (brokenOracle) Lookup(context.Context, string) (types.Quote, error) {
	return types.Quote{}, errors.New("connection refused")
}

func TestOracleOutageIsUnknownSymbol(t *testing.T) {
	f := newFixture(t)
	f.service.oracle = brokenOracle{}
	before := f.snapshot(t)

	_, err := f.service.Buy(context.Background(), f.identity, "NVDA", "1")
	assert.ErrorIs(t, err, types.ErrUnknownSymbol)
	assert.Equal(t, before, f.snapshot(t))

	_, err = f.service.Quote(context.Background(), "NVDA")
	assert.ErrorIs(t, err, types.ErrUnknownSymbol)
}

func TestFailureMidTradeRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Buy(ctx, f.identity, "NVDA", "10")
	require.NoError(t, err)
	before := f.snapshot(t)

	// the sell writes cash and holding before appending to the log
	require.NoError(t, f.db.Callback().Create().Before("gorm:create").Register("test:fail_transactions", func(tx *gorm.DB) {
		if tx.Statement.Table == "transactions" {
			_ = tx.AddError(errors.New("disk full"))
		}
	}))

	_, err = f.service.Sell(ctx, f.identity, "NVDA", "10")
	require.Error(t, err)
	_, isLedger := types.AsLedgerError(err)
	assert.False(t, isLedger)

	assert.Equal(t, before, f.snapshot(t))
}

func TestHoldingsMatchTransactionLog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	steps := []struct {
		kind   types.TransactionType
		symbol string
		shares string
	}{
		{types.TransactionBuy, "NVDA", "5"},
		{types.TransactionBuy, "AAPL", "7"},
		{types.TransactionSell, "NVDA", "2"},
		{types.TransactionBuy, "NVDA", "1"},
		{types.TransactionSell, "AAPL", "7"},
		{types.TransactionSell, "NVDA", "9"}, // rejected
		{types.TransactionBuy, "AAPL", "2"},
	}
	for _, st := range steps {
		_, _ = f.service.Trade(ctx, f.identity, st.kind, st.symbol, st.shares, "")
	}

	net := make(map[string]int64)
	for _, txn := range f.transactions(t) {
		net[txn.Symbol] += txn.Shares
	}
	for symbol, n := range net {
		if n == 0 {
			delete(net, symbol)
		}
	}

	assert.Equal(t, net, f.snapshot(t).holdings)
	assert.Equal(t, map[string]int64{"NVDA": 4, "AAPL": 2}, net)
}

func TestConcurrentBuysCannotOverspend(t *testing.T) {
	f := newFixture(t)
	f.oracle.Set("NVDA", dec("1000"), dec("990"))
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		bought   int
		rejected int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.Buy(ctx, f.identity, "NVDA", "1")

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				bought++
				return
			}
			assert.ErrorIs(t, err, types.ErrInsufficientFunds)
			rejected++
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, bought)
	assert.Equal(t, 10, rejected)
	assert.True(t, f.cash(t).IsZero())
	assert.Equal(t, map[string]int64{"NVDA": 10}, f.snapshot(t).holdings)
}

func TestIdempotentTradeIsBookedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.Trade(ctx, f.identity, types.TransactionBuy, "NVDA", "2", "form-123")
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := f.service.Trade(ctx, f.identity, types.TransactionBuy, "NVDA", "2", "form-123")
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.True(t, second.Total.Equal(dec("200")))
	assert.True(t, second.Cash.Equal(dec("9800")))

	assert.Len(t, f.transactions(t), 1)

	_, err = f.service.Trade(ctx, f.identity, types.TransactionBuy, "NVDA", "2", "form-124")
	require.NoError(t, err)
	assert.Len(t, f.transactions(t), 2)
}

func TestIdempotencyKeyReusedForDifferentTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Trade(ctx, f.identity, types.TransactionBuy, "NVDA", "5", "k1")
	require.NoError(t, err)
	before := f.snapshot(t)

	tests := []struct {
		name   string
		kind   types.TransactionType
		symbol string
		shares string
	}{
		{"different side and symbol", types.TransactionSell, "AAPL", "3"},
		{"different side", types.TransactionSell, "NVDA", "5"},
		{"different symbol", types.TransactionBuy, "AAPL", "5"},
		{"different shares", types.TransactionBuy, "NVDA", "6"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			receipt, err := f.service.Trade(ctx, f.identity, tt.kind, tt.symbol, tt.shares, "k1")
			assert.Nil(t, receipt)
			assert.ErrorIs(t, err, types.ErrIdempotencyReused)
			assert.Equal(t, before, f.snapshot(t))
		})
	}

	assert.Len(t, f.transactions(t), 1)

	// lower-case input is the same trade once normalized
	receipt, err := f.service.Trade(ctx, f.identity, types.TransactionBuy, "nvda", " 5 ", "k1")
	require.NoError(t, err)
	assert.True(t, receipt.Replayed)
}

func TestReplayedReceiptKeepsOriginalCash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.Trade(ctx, f.identity, types.TransactionBuy, "NVDA", "2", "k1")
	require.NoError(t, err)
	require.True(t, first.Cash.Equal(dec("9800")))

	_, err = f.service.Buy(ctx, f.identity, "AAPL", "10")
	require.NoError(t, err)
	require.True(t, f.cash(t).Equal(dec("8300")))

	replayed, err := f.service.Trade(ctx, f.identity, types.TransactionBuy, "NVDA", "2", "k1")
	require.NoError(t, err)
	assert.True(t, replayed.Replayed)
	assert.True(t, replayed.Cash.Equal(dec("9800")), replayed.Cash.String())
}

func TestHeldSymbols(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	symbols, err := f.service.HeldSymbols(ctx, f.identity)
	require.NoError(t, err)
	assert.Empty(t, symbols)

	_, err = f.service.Buy(ctx, f.identity, "NVDA", "1")
	require.NoError(t, err)
	_, err = f.service.Buy(ctx, f.identity, "AAPL", "1")
	require.NoError(t, err)

	symbols, err = f.service.HeldSymbols(ctx, f.identity)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "NVDA"}, symbols)
}

func TestQuote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	q, err := f.service.Quote(ctx, " aapl")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", q.Symbol)
	assert.True(t, q.Price.Equal(dec("150")))

	_, err = f.service.Quote(ctx, "")
	assert.ErrorIs(t, err, types.ErrMissingField)

	_, err = f.service.Quote(ctx, "ZZZZ")
	assert.ErrorIs(t, err, types.ErrUnknownSymbol)
}

func TestCompare(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.service.Compare(ctx, "nvda", "aapl")
	require.NoError(t, err)
	assert.Equal(t, "NVDA", c.First.Symbol)
	assert.True(t, c.First.ChangePercent.Equal(dec("2.0408")), c.First.ChangePercent.String())
	assert.Equal(t, "AAPL", c.Second.Symbol)
	assert.True(t, c.Second.ChangePercent.Equal(dec("-6.25")), c.Second.ChangePercent.String())

	_, err = f.service.Compare(ctx, "NVDA", "ZZZZ")
	assert.ErrorIs(t, err, types.ErrUnknownSymbol)

	_, err = f.service.Compare(ctx, "NVDA", "")
	assert.ErrorIs(t, err, types.ErrMissingField)

	f.oracle.Set("FLAT", dec("10"), decimal.Zero)
	_, err = f.service.Compare(ctx, "NVDA", "FLAT")
	assert.ErrorIs(t, err, types.ErrUnknownSymbol, "zero open is treated as an oracle failure")
}

func TestParseShares(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"1", 1, true},
		{" 42 ", 42, true},
		{"0", 0, false},
		{"-1", 0, false},
		{"1e3", 0, false},
		{"0x10", 0, false},
		{"99999999999999999999", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			n, err := parseShares(tt.in)
			if !tt.ok {
				assert.ErrorIs(t, err, types.ErrInvalidQuantity)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
		})
	}
}
