package audit

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/ksred/klear-finance/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	KindShareMismatch      = "share_mismatch"
	KindNonPositiveHolding = "non_positive_holding"
	KindNegativeCash       = "negative_cash"
	KindCashMismatch       = "cash_mismatch"
)

// Discrepancy is one place where the stored state disagrees with the
// transaction log
type Discrepancy struct {
	Kind     string `json:"kind"`
	UserID   uint   `json:"user_id"`
	Symbol   string `json:"symbol,omitempty"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

func (d Discrepancy) String() string {
	if d.Symbol == "" {
		return fmt.Sprintf("%s user=%d expected=%s actual=%s", d.Kind, d.UserID, d.Expected, d.Actual)
	}
	return fmt.Sprintf("%s user=%d symbol=%s expected=%s actual=%s", d.Kind, d.UserID, d.Symbol, d.Expected, d.Actual)
}

type Report struct {
	CheckedAt     time.Time     `json:"checked_at"`
	Users         int           `json:"users"`
	Holdings      int           `json:"holdings"`
	Transactions  int           `json:"transactions"`
	Discrepancies []Discrepancy `json:"discrepancies"`
}

func (r *Report) OK() bool {
	return len(r.Discrepancies) == 0
}

type position struct {
	userID uint
	symbol string
}

// Service reconciles holdings and cash against the transaction log
type Service struct {
	db           *Database
	startingCash decimal.Decimal
}

// NewService creates an auditor. startingCash is the balance every
// account opened with.
func NewService(gormDB *gorm.DB, startingCash decimal.Decimal) *Service {
	return &Service{
		db:           NewDatabase(gormDB),
		startingCash: startingCash,
	}
}

// Reconcile nets the signed shares and trade values of the whole log per
// user and symbol and compares them with the stored holdings and cash
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	report := &Report{CheckedAt: time.Now().UTC(), Discrepancies: []Discrepancy{}}

	net := make(map[position]int64)
	spent := make(map[uint]decimal.Decimal)
	err := s.db.EachTransaction(ctx, func(txn types.Transaction) {
		report.Transactions++
		net[position{txn.UserID, txn.Symbol}] += txn.Shares
		spent[txn.UserID] = spent[txn.UserID].Add(txn.Price.Mul(decimal.NewFromInt(txn.Shares)))
	})
	if err != nil {
		return nil, fmt.Errorf("scan transactions: %w", err)
	}

	holdings, err := s.db.GetHoldings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load holdings: %w", err)
	}
	report.Holdings = len(holdings)

	for _, h := range holdings {
		pos := position{h.UserID, h.Symbol}
		if h.Shares <= 0 {
			report.add(Discrepancy{Kind: KindNonPositiveHolding, UserID: h.UserID, Symbol: h.Symbol, Expected: "> 0", Actual: itoa(h.Shares)})
		}
		if expected := net[pos]; expected != h.Shares {
			report.add(Discrepancy{Kind: KindShareMismatch, UserID: h.UserID, Symbol: h.Symbol, Expected: itoa(expected), Actual: itoa(h.Shares)})
		}
		delete(net, pos)
	}

	// positions the log says are open but have no holding row
	for pos, expected := range net {
		if expected != 0 {
			report.add(Discrepancy{Kind: KindShareMismatch, UserID: pos.userID, Symbol: pos.symbol, Expected: itoa(expected), Actual: "0"})
		}
	}

	users, err := s.db.GetUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	report.Users = len(users)

	for _, u := range users {
		if u.Cash.IsNegative() {
			report.add(Discrepancy{Kind: KindNegativeCash, UserID: u.ID, Expected: ">= 0", Actual: u.Cash.String()})
		}
		if expected := s.startingCash.Sub(spent[u.ID]); !expected.Equal(u.Cash) {
			report.add(Discrepancy{Kind: KindCashMismatch, UserID: u.ID, Expected: expected.String(), Actual: u.Cash.String()})
		}
	}

	sort.Slice(report.Discrepancies, func(i, j int) bool {
		a, b := report.Discrepancies[i], report.Discrepancies[j]
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.Kind < b.Kind
	})

	log.Debug().
		Int("users", report.Users).
		Int("holdings", report.Holdings).
		Int("transactions", report.Transactions).
		Int("discrepancies", len(report.Discrepancies)).
		Msg("reconciliation finished")

	return report, nil
}

func (r *Report) add(d Discrepancy) {
	r.Discrepancies = append(r.Discrepancies, d)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
