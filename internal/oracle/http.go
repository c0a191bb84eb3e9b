package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/ksred/klear-finance/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// HTTPConfig describes a remote JSON quote endpoint. URL may contain the
// {symbol} and {apikey} placeholders. PricePath and OpenPath are JSONPath
// expressions evaluated against the decoded response body.
type HTTPConfig struct {
	URL       string
	APIKey    string
	PricePath string
	OpenPath  string
	Timeout   time.Duration
}

// HTTP queries a remote quote service on every lookup. Nothing is cached.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTP{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (h *HTTP) Lookup(ctx context.Context, symbol string) (types.Quote, error) {
	symbol = NormalizeSymbol(symbol)
	if symbol == "" {
		return types.Quote{}, unknown(symbol)
	}

	logger := log.With().
		Str("component", "http_oracle").
		Str("symbol", symbol).
		Logger()

	addr := strings.NewReplacer(
		"{symbol}", url.QueryEscape(symbol),
		"{apikey}", url.QueryEscape(h.cfg.APIKey),
	).Replace(h.cfg.URL)

	var body any
	if err := h.jget(ctx, addr, &body); err != nil {
		if errors.Is(err, types.ErrUnknownSymbol) {
			return types.Quote{}, unknown(symbol)
		}
		logger.Error().Err(err).Msg("quote request failed")
		return types.Quote{}, fmt.Errorf("quote %s: %w", symbol, err)
	}

	price, err := extractDecimal(h.cfg.PricePath, body)
	if err != nil || !price.IsPositive() {
		logger.Debug().Err(err).Msg("no price in quote response")
		return types.Quote{}, unknown(symbol)
	}

	// a missing open is left zero, callers decide whether they need it
	open, err := extractDecimal(h.cfg.OpenPath, body)
	if err != nil {
		logger.Debug().Err(err).Msg("no opening price in quote response")
		open = decimal.Zero
	}

	return types.Quote{Symbol: symbol, Price: price, Open: open}, nil
}

// jget performs an HTTP GET request and unmarshals the JSON response into data.
// A 404 is reported as an unknown symbol.
func (h *HTTP) jget(ctx context.Context, addr string, data any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return types.ErrUnknownSymbol
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cannot http GET %v%v: %v", resp.Request.URL.Host, resp.Request.URL.Path, resp.Status)
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	return dec.Decode(data)
}

func extractDecimal(path string, body any) (decimal.Decimal, error) {
	v, err := jsonpath.Get(path, body)
	if err != nil {
		return decimal.Zero, err
	}
	// jsonpath may wrap a single answer in a list: keep the first one
	if list, ok := v.([]any); ok {
		if len(list) == 0 {
			return decimal.Zero, fmt.Errorf("no value at %s", path)
		}
		v = list[0]
	}

	switch val := v.(type) {
	case string:
		return decimal.NewFromString(strings.TrimSpace(val))
	case json.Number:
		return decimal.NewFromString(val.String())
	case float64:
		return decimal.NewFromFloat(val), nil
	default:
		return decimal.Zero, fmt.Errorf("value at %s is %T, not a number", path, v)
	}
}
