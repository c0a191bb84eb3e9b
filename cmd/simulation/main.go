package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-finance/internal/audit"
	"github.com/ksred/klear-finance/internal/config"
	"github.com/ksred/klear-finance/internal/database"
	"github.com/ksred/klear-finance/internal/oracle"
	"github.com/ksred/klear-finance/internal/server"
	"github.com/ksred/klear-finance/internal/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	minTrades  = 15
	maxTrades  = 150
	numWorkers = 5
)

var symbols = []string{"AAPL", "GOOGL", "MSFT", "AMZN", "META", "NVDA", "NOPE"}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	gin.SetMode(gin.ReleaseMode)
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// add records a new duration measurement for the route
func (rs *routeStats) add(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// simulationClient is one trader talking to the API over HTTP
type simulationClient struct {
	baseURL   string
	username  string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
	held      map[string]int
}

func newStats() map[string]*routeStats {
	return map[string]*routeStats{
		"register": {name: "Register"},
		"login":    {name: "Login"},
		"buy":      {name: "Buy"},
		"sell":     {name: "Sell"},
		"quote":    {name: "Quote"},
		"compare":  {name: "Compare"},
		"index":    {name: "Portfolio"},
		"history":  {name: "History"},
	}
}

// call posts body as JSON (or GETs when body is nil) and decodes the envelope.
// Rejections are returned as errors carrying the error code.
func (sc *simulationClient) call(route, method, path string, body interface{}) (json.RawMessage, error) {
	start := time.Now()
	failed := true
	defer func() {
		sc.stats[route].add(time.Since(start), failed)
	}()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sc.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+sc.authToken)
	}
	if route == "buy" || route == "sell" {
		req.Header.Set("Idempotency-Key", uuid.New().String())
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("route", route).Str("response", string(respBody)).Msg("API response")

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if !env.Success {
		if env.Error != nil {
			return nil, fmt.Errorf("%s %s: %s (%d)", method, path, env.Error.Code, resp.StatusCode)
		}
		return nil, fmt.Errorf("%s %s failed with status %d", method, path, resp.StatusCode)
	}

	failed = false
	return env.Data, nil
}

func (sc *simulationClient) signUp() error {
	creds := map[string]string{"username": sc.username, "password": "hunter2", "confirmation": "hunter2"}
	if _, err := sc.call("register", http.MethodPost, "/register", creds); err != nil {
		return err
	}

	data, err := sc.call("login", http.MethodPost, "/login", creds)
	if err != nil {
		return err
	}
	var token struct {
		Token string `json:"jwt_token"`
	}
	if err := json.Unmarshal(data, &token); err != nil {
		return err
	}
	sc.authToken = token.Token
	return nil
}

// step performs one random action and reports whether it was a trade
// that the ledger booked
func (sc *simulationClient) step(rng *rand.Rand) (booked bool, err error) {
	symbol := symbols[rng.Intn(len(symbols))]

	switch n := rng.Intn(10); {
	case n < 5:
		shares := rng.Intn(20) + 1
		req := map[string]string{"symbol": symbol, "shares": fmt.Sprint(shares)}
		if _, err := sc.call("buy", http.MethodPost, "/buy", req); err != nil {
			return false, err
		}
		sc.held[symbol] += shares
		return true, nil

	case n < 8:
		// mostly sell what we hold, sometimes oversell on purpose
		shares := sc.held[symbol]
		if shares == 0 || rng.Intn(4) == 0 {
			shares += rng.Intn(5) + 1
		}
		req := map[string]string{"symbol": symbol, "shares": fmt.Sprint(shares)}
		if _, err := sc.call("sell", http.MethodPost, "/sell", req); err != nil {
			return false, err
		}
		sc.held[symbol] -= shares
		return true, nil

	case n == 8:
		_, err := sc.call("quote", http.MethodPost, "/quote", map[string]string{"symbol": symbol})
		return false, err

	default:
		other := symbols[rng.Intn(len(symbols))]
		_, err := sc.call("compare", http.MethodPost, "/compare", map[string]string{"symbol1": symbol, "symbol2": other})
		return false, err
	}
}

func (sc *simulationClient) finish() error {
	if _, err := sc.call("index", http.MethodGet, "/", nil); err != nil {
		return err
	}
	_, err := sc.call("history", http.MethodGet, "/history", nil)
	return err
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func printPerformanceStats(stats map[string]*routeStats) {
	names := make([]string, 0, len(stats))
	for k := range stats {
		names = append(names, k)
	}
	sort.Strings(names)

	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Rejected", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, k := range names {
		s := stats[k]
		min, max, mean, median, p95, p99 := s.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			s.name,
			s.totalCalls,
			s.failures,
			min.Round(time.Microsecond),
			max.Round(time.Microsecond),
			mean.Round(time.Microsecond),
			median.Round(time.Microsecond),
			p95.Round(time.Microsecond),
			p99.Round(time.Microsecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main runs the trading simulation against an in-process API server
// backed by a throwaway SQLite database and the simulated market
func main() {
	dir, err := os.MkdirTemp("", "klear-finance-sim")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create work directory")
	}
	defer os.RemoveAll(dir)

	cfg := config.Default()
	cfg.Database.DSN = filepath.Join(dir, "simulation.db")
	cfg.Server.RateLimit = false

	db, err := database.NewDatabase(cfg.Database, false)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer database.Close(db)

	priceOracle, err := oracle.New(cfg.Oracle)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize price oracle")
	}

	srv, err := server.New(cfg, db, priceOracle, session.NewMemoryStore())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}
	api := httptest.NewServer(srv.Handler())
	defer api.Close()

	targetTrades := rand.Intn(maxTrades-minTrades) + minTrades
	log.Info().Int("target_actions", targetTrades).Str("url", api.URL).Msg("Starting simulation")

	stats := newStats()
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		booked   int
		rejected = make(map[string]int)
	)
	start := time.Now()

	// Start worker goroutines
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			sc := &simulationClient{
				baseURL:  api.URL,
				username: fmt.Sprintf("trader_%d", workerID),
				client:   &http.Client{Timeout: 10 * time.Second},
				stats:    stats,
				held:     make(map[string]int),
			}
			if err := sc.signUp(); err != nil {
				log.Error().Err(err).Int("worker_id", workerID).Msg("Failed to sign up")
				return
			}

			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
			for j := 0; j < targetTrades/numWorkers; j++ {
				ok, err := sc.step(rng)

				mu.Lock()
				if ok {
					booked++
				}
				if err != nil {
					rejected[rejectionCode(err)]++
				}
				mu.Unlock()

				if err != nil {
					log.Debug().Err(err).Int("worker_id", workerID).Msg("Action rejected")
				}
				time.Sleep(time.Duration(rng.Intn(20)) * time.Millisecond)
			}

			if err := sc.finish(); err != nil {
				log.Error().Err(err).Int("worker_id", workerID).Msg("Failed to read portfolio")
			}
		}(i)
	}
	wg.Wait()
	duration := time.Since(start)

	startingCash, _ := cfg.Ledger.Cash()
	report, err := audit.NewService(db, startingCash).Reconcile(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to reconcile ledger")
	}

	// Print summary
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("TRADING SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Traders:          %d
Trades booked:    %d
Transactions:     %d
Open holdings:    %d
Discrepancies:    %d
Duration:         %v

Rejections
----------
`, report.Users, booked, report.Transactions, report.Holdings, len(report.Discrepancies), duration.Round(time.Millisecond))

	codes := make([]string, 0, len(rejected))
	for code := range rejected {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		fmt.Printf("%-22s %d\n", code, rejected[code])
	}
	for _, d := range report.Discrepancies {
		fmt.Println(d.String())
	}
	fmt.Println("\n" + strings.Repeat("=", 80))

	printPerformanceStats(stats)

	if !report.OK() {
		log.Error().Int("discrepancies", len(report.Discrepancies)).Msg("Simulation left the ledger inconsistent")
		os.Exit(1)
	}
	log.Info().Int("trades", booked).Dur("duration", duration).Msg("Simulation completed")
}

// rejectionCode pulls the API error code out of a call error
func rejectionCode(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, ": "); i >= 0 {
		msg = msg[i+2:]
	}
	if i := strings.Index(msg, " ("); i >= 0 {
		msg = msg[:i]
	}
	return msg
}
