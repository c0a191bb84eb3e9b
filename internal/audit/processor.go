package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor reconciles the ledger on a fixed interval. It runs beside
// the request path and never blocks trades.
type Processor struct {
	service  *Service
	interval time.Duration
}

func NewProcessor(service *Service, interval time.Duration) *Processor {
	return &Processor{
		service:  service,
		interval: interval,
	}
}

// Start begins the reconciliation loop. A zero interval disables it.
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "audit_processor").Logger()
	if p.interval <= 0 {
		logger.Info().Msg("periodic audit disabled")
		return
	}

	logger.Info().Dur("interval", p.interval).Msg("starting audit processor")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down audit processor")
			return
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

func (p *Processor) runOnce(ctx context.Context) {
	logger := log.With().Str("component", "audit_processor").Logger()

	report, err := p.service.Reconcile(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error().Err(err).Msg("failed to reconcile ledger")
		}
		return
	}

	if report.OK() {
		logger.Info().Int("transactions", report.Transactions).Msg("ledger reconciled")
		return
	}

	for _, d := range report.Discrepancies {
		logger.Warn().
			Str("kind", d.Kind).
			Uint("user_id", d.UserID).
			Str("symbol", d.Symbol).
			Str("expected", d.Expected).
			Str("actual", d.Actual).
			Msg("ledger discrepancy")
	}
}
