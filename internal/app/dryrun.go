package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"riskguard/internal/events"
	"riskguard/internal/model"
)

// dryRunScript feeds the simulator a small scripted session so every stage
// of the pipeline fires without a live gateway: quotes, an opened position,
// favorable movement for the trailing stop, a losing close for the cooldown
// and P&L rules. Paced at human-ish speed so the log is readable.
func (s *Supervisor) dryRunScript() {
	if s.sim == nil {
		return
	}
	account := s.primaryAccount()
	symbol := s.cfg.Risk.General.Instruments[0]
	contract := "CON.F.US." + symbol + ".Z25"

	log.Info().Str("symbol", symbol).Msg("🧪 Dry-run script starting")

	base := decimal.NewFromInt(21000)
	steps := []struct {
		delay time.Duration
		run   func()
	}{
		{time.Second, func() { s.sim.InjectQuote(symbol, base) }},
		{time.Second, func() {
			s.sim.InjectPositionOpened(model.Position{
				ContractID:    contract,
				SymbolRoot:    symbol,
				AccountID:     account,
				Size:          2,
				AvgEntryPrice: base,
				OpenedAt:      s.clk.Now(),
			})
		}},
		{2 * time.Second, func() { s.sim.InjectQuote(symbol, base.Add(decimal.NewFromInt(5))) }},
		{2 * time.Second, func() { s.sim.InjectQuote(symbol, base.Add(decimal.NewFromInt(10))) }},
		{2 * time.Second, func() {
			pnl := decimal.NewFromInt(-150)
			s.rtr.Handle(events.Event{
				Type:      events.TradeExecuted,
				Timestamp: s.clk.Now(),
				Source:    "dry_run",
				AccountID: account,
				Trade: &model.Trade{
					TradeID:     uuid.NewString(),
					AccountID:   account,
					ContractID:  contract,
					Symbol:      symbol,
					Side:        model.SideSell,
					Quantity:    2,
					Price:       base.Sub(decimal.NewFromInt(10)),
					RealizedPnL: &pnl,
					Timestamp:   s.clk.Now(),
				},
			})
		}},
		{time.Second, func() { _ = s.sim.ClosePosition(context.Background(), account, contract) }},
	}

	for _, step := range steps {
		select {
		case <-s.stopCh:
			return
		case <-time.After(step.delay):
			step.run()
		}
	}
	log.Info().Msg("🧪 Dry-run script finished")
}
