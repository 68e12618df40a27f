package research

import (
	"context"
	"sort"

	"quantdesk/internal/exchange"
	"quantdesk/pkg/types"
)

// Scan evaluates each symbol and returns the results ranked by accuracy,
// strongest opportunity first. Symbols whose orderbook fetch fails are
// skipped. Scan results feed history like any evaluation but are not
// journalled: the scan is an ad-hoc probe, not part of the trading loop.
func (e *Engine) Scan(ctx context.Context, adapter exchange.Adapter, symbols []string) []types.ResearchResult {
	results := make([]types.ResearchResult, 0, len(symbols))
	for _, symbol := range symbols {
		book, err := adapter.GetOrderbook(ctx, symbol, e.cfg.OrderbookDepth)
		if err != nil {
			e.logger.Warn("scan orderbook fetch failed", "symbol", symbol, "error", err)
			continue
		}
		res, _ := e.evaluate(ctx, *book)
		results = append(results, res)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Accuracy > results[j].Accuracy
	})

	e.logger.Info("scan complete", "requested", len(symbols), "evaluated", len(results))
	return results
}
