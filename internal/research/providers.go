package research

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-resty/resty/v2"
	talib "github.com/markcheno/go-talib"
	cache "github.com/patrickmn/go-cache"
)

// FeatureProvider contributes an external signed score in [−1, 1] to the
// accuracy model. Providers are best-effort: an error makes the provider
// contribute zero for that evaluation and must never abort it.
type FeatureProvider interface {
	Name() string
	Score(ctx context.Context, symbol string) (float64, error)
}

// ————————————————————————————————————————————————————————————————————————
// Sentiment
// ————————————————————————————————————————————————————————————————————————

// SentimentProvider pulls a social/news sentiment score per symbol from an
// external HTTP service. Responses are cached so the 100 ms trading cycle
// never serialises on a slow feed.
type SentimentProvider struct {
	client *resty.Client
	cache  *cache.Cache
	logger *slog.Logger
}

// NewSentimentProvider creates a provider against baseURL.
func NewSentimentProvider(baseURL string, timeout, cacheTTL time.Duration, logger *slog.Logger) *SentimentProvider {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout)

	return &SentimentProvider{
		client: client,
		cache:  cache.New(cacheTTL, 2*cacheTTL),
		logger: logger.With("component", "sentiment"),
	}
}

func (p *SentimentProvider) Name() string { return "sentiment" }

type sentimentResponse struct {
	Symbol string  `json:"symbol"`
	Score  float64 `json:"score"` // [-1, 1]
}

func (p *SentimentProvider) Score(ctx context.Context, symbol string) (float64, error) {
	if v, ok := p.cache.Get(symbol); ok {
		return v.(float64), nil
	}

	var out sentimentResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&out).
		Get("/sentiment")
	if err != nil {
		return 0, fmt.Errorf("sentiment fetch %s: %w", symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("sentiment fetch %s: status %d", symbol, resp.StatusCode())
	}

	score := clamp(out.Score, -1, 1)
	p.cache.Set(symbol, score, cache.DefaultExpiration)
	return score, nil
}

// ————————————————————————————————————————————————————————————————————————
// On-chain flow
// ————————————————————————————————————————————————————————————————————————

// OnChainProvider samples base-chain congestion as a flow proxy: blocks
// running near their gas limit mean crowded on-chain conditions and score
// negative, slack blocks score positive. The score is chain-wide, so it is
// cached under a single key regardless of symbol.
type OnChainProvider struct {
	client *ethclient.Client
	cache  *cache.Cache
	logger *slog.Logger
}

// NewOnChainProvider dials the RPC endpoint. Dialling is lazy for HTTP
// URLs, so an unreachable node surfaces on the first Score call.
func NewOnChainProvider(rpcURL string, cacheTTL time.Duration, logger *slog.Logger) (*OnChainProvider, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial eth rpc: %w", err)
	}
	return &OnChainProvider{
		client: client,
		cache:  cache.New(cacheTTL, 2*cacheTTL),
		logger: logger.With("component", "onchain"),
	}, nil
}

func (p *OnChainProvider) Name() string { return "onchain" }

func (p *OnChainProvider) Score(ctx context.Context, symbol string) (float64, error) {
	const key = "gas-utilization"
	if v, ok := p.cache.Get(key); ok {
		return v.(float64), nil
	}

	header, err := p.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("latest header: %w", err)
	}

	score := gasScore(header.GasUsed, header.GasLimit)
	p.cache.Set(key, score, cache.DefaultExpiration)
	return score, nil
}

// gasScore maps block gas utilization to [−0.5, 0.5]: a half-full block is
// neutral, a full block scores −0.5.
func gasScore(gasUsed, gasLimit uint64) float64 {
	if gasLimit == 0 {
		return 0
	}
	utilization := float64(gasUsed) / float64(gasLimit)
	return clamp(0.5-utilization, -0.5, 0.5)
}

// ————————————————————————————————————————————————————————————————————————
// Multi-day trend
// ————————————————————————————————————————————————————————————————————————

// rsiPeriod is the classic 14-period lookback.
const rsiPeriod = 14

// TrendProvider measures multi-day momentum with an RSI over daily closes
// fetched from the exchange's public kline endpoint. Oversold symbols score
// positive (mean reversion), overbought negative.
type TrendProvider struct {
	client *resty.Client
	cache  *cache.Cache
	logger *slog.Logger
}

// NewTrendProvider creates a provider against the exchange REST base URL.
func NewTrendProvider(baseURL string, timeout, cacheTTL time.Duration, logger *slog.Logger) *TrendProvider {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout)

	return &TrendProvider{
		client: client,
		cache:  cache.New(cacheTTL, 2*cacheTTL),
		logger: logger.With("component", "trend"),
	}
}

func (p *TrendProvider) Name() string { return "trend" }

func (p *TrendProvider) Score(ctx context.Context, symbol string) (float64, error) {
	if v, ok := p.cache.Get(symbol); ok {
		return v.(float64), nil
	}

	var rows [][]any
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   symbol,
			"interval": "1d",
			"limit":    strconv.Itoa(rsiPeriod * 2),
		}).
		SetResult(&rows).
		Get("/api/v3/klines")
	if err != nil {
		return 0, fmt.Errorf("klines %s: %w", symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("klines %s: status %d", symbol, resp.StatusCode())
	}

	closes := klineCloses(rows)
	score, err := rsiScore(closes)
	if err != nil {
		return 0, fmt.Errorf("klines %s: %w", symbol, err)
	}

	p.cache.Set(symbol, score, cache.DefaultExpiration)
	return score, nil
}

// klineCloses extracts close prices from the exchange's mixed-type kline
// rows ([openTime, open, high, low, close, ...] with prices as strings).
// Malformed rows are skipped.
func klineCloses(rows [][]any) []float64 {
	closes := make([]float64, 0, len(rows))
	for _, row := range rows {
		if len(row) < 5 {
			continue
		}
		s, ok := row[4].(string)
		if !ok {
			continue
		}
		c, err := strconv.ParseFloat(s, 64)
		if err != nil {
			continue
		}
		closes = append(closes, c)
	}
	return closes
}

// rsiScore maps the latest RSI to [−1, 1]: RSI 50 is neutral, 0 maps to +1
// and 100 to −1.
func rsiScore(closes []float64) (float64, error) {
	if len(closes) <= rsiPeriod {
		return 0, fmt.Errorf("%d closes, need more than %d", len(closes), rsiPeriod)
	}
	rsi := talib.Rsi(closes, rsiPeriod)
	last := rsi[len(rsi)-1]
	return clamp((50-last)/50, -1, 1), nil
}
