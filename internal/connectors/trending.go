package connectors

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xela07ax/dca-autopilot/internal/domain"
)

// TrendingResolver спрашивает внешний сервис, какой токен сейчас покупать.
type TrendingResolver struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

func NewTrendingResolver(url string, timeout time.Duration) *TrendingResolver {
	return &TrendingResolver{url: url, timeout: timeout, client: &http.Client{}}
}

type trendingResponse struct {
	Tokens []struct {
		Symbol   string          `json:"symbol"`
		Name     string          `json:"name"`
		Address  string          `json:"address"`
		PriceUSD decimal.Decimal `json:"price_usd"`
	} `json:"tokens"`
}

// GetTargetAsset — первый токен в списке трендов
func (r *TrendingResolver) GetTargetAsset(ctx context.Context) (domain.TargetAsset, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequest(http.MethodGet, r.url, nil)
	if err != nil {
		return domain.TargetAsset{}, fmt.Errorf("trending: build request: %w", err)
	}

	var resp trendingResponse
	if err := doJSON(ctx, r.client, "trending", req, &resp); err != nil {
		return domain.TargetAsset{}, err
	}

	for _, t := range resp.Tokens {
		if t.Address == "" || t.Symbol == "" {
			continue
		}
		return domain.TargetAsset{
			Symbol:          t.Symbol,
			Name:            t.Name,
			ContractAddress: t.Address,
			Price:           t.PriceUSD,
		}, nil
	}
	return domain.TargetAsset{}, fmt.Errorf("trending: %w: empty token list", domain.ErrNotFound)
}
