package connectors

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xela07ax/dca-autopilot/internal/domain"
)

// PriceOracle — клиент рыночных данных: референсная цена актива в USD.
type PriceOracle struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  *http.Client
}

func NewPriceOracle(baseURL, apiKey string, timeout time.Duration) *PriceOracle {
	return &PriceOracle{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
		client:  &http.Client{},
	}
}

type priceResponse struct {
	USDPrice decimal.NullDecimal `json:"usdPrice"`
}

// GetUSDPrice возвращает цену assetAddress в сети chain.
// Нет цены (404 или пустое поле), domain.ErrPriceNotFound.
func (o *PriceOracle) GetUSDPrice(ctx context.Context, assetAddress, chain string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/erc20/%s/price?chain=%s", o.baseURL, url.PathEscape(assetAddress), url.QueryEscape(chain))
	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price oracle: build request: %w", err)
	}
	if o.apiKey != "" {
		req.Header.Set("X-API-Key", o.apiKey)
	}

	var resp priceResponse
	if err := doJSON(ctx, o.client, "price oracle", req, &resp); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return decimal.Zero, fmt.Errorf("%w: %s on %s", domain.ErrPriceNotFound, assetAddress, chain)
		}
		return decimal.Zero, err
	}

	if !resp.USDPrice.Valid || !resp.USDPrice.Decimal.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s on %s", domain.ErrPriceNotFound, assetAddress, chain)
	}
	return resp.USDPrice.Decimal, nil
}
