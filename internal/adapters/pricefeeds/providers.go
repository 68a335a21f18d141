// Package pricefeeds implements public price aggregators used as feed fallbacks.
package pricefeeds

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/valyala/fastjson"

	"thresholdBot/internal/ports"
)

const maxBodyBytes = 1 << 20

var parserPool fastjson.ParserPool

// extractFunc pulls the USD price out of a parsed response body.
type extractFunc func(v *fastjson.Value) (float64, error)

// HTTPProvider fetches a JSON document and extracts a price from it.
type HTTPProvider struct {
	name    string
	url     string
	headers map[string]string
	extract extractFunc
	client  *http.Client
}

// Name returns the provider name used in quotes and logs.
func (p *HTTPProvider) Name() string { return p.name }

// Price performs one request. The caller bounds it with ctx.
func (p *HTTPProvider) Price(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return 0, fmt.Errorf("%s: building request: %w", p.name, err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %w", p.name, ports.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return 0, fmt.Errorf("%s: %w", p.name, ports.ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%s: unexpected status %d", p.name, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, fmt.Errorf("%s: reading body: %w", p.name, err)
	}

	parser := parserPool.Get()
	defer parserPool.Put(parser)
	v, err := parser.ParseBytes(body)
	if err != nil {
		return 0, fmt.Errorf("%s: parsing body: %w", p.name, err)
	}
	price, err := p.extract(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", p.name, err)
	}
	return price, nil
}

// NewHTTPClient returns the client shared by all aggregator providers.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// NewCoinPaprika reads quotes.USD.price from /v1/tickers/{coinID} (e.g. "btc-bitcoin").
func NewCoinPaprika(client *http.Client, baseURL, coinID string) *HTTPProvider {
	if baseURL == "" {
		baseURL = "https://api.coinpaprika.com"
	}
	return &HTTPProvider{
		name:   "coinpaprika",
		url:    baseURL + "/v1/tickers/" + url.PathEscape(coinID),
		client: client,
		extract: func(v *fastjson.Value) (float64, error) {
			price := v.Get("quotes", "USD", "price")
			if price == nil {
				return 0, fmt.Errorf("quotes.USD.price missing")
			}
			return price.Float64()
		},
	}
}

// NewCoinCap reads data.priceUsd from /v2/assets/{assetID} (e.g. "bitcoin").
func NewCoinCap(client *http.Client, baseURL, assetID string) *HTTPProvider {
	if baseURL == "" {
		baseURL = "https://api.coincap.io"
	}
	return &HTTPProvider{
		name: "coincap",
		url:  baseURL + "/v2/assets/" + url.PathEscape(assetID),
		// CoinCap answers sporadic 404s to clients without a browser user agent.
		headers: map[string]string{"User-Agent": "Mozilla/5.0"},
		client:  client,
		extract: func(v *fastjson.Value) (float64, error) {
			raw := v.GetStringBytes("data", "priceUsd")
			if raw == nil {
				return 0, fmt.Errorf("data.priceUsd missing")
			}
			return strconv.ParseFloat(string(raw), 64)
		},
	}
}

// NewCoinGecko reads {coinID}.usd from /api/v3/simple/price.
func NewCoinGecko(client *http.Client, baseURL, coinID string) *HTTPProvider {
	if baseURL == "" {
		baseURL = "https://api.coingecko.com"
	}
	q := url.Values{}
	q.Set("ids", coinID)
	q.Set("vs_currencies", "usd")
	return &HTTPProvider{
		name:   "coingecko",
		url:    baseURL + "/api/v3/simple/price?" + q.Encode(),
		client: client,
		extract: func(v *fastjson.Value) (float64, error) {
			price := v.Get(coinID, "usd")
			if price == nil {
				return 0, fmt.Errorf("%s.usd missing", coinID)
			}
			return price.Float64()
		},
	}
}
