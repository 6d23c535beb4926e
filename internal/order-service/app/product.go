package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/jcmexdev/order-sagas/internal/pkg/cache"
)

const productCacheTTL = 5 * time.Minute

// ProductInfo is the catalog's view of a product.
type ProductInfo struct {
	ID    string  `json:"productId"`
	Name  string  `json:"productName"`
	Price float64 `json:"price"`
}

// ProductClient looks a product up in the catalog service. Implementations
// may fail; callers degrade to the data supplied with the order request.
type ProductClient interface {
	Lookup(ctx context.Context, productID string) (ProductInfo, error)
}

// HTTPProductClient calls the catalog service over HTTP, behind a circuit
// breaker so a down catalog fails fast instead of stalling order creation.
// Responses are cached read-mostly, which also covers short catalog outages.
type HTTPProductClient struct {
	baseURL string
	client  *http.Client
	cache   cache.Cache
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPProductClient builds a client for the catalog at baseURL. c may be
// nil to disable response caching.
func NewHTTPProductClient(baseURL string, c cache.Cache) *HTTPProductClient {
	return &HTTPProductClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 2 * time.Second},
		cache:   c,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "product-client",
			MaxRequests: 1,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

// Lookup fetches one product, serving from cache when possible. Any
// transport or decoding failure counts against the breaker.
func (c *HTTPProductClient) Lookup(ctx context.Context, productID string) (ProductInfo, error) {
	if c.cache != nil {
		key := c.cache.GenerateKey("product", productID)
		if raw, err := c.cache.Get(ctx, key); err == nil && raw != "" {
			var info ProductInfo
			if err := json.Unmarshal([]byte(raw), &info); err == nil {
				return info, nil
			}
		}
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/products/%s", c.baseURL, productID), nil)
		if err != nil {
			return nil, fmt.Errorf("products: build request: %w", err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("products: lookup %s: %w", productID, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("products: lookup %s: status %d", productID, resp.StatusCode)
		}
		var info ProductInfo
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			return nil, fmt.Errorf("products: decode %s: %w", productID, err)
		}
		return info, nil
	})
	if err != nil {
		return ProductInfo{}, err
	}

	info := res.(ProductInfo)
	if c.cache != nil {
		if raw, err := json.Marshal(info); err == nil {
			_ = c.cache.Set(ctx, c.cache.GenerateKey("product", productID), string(raw), productCacheTTL)
		}
	}
	return info, nil
}
