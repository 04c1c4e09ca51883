package esplora

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"
	"github.com/tdex-network/tdex-keywallet/pkg/circuitbreaker"
	"github.com/tdex-network/tdex-keywallet/pkg/explorer"
	"go.uber.org/ratelimit"
)

const (
	defaultConcurrency   = 8
	defaultUsedCacheSize = 10000
	defaultTimeout       = 30 * time.Second
)

var (
	// ErrNotFound is returned when the explorer does not know the requested
	// resource.
	ErrNotFound = errors.New("resource not found")
)

// Opts is the struct given to NewService.
type Opts struct {
	// RateLimit is the max number of requests per second, 0 means unlimited.
	RateLimit int
	// Concurrency bounds the requests in flight for a single AddressesUsed
	// call.
	Concurrency int
	// UsedCacheSize bounds the number of addresses remembered as used.
	UsedCacheSize int
	HTTPClient    *http.Client
}

type esplora struct {
	apiURL      string
	client      *http.Client
	limiter     ratelimit.Limiter
	cb          *gobreaker.CircuitBreaker
	concurrency int
	// an address, once used, stays used: positive answers are never
	// asked again
	used *lru.Cache[string, struct{}]
}

// NewService returns a new esplora service as an explorer.Service interface
func NewService(apiURL string, opts Opts) (explorer.Service, error) {
	if opts.RateLimit < 0 || opts.Concurrency < 0 || opts.UsedCacheSize < 0 {
		return nil, fmt.Errorf("options must not be negative")
	}

	limiter := ratelimit.NewUnlimited()
	if opts.RateLimit > 0 {
		limiter = ratelimit.New(opts.RateLimit)
	}
	concurrency := opts.Concurrency
	if concurrency == 0 {
		concurrency = defaultConcurrency
	}
	cacheSize := opts.UsedCacheSize
	if cacheSize == 0 {
		cacheSize = defaultUsedCacheSize
	}
	used, err := lru.New[string, struct{}](cacheSize)
	if err != nil {
		return nil, err
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}

	service := &esplora{
		apiURL:      strings.TrimSuffix(apiURL, "/"),
		client:      client,
		limiter:     limiter,
		cb:          circuitbreaker.NewCircuitBreaker("esplora"),
		concurrency: concurrency,
		used:        used,
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	if _, err := service.GetBlockHeight(ctx); err != nil {
		return nil, fmt.Errorf("health check: %w", err)
	}

	return service, nil
}

func (e *esplora) GetBlockHeight(ctx context.Context) (int, error) {
	body, err := e.get(ctx, "/blocks/tip/height")
	if err != nil {
		return -1, err
	}

	blockHeight, err := strconv.Atoi(strings.TrimSpace(string(body)))
	if err != nil {
		return -1, err
	}
	return blockHeight, nil
}

type response struct {
	status int
	body   []byte
}

// get sends a GET request for path through the rate limiter and the circuit
// breaker. Only transport errors and 5xx responses count as failures for the
// breaker.
func (e *esplora) get(ctx context.Context, path string) ([]byte, error) {
	url := e.apiURL + path

	e.limiter.Take()
	iResp, err := e.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := e.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("GET %s: %s: %s", path, resp.Status, body)
		}
		return &response{resp.StatusCode, body}, nil
	})
	if err != nil {
		return nil, err
	}

	resp := iResp.(*response)
	switch {
	case resp.status == http.StatusOK:
		return resp.body, nil
	case resp.status == http.StatusNotFound:
		return nil, fmt.Errorf("GET %s: %w", path, ErrNotFound)
	default:
		return nil, fmt.Errorf(
			"GET %s: %d %s", path, resp.status, strings.TrimSpace(string(resp.body)),
		)
	}
}
