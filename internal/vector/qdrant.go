package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nicodishanthj/sqlsage/internal/common"
	"github.com/nicodishanthj/sqlsage/internal/common/telemetry"
)

// Store is the vector index surface consumed by the retriever and written by
// the schema synchronizer. Upserts and deletes are atomic per point.
type Store interface {
	Available() bool
	Collection() string
	EnsureCollection(ctx context.Context, dim int) error
	UpsertPoints(ctx context.Context, points []Point) error
	DeletePoints(ctx context.Context, ids []string) error
	Search(ctx context.Context, vector []float32, limit int) ([]SearchResult, error)
}

type Point struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

type SearchResult struct {
	ID      string
	Score   float32
	Payload map[string]interface{}
}

// Client talks to a Qdrant instance over its REST API.
type Client struct {
	httpClient *http.Client
	transport  *http.Transport

	baseURL    string
	collection string
	available  bool
	apiKey     string

	cfg Config

	mu sync.RWMutex
}

func NewFromEnv(ctx context.Context) (*Client, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg)
}

// New constructs a client using the provided configuration. A failed health
// check does not fail construction; the client reports unavailable instead.
func New(ctx context.Context, cfg Config) (*Client, error) {
	baseURL := fmt.Sprintf("%s://%s:%s", cfg.Scheme, cfg.Host, cfg.Port)
	logger := common.Logger()
	logger.Info(
		"vector: initializing qdrant client",
		"host", cfg.Host,
		"port", cfg.Port,
		"collection", cfg.Collection,
		"timeout", cfg.Timeout,
	)

	transport := &http.Transport{
		MaxIdleConns:        cfg.HTTPMaxIdleConns,
		MaxIdleConnsPerHost: cfg.HTTPMaxIdlePerHost,
		MaxConnsPerHost:     cfg.HTTPMaxConnsPerHost,
		IdleConnTimeout:     cfg.HTTPIdleConnTimeout,
	}

	client := &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		transport:  transport,
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: cfg.Collection,
		apiKey:     cfg.APIKey,
		cfg:        cfg,
	}

	if err := client.ensureReady(ctx); err != nil {
		logger.Warn("vector: qdrant initialization failed", "collection", cfg.Collection, "error", err)
		return client, nil
	}
	logger.Info("vector: qdrant connection established")
	return client, nil
}

func (c *Client) Available() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available
}

func (c *Client) Collection() string {
	if c == nil {
		return ""
	}
	return c.collection
}

func (c *Client) ensureReady(ctx context.Context) error {
	if c == nil {
		return errors.New("qdrant client not configured")
	}
	if c.Available() {
		return nil
	}
	const maxAttempts = 3
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = c.health(ctx)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 250 * time.Millisecond):
		}
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.available = true
	c.mu.Unlock()
	return nil
}

// EnsureCollection verifies the collection exists with the given vector
// dimension, recreating it when the dimension changed.
func (c *Client) EnsureCollection(ctx context.Context, dim int) error {
	if err := c.ensureReady(ctx); err != nil {
		return err
	}
	if dim <= 0 {
		return errors.New("invalid vector dimension")
	}
	endpoint := fmt.Sprintf("%s/collections/%s", c.baseURL, url.PathEscape(c.collection))
	var info struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	err := c.doRequest(ctx, http.MethodGet, endpoint, nil, &info)
	if err == nil && info.Result.Config.Params.Vectors.Size == dim {
		return nil
	}
	if err != nil && !errors.Is(err, errNotFound) {
		return err
	}
	if err == nil {
		// Dimension mismatch: drop and recreate.
		if delErr := c.doRequest(ctx, http.MethodDelete, endpoint, nil, nil); delErr != nil && !errors.Is(delErr, errNotFound) {
			return delErr
		}
	}
	payload := map[string]interface{}{
		"vectors": map[string]interface{}{"size": dim, "distance": "Cosine"},
	}
	if createErr := c.doRequest(ctx, http.MethodPut, endpoint, payload, nil); createErr != nil && !errors.Is(createErr, errConflict) {
		return createErr
	}
	return nil
}

func (c *Client) UpsertPoints(ctx context.Context, points []Point) error {
	if err := c.ensureReady(ctx); err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}
	payload := map[string]interface{}{"points": points}
	endpoint := fmt.Sprintf("%s/collections/%s/points?wait=true", c.baseURL, url.PathEscape(c.collection))
	if err := c.doRequest(ctx, http.MethodPut, endpoint, payload, nil); err != nil {
		return err
	}
	telemetry.RecordEmbedUpserts(len(points))
	return nil
}

func (c *Client) DeletePoints(ctx context.Context, ids []string) error {
	if err := c.ensureReady(ctx); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	payload := map[string]interface{}{"points": ids}
	endpoint := fmt.Sprintf("%s/collections/%s/points/delete?wait=true", c.baseURL, url.PathEscape(c.collection))
	if err := c.doRequest(ctx, http.MethodPost, endpoint, payload, nil); err != nil {
		return err
	}
	telemetry.RecordEmbedDeletes(len(ids))
	return nil
}

func (c *Client) Search(ctx context.Context, vector []float32, limit int) ([]SearchResult, error) {
	if err := c.ensureReady(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}
	body := map[string]interface{}{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	endpoint := fmt.Sprintf("%s/collections/%s/points/search", c.baseURL, url.PathEscape(c.collection))
	var resp struct {
		Result []struct {
			ID      interface{}            `json:"id"`
			Score   float64                `json:"score"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}
	start := time.Now()
	err := c.doRequest(ctx, http.MethodPost, endpoint, body, &resp)
	telemetry.RecordVectorSearch(time.Since(start))
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, len(resp.Result))
	for _, hit := range resp.Result {
		results = append(results, SearchResult{
			ID:      fmt.Sprint(hit.ID),
			Score:   float32(hit.Score),
			Payload: hit.Payload,
		})
	}
	return results, nil
}

var _ Store = (*Client)(nil)

var (
	errNotFound = errors.New("resource not found")
	errConflict = errors.New("resource conflict")
)

func (c *Client) health(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/readyz", c.baseURL)
	return c.doRequest(ctx, http.MethodGet, endpoint, nil, nil)
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, body interface{}, out interface{}) error {
	if c == nil {
		return errors.New("qdrant client not configured")
	}
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode == http.StatusConflict {
		return errConflict
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("qdrant %s %s failed: %s", method, endpoint, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	return decoder.Decode(out)
}

// Close releases pooled resources associated with the client.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	if c.transport != nil {
		c.transport.CloseIdleConnections()
	}
	return nil
}

func VectorDimension(v [][]float32) int {
	for _, vec := range v {
		if len(vec) > 0 {
			return len(vec)
		}
	}
	return 0
}
