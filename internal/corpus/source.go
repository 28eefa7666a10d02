package corpus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrFetch wraps a page that could not be retrieved.
var ErrFetch = errors.New("corpus: fetch failed")

// Source is a paginated feed of corpus records.
type Source interface {
	FetchPage(ctx context.Context, offset, limit int) ([]Record, error)
}

// HTTPSource reads a CKAN datastore_search endpoint.
type HTTPSource struct {
	baseURL    string
	resourceID string
	client     *http.Client
}

func NewHTTPSource(baseURL, resourceID string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		baseURL:    baseURL,
		resourceID: resourceID,
		client:     &http.Client{Timeout: timeout},
	}
}

type datastoreResponse struct {
	Success bool `json:"success"`
	Result  struct {
		Records []Record `json:"records"`
		Total   int      `json:"total"`
	} `json:"result"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (s *HTTPSource) FetchPage(ctx context.Context, offset, limit int) ([]Record, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid corpus url: %w", err)
	}
	q := u.Query()
	q.Set("resource_id", s.resourceID)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrFetch, resp.StatusCode, body)
	}

	var payload datastoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode page at offset %d: %v", ErrFetch, offset, err)
	}
	if !payload.Success {
		msg := "success=false"
		if payload.Error != nil && payload.Error.Message != "" {
			msg = payload.Error.Message
		}
		return nil, fmt.Errorf("%w: %s", ErrFetch, msg)
	}
	return payload.Result.Records, nil
}
