package billboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/venditt/billboardd/internal/adapters/api"
)

const fetchTimeout = 10 * time.Second

// ErrEmptyBatch reports an API response carrying no asset URLs.
var ErrEmptyBatch = errors.New("batch contains no urls")

// Batch is one page of the content schedule.
type Batch struct {
	URLs []string
	Next int
	// Wrapped is true when the server's next cursor points before the
	// queried one, signalling the end of a full schedule cycle.
	Wrapped bool
}

// Fetcher pages through the billboard endpoint.
type Fetcher struct {
	api         *api.Client
	billboardID string
	log         *zap.Logger
}

// NewFetcher creates a batch fetcher.
func NewFetcher(client *api.Client, billboardID string, log *zap.Logger) (*Fetcher, error) {
	if client == nil {
		return nil, errors.New("api client required")
	}
	if strings.TrimSpace(billboardID) == "" {
		return nil, errors.New("billboard id required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Fetcher{api: client, billboardID: billboardID, log: log}, nil
}

type billboardResponse struct {
	Response struct {
		Data []struct {
			URL string `json:"url"`
		} `json:"data"`
		Message string `json:"message"`
	} `json:"response"`
}

// Fetch retrieves the batch at cursor and the server's next cursor.
func (f *Fetcher) Fetch(ctx context.Context, cursor int) (Batch, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	query := url.Values{
		"id":    {f.billboardID},
		"index": {strconv.Itoa(cursor)},
	}
	body, err := f.api.Get(ctx, "/view/billboard", query)
	if err != nil {
		return Batch{}, fmt.Errorf("billboard fetch at %d: %w", cursor, err)
	}

	var parsed billboardResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Batch{}, fmt.Errorf("billboard response: %w", err)
	}

	urls := make([]string, 0, len(parsed.Response.Data))
	for _, item := range parsed.Response.Data {
		if u := normalizeURL(item.URL); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return Batch{}, ErrEmptyBatch
	}

	next, err := strconv.Atoi(strings.TrimSpace(parsed.Response.Message))
	if err != nil || next < 0 {
		// Malformed cursor: hold position rather than skip content.
		next = cursor
	}

	batch := Batch{URLs: urls, Next: next, Wrapped: next < cursor}
	f.log.Debug("fetched batch",
		zap.Int("cursor", cursor),
		zap.Int("next", batch.Next),
		zap.Int("urls", len(batch.URLs)),
		zap.Bool("wrapped", batch.Wrapped),
	)
	return batch, nil
}
