package shipment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

var ErrMailUnreachable = errors.New("mail source unreachable")

// DefaultSubjectFilter selects export-shipment notifications. Matching is
// case-insensitive substring, as the upstream mailbox search behaves.
const DefaultSubjectFilter = "EXPORT SCHEDULE"

// Message is one raw document from the mail collaborator.
type Message struct {
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"receivedAt"`
	Sender     string    `json:"sender"`
}

// Source yields raw documents matching the subject filter, optionally
// bounded by receipt time. Implementations may return messages in any order;
// callers normalize with OrderByArrival.
type Source interface {
	Fetch(ctx context.Context, since *time.Time) ([]Message, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, since *time.Time) ([]Message, error)

func (f SourceFunc) Fetch(ctx context.Context, since *time.Time) ([]Message, error) {
	return f(ctx, since)
}

// FilterBySubject keeps messages whose subject contains the filter,
// case-insensitively, and drops the rest.
func FilterBySubject(messages []Message, filter string) []Message {
	filter = strings.ToUpper(strings.TrimSpace(filter))
	if filter == "" {
		return messages
	}
	kept := make([]Message, 0, len(messages))
	for _, message := range messages {
		if strings.Contains(strings.ToUpper(message.Subject), filter) {
			kept = append(kept, message)
		}
	}
	return kept
}

// OrderByArrival sorts messages oldest first. The mail store serves
// most-recent-first; batches must run in arrival order so sequence numbers
// and recency resolution behave.
func OrderByArrival(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].ReceivedAt.Before(messages[j].ReceivedAt)
	})
}

// HTTPMailSource fetches messages from a mail-relay gateway. Transient
// failures are retried with exponential backoff before being reported as
// ErrMailUnreachable.
type HTTPMailSource struct {
	baseURL       string
	token         string
	subjectFilter string
	httpClient    *http.Client
	maxRetries    int
	baseDelay     time.Duration
}

type HTTPMailSourceOptions struct {
	BaseURL       string
	Token         string
	SubjectFilter string
	HTTPClient    *http.Client
	MaxRetries    int
	BaseDelay     time.Duration
}

func NewHTTPMailSource(opts HTTPMailSourceOptions) *HTTPMailSource {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8025"
	}
	subjectFilter := strings.TrimSpace(opts.SubjectFilter)
	if subjectFilter == "" {
		subjectFilter = DefaultSubjectFilter
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	return &HTTPMailSource{
		baseURL:       baseURL,
		token:         strings.TrimSpace(opts.Token),
		subjectFilter: subjectFilter,
		httpClient:    httpClient,
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
	}
}

type mailFeed struct {
	Messages []Message `json:"messages"`
}

func (s *HTTPMailSource) Fetch(ctx context.Context, since *time.Time) ([]Message, error) {
	query := url.Values{}
	query.Set("subject", s.subjectFilter)
	if since != nil {
		query.Set("since", since.Format(time.RFC3339))
	}
	endpoint := s.baseURL + "/v1/messages?" + query.Encode()

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			delay := s.baseDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		messages, retryable, err := s.fetchOnce(ctx, endpoint)
		if err == nil {
			// The gateway already filters on subject, but do not trust it:
			// a stale deployment returning everything must not flood the
			// store with unrelated documents.
			messages = FilterBySubject(messages, s.subjectFilter)
			OrderByArrival(messages)
			return messages, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrMailUnreachable, lastErr)
}

func (s *HTTPMailSource) fetchOnce(ctx context.Context, endpoint string) ([]Message, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, err
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, true, err
	}
	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("mail source: http %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("mail source: http %d: %s", resp.StatusCode, truncateDetail(string(payload)))
	}
	var feed mailFeed
	if err := json.Unmarshal(payload, &feed); err != nil {
		return nil, false, fmt.Errorf("mail source: decode feed: %w", err)
	}
	return feed.Messages, false, nil
}
