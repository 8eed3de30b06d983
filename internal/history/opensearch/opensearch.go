// Package opensearch indexes worker history as JSON documents over the
// OpenSearch (or Elasticsearch) REST API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/workerd/internal/history"
)

const DefaultTimeout = 5 * time.Second

type Options struct {
	// BaseURL is the cluster address, e.g. https://search:9200.
	BaseURL string
	Index   string
	// Daily appends the event date to the index: <index>-2006.01.02.
	Daily    bool
	Username string
	Password string
	Timeout  time.Duration
}

// Sink posts every event to <base>/<index>/_doc.
type Sink struct {
	client *http.Client
	opts   Options
}

func New(opts Options) *Sink {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Index == "" {
		opts.Index = strings.ReplaceAll(history.Table, "_", "-")
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Sink{client: &http.Client{Timeout: opts.Timeout}, opts: opts}
}

// IndexFor returns the index an event occurring at t is written to.
func (s *Sink) IndexFor(t time.Time) string {
	if !s.opts.Daily {
		return s.opts.Index
	}
	return s.opts.Index + "-" + t.UTC().Format("2006.01.02")
}

// URL is the document endpoint for events occurring at t.
func (s *Sink) URL(t time.Time) string {
	return s.opts.BaseURL + "/" + s.IndexFor(t) + "/_doc"
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL(e.OccurredAt), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.opts.Username != "" {
		req.SetBasicAuth(s.opts.Username, s.opts.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch: index %s: status %d: %s", s.IndexFor(e.OccurredAt), resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
