// Package hg talks to Mercurial web servers, repairing URLs of repositories
// that moved to a different layout.
package hg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onexay/revcache/internal/types"
)

// URLRecorder receives the base URL that last served a branch.
type URLRecorder interface {
	RecordURL(key types.BranchKey, url string)
}

// Options configure a Client.
type Options struct {
	Timeout    time.Duration
	RetryDelay time.Duration
	Rules      []Rule
	Recorder   URLRecorder
	HTTPClient *http.Client
}

// Client fetches JSON and text from repository servers.
type Client struct {
	http       *http.Client
	retryDelay time.Duration
	rules      []Rule
	recorder   URLRecorder
}

// NewClient applies defaults to opts.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	rules := opts.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	delay := opts.RetryDelay
	if delay < 0 {
		delay = 0
	}
	return &Client{http: httpClient, retryDelay: delay, rules: rules, recorder: opts.Recorder}
}

// FetchJSON decodes the JSON body served at url into out.
func (c *Client) FetchJSON(ctx context.Context, branch types.Branch, url string, out any) error {
	body, err := c.fetch(ctx, branch, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

// FetchText returns the body served at url as UTF-8, replacing invalid bytes.
func (c *Client) FetchText(ctx context.Context, branch types.Branch, url string) (string, error) {
	body, err := c.fetch(ctx, branch, url)
	if err != nil {
		return "", err
	}
	return strings.ToValidUTF8(string(body), "�"), nil
}

// Exists issues a single GET and reports whether it answered 200. Only
// transport failures are returned as errors.
func (c *Client) Exists(ctx context.Context, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK, nil
}

func (c *Client) fetch(ctx context.Context, branch types.Branch, raw string) ([]byte, error) {
	body, used, err := c.fetchWithRepair(ctx, raw, make(map[string]bool), nil)
	if err != nil {
		return nil, err
	}
	if c.recorder != nil && branch.Name != "" {
		if u, perr := ParseRepoURL(used); perr == nil {
			c.recorder.RecordURL(branch.Key(), u.Base().String())
		}
	}
	return body, nil
}

// fetchWithRepair tries raw, then its insecure variant after a delay, then
// recurses through the first untried rewrite rule that matches. causes holds
// the failures of the URLs tried before raw.
func (c *Client) fetchWithRepair(ctx context.Context, raw string, tried map[string]bool, causes []error) ([]byte, string, error) {
	u, err := ParseRepoURL(raw)
	if err != nil {
		return nil, "", &RemoteFetchError{URL: raw, Causes: append(causes, err)}
	}

	body, first := c.get(ctx, raw)
	if first == nil {
		return body, raw, nil
	}
	if isUnknownRevision(first) || ctx.Err() != nil {
		return nil, "", first
	}
	slog.Debug("hg fetch failed", "url", raw, "error", first)

	if err := sleep(ctx, c.retryDelay); err != nil {
		return nil, "", err
	}
	insecure := u.Insecure().String()
	body, second := c.get(ctx, insecure)
	if second == nil {
		return body, insecure, nil
	}
	if isUnknownRevision(second) || ctx.Err() != nil {
		return nil, "", second
	}
	slog.Debug("hg insecure fetch failed", "url", insecure, "error", second)
	causes = append(causes, first, second)

	for _, rule := range c.rules {
		if tried[rule.Name] || !rule.Match(u) {
			continue
		}
		tried[rule.Name] = true
		rewritten := rule.Rewrite(u).String()
		slog.Info("retrying with repaired url", "rule", rule.Name, "from", raw, "to", rewritten)
		return c.fetchWithRepair(ctx, rewritten, tried, causes)
	}

	return nil, "", &RemoteFetchError{URL: raw, Causes: causes}
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, text/plain")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if rev, ok := unknownRevisionBody(body); ok {
		return nil, &UnknownRevisionError{Revision: rev}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: url, Status: resp.StatusCode}
	}
	return body, nil
}

// unknownRevisionBody detects a JSON string body naming an unknown revision.
func unknownRevisionBody(body []byte) (string, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return "", false
	}
	var msg string
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return "", false
	}
	return unknownRevision(msg)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
