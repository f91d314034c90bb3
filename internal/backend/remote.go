// Package backend holds redaction backends other than the built-in rule
// engine.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"med-deid/internal/entity"
	"med-deid/internal/logger"
)

// NameRemote is the configuration name of the remote backend.
const NameRemote = "remote"

const (
	defaultRemoteTimeout = 10 * time.Second
	maxRemoteResponse    = 10 << 20 // 10 MB
)

// ErrRemoteStatus is wrapped by errors for non-2xx responses.
var ErrRemoteStatus = errors.New("remote backend returned an error status")

// RemoteOptions configures a Remote backend.
type RemoteOptions struct {
	URL     string        // endpoint accepting {"text": ...}
	Token   string        // sent as a bearer token when set
	Timeout time.Duration // per call; 10s when zero
	Client  *http.Client  // http.DefaultClient when nil
	Log     *logger.Logger
}

// Remote delegates redaction to another de-identification service speaking
// the /redact JSON protocol.
type Remote struct {
	opts RemoteOptions
	log  *logger.Logger
}

type remoteRequest struct {
	Text string `json:"text"`
}

type remoteResponse struct {
	Text  *string      `json:"text"`
	Stats entity.Stats `json:"stats"`
}

// NewRemote returns a Remote backend. The URL is required.
func NewRemote(opts RemoteOptions) (*Remote, error) {
	if opts.URL == "" {
		return nil, errors.New("remote backend: url is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRemoteTimeout
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	return &Remote{opts: opts, log: log}, nil
}

// Name implements engine.Backend.
func (r *Remote) Name() string { return NameRemote }

// Redact sends text to the remote service and returns its result.
func (r *Remote) Redact(ctx context.Context, text string) (string, entity.Stats, error) {
	reqBody, _ := json.Marshal(remoteRequest{Text: text})

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.opts.URL, bytes.NewReader(reqBody))
	if err != nil {
		return "", nil, fmt.Errorf("create remote request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.opts.Token)
	}

	resp, err := r.opts.Client.Do(req) // #nosec G107 -- URL from trusted config, not user input
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close on HTTP response body

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteResponse+1))
	if err != nil {
		return "", nil, err
	}
	if int64(len(body)) > maxRemoteResponse {
		return "", nil, fmt.Errorf("remote response exceeds %d bytes", maxRemoteResponse)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", nil, fmt.Errorf("%w: %s", ErrRemoteStatus, resp.Status)
	}

	var out remoteResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", nil, fmt.Errorf("remote response parse error: %w", err)
	}
	if out.Text == nil {
		return "", nil, errors.New("remote response has no text")
	}
	stats := entity.Stats{}
	stats.Merge(out.Stats)
	r.log.Debugf("remote_redact", "%d bytes in, %d substitutions", len(text), stats.Total())
	return *out.Text, stats, nil
}
