// Package remote is the client for the remote document store the sync
// queue mirrors into. Writes are keyed by {collection}/{ownerId}/{id}
// paths; SET overwrites the full document (last writer wins), DELETE
// removes it. Errors carry a transient/permanent classification the
// sync queue retries on.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	ledgerotel "github.com/quietbay/ledgerd/internal/otel"
)

// Action is a remote write verb.
type Action string

const (
	ActionSet    Action = "SET"
	ActionDelete Action = "DELETE"
)

// Store is the remote document store surface the sync queue depends on.
type Store interface {
	// Set overwrites the document at path.
	Set(ctx context.Context, path string, doc json.RawMessage) error
	// Delete removes the document at path. Deleting an absent document
	// is not an error.
	Delete(ctx context.Context, path string) error
}

// Error is a classified remote-store failure.
type Error struct {
	Op         string
	Path       string
	StatusCode int // 0 when the request never completed
	Transient  bool
	cause      error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("remote %s %s: status %d", e.Op, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("remote %s %s: %v", e.Op, e.Path, e.cause)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// IsTransient reports whether err is worth retrying: network failures,
// timeouts, and server-side errors are; auth and permission failures
// are not. Unknown errors count as transient so that flaky conditions
// are queued rather than dropped.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Transient
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return true
}

// HTTPStore talks to a document store over HTTP: SET is a PUT of the
// JSON document, DELETE is a DELETE, both at baseURL/path.
type HTTPStore struct {
	base   *url.URL
	client *http.Client
	token  string
}

// NewHTTPStore builds a store client. token may be empty; when set it
// is sent as a bearer token.
func NewHTTPStore(baseURL, token string, client *http.Client) (*HTTPStore, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse remote base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("remote base url %q must be absolute", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPStore{base: u, client: client, token: token}, nil
}

// Set implements Store.
func (s *HTTPStore) Set(ctx context.Context, path string, doc json.RawMessage) error {
	return s.do(ctx, "SET", http.MethodPut, path, doc)
}

// Delete implements Store.
func (s *HTTPStore) Delete(ctx context.Context, path string) error {
	return s.do(ctx, "DELETE", http.MethodDelete, path, nil)
}

func (s *HTTPStore) do(ctx context.Context, op, method, path string, body json.RawMessage) error {
	ctx, span := ledgerotel.StartClientSpan(ctx, otel.Tracer(ledgerotel.TracerName), "remote."+strings.ToLower(op),
		ledgerotel.AttrSyncAction.String(op),
		ledgerotel.AttrSyncPath.String(path),
	)
	defer span.End()

	err := s.roundTrip(ctx, op, method, path, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *HTTPStore) roundTrip(ctx context.Context, op, method, path string, body json.RawMessage) error {
	target := s.base.JoinPath(strings.Split(path, "/")...)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return &Error{Op: op, Path: path, Transient: false, cause: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		// Request never completed: connection refused, DNS, timeout.
		return &Error{Op: op, Path: path, Transient: true, cause: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound && op == "DELETE":
		// Deleting an absent document converges.
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &Error{Op: op, Path: path, StatusCode: resp.StatusCode, Transient: true}
	default:
		// 4xx: auth, permission, validation. Not retryable.
		return &Error{Op: op, Path: path, StatusCode: resp.StatusCode, Transient: false}
	}
}
