// Package xnat is a small REST client for the parts of the XNAT API the MRD
// plugin tests touch: the archive hierarchy, scan data fields, search
// elements and installed plugins.
package xnat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	defaultTimeout = 60 * time.Second

	// errorBodyLimit caps how much of an error response is kept.
	errorBodyLimit = 2048
)

// Option configures a Session.
type Option func(*Session)

// WithHTTPClient replaces the HTTP client. Its cookie jar is replaced so the
// session cookie stays private to the Session.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) {
		clone := *c
		s.client = &clone
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.client.Timeout = d
	}
}

// Session talks to one XNAT server as one user. Requests carry basic auth
// and the JSESSIONID cookie XNAT hands out on the first call.
type Session struct {
	baseURL  string
	username string
	password string
	client   *http.Client

	mu     sync.Mutex
	closed bool
}

// New creates a Session without contacting the server.
func New(baseURL, username, password string, opts ...Option) *Session {
	s := &Session{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		client:   &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(s)
	}
	jar, _ := cookiejar.New(nil) // only fails with a non-nil options list
	s.client.Jar = jar
	return s
}

// Connect creates a Session and opens a server-side session with it.
func Connect(ctx context.Context, baseURL, username, password string, opts ...Option) (*Session, error) {
	s := New(baseURL, username, password, opts...)
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// BaseURL returns the server root the session talks to.
func (s *Session) BaseURL() string {
	return s.baseURL
}

// Ping opens (or refreshes) the server-side session, which fails until the
// server is up and the credentials are accepted.
func (s *Session) Ping(ctx context.Context) error {
	body, err := s.send(ctx, http.MethodPost, pathJSession, nil, nil, "")
	if err != nil {
		return err
	}
	slog.Debug("xnat session open", "url", s.baseURL, "session", strings.TrimSpace(string(body)) != "")
	return nil
}

// Disconnect ends the server-side session. Once it has succeeded further
// calls are no-ops; after a failure it may be retried.
func (s *Session) Disconnect(ctx context.Context) error {
	if s.Closed() {
		return nil
	}
	if _, err := s.send(ctx, http.MethodDelete, pathJSession, nil, nil, ""); err != nil {
		return fmt.Errorf("closing xnat session: %w", err)
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.client.CloseIdleConnections()
	return nil
}

// Closed reports whether Disconnect has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// send performs one request and returns the response body. Statuses of 400
// and above become *Error.
func (s *Session) send(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string) ([]byte, error) {
	target := s.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.SetBasicAuth(s.username, s.password)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, &Error{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s %s response: %w", method, path, err)
	}
	return data, nil
}

// getJSON issues a GET with format=json and decodes the body into out.
func (s *Session) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	if query == nil {
		query = url.Values{}
	}
	query.Set("format", "json")

	data, err := s.send(ctx, http.MethodGet, path, query, nil, "")
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// resultSet is the envelope of XNAT's tabular listings.
type resultSet struct {
	ResultSet struct {
		Result []map[string]any `json:"Result"`
	} `json:"ResultSet"`
}

// rows fetches a listing and returns its rows with values rendered as
// strings.
func (s *Session) rows(ctx context.Context, path string, query url.Values) ([]map[string]string, error) {
	var rs resultSet
	if err := s.getJSON(ctx, path, query, &rs); err != nil {
		return nil, err
	}
	out := make([]map[string]string, 0, len(rs.ResultSet.Result))
	for _, r := range rs.ResultSet.Result {
		row := make(map[string]string, len(r))
		for k, v := range r {
			row[k] = scalar(v)
		}
		out = append(out, row)
	}
	return out, nil
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
