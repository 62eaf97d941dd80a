package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/txn2/xnat-mrd/pkg/xnat"
)

// ErrStartupTimeout is returned when XNAT does not accept a connection
// within the configured number of attempts.
var ErrStartupTimeout = errors.New("XNAT did not start in time")

// ErrNotConnected is returned by Session before Connect succeeds.
var ErrNotConnected = errors.New("not connected to xnat")

// Server is the container-side view the connection needs: where XNAT
// listens and how to restart it.
type Server interface {
	Endpoint(ctx context.Context) (string, error)
	Restart(ctx context.Context) error
}

// Connection keeps one REST session to XNAT and recreates it when the
// server restarts.
type Connection struct {
	server   Server
	username string
	password string
	attempts int
	sleep    time.Duration
	opts     []xnat.Option

	mu      sync.Mutex
	session *xnat.Session
}

// NewConnection creates an unconnected Connection.
func NewConnection(server Server, cfg XNATConfig, opts ...xnat.Option) *Connection {
	return &Connection{
		server:   server,
		username: cfg.Username,
		password: cfg.Password,
		attempts: cfg.ConnectionAttempts,
		sleep:    cfg.ConnectionAttemptSleep,
		opts:     append([]xnat.Option{xnat.WithTimeout(cfg.RequestTimeout)}, opts...),
	}
}

// Connect opens a session, retrying while XNAT is still starting. The
// endpoint is resolved on every attempt since the mapped port can change
// across restarts.
func (c *Connection) Connect(ctx context.Context) error {
	attempt := 0
	session, err := backoff.Retry(ctx, func() (*xnat.Session, error) {
		attempt++
		endpoint, err := c.server.Endpoint(ctx)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		s, err := xnat.Connect(ctx, endpoint, c.username, c.password, c.opts...)
		if err != nil {
			if !xnat.IsTransient(err) {
				return nil, backoff.Permanent(err)
			}
			slog.Debug("xnat not ready", "endpoint", endpoint, "attempt", attempt, "error", err)
			return nil, err
		}
		return s, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.sleep)),
		backoff.WithMaxTries(uint(c.attempts)), // #nosec G115 -- validated to be positive
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("connecting to xnat: %w", ctxErr)
		}
		if xnat.IsTransient(err) {
			return fmt.Errorf("%w after %d attempts: %w", ErrStartupTimeout, attempt, err)
		}
		return fmt.Errorf("connecting to xnat: %w", err)
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	slog.Info("connected to xnat", "url", session.BaseURL(), "attempts", attempt)
	return nil
}

// Session returns the current REST session.
func (c *Connection) Session() (*xnat.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.Closed() {
		return nil, ErrNotConnected
	}
	return c.session, nil
}

// Close ends the current session. It is safe to call repeatedly.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.Disconnect(ctx)
}

// Restart closes the session, restarts the server and reconnects.
func (c *Connection) Restart(ctx context.Context) error {
	if err := c.Close(ctx); err != nil {
		slog.Warn("closing xnat session before restart", "error", err)
	}
	if err := c.server.Restart(ctx); err != nil {
		return fmt.Errorf("restarting xnat: %w", err)
	}
	return c.Connect(ctx)
}
