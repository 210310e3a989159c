package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/tabletop/go/internal/models"
	"github.com/mcdev12/tabletop/go/internal/turntimer/countdown"
	"github.com/mcdev12/tabletop/go/internal/turntimer/events"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Status is the client's connection status, shown to the player.
type Status int32

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusReconnecting
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Config configures a Client. URL is the gateway's base URL; http and https are rewritten
// to ws and wss.
type Config struct {
	URL       string
	SessionID uuid.UUID
	UserID    string

	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	CommandTimeout time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	TickInterval   time.Duration

	// Clock drives the countdown and the reconnect backoff. Defaults to the real clock.
	Clock clockwork.Clock

	OnTick   func(countdown.TickResult)
	OnEvent  func(*events.Envelope)
	OnStatus func(Status)
}

func (c *Config) setDefaults() {
	if c.MinBackoff <= 0 {
		c.MinBackoff = 250 * time.Millisecond
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = 10 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = countdown.DefaultTickInterval
	}
	if c.UserID == "" {
		c.UserID = "anonymous"
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

// CommandError is a command the gateway rejected. It unwraps to the matching models error.
type CommandError struct {
	Command string
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s rejected (%s): %s", e.Command, e.Code, e.Message)
}

func (e *CommandError) Unwrap() error {
	switch e.Code {
	case events.CodeNotFound:
		return models.ErrNotFound
	case events.CodeValidation, events.CodeBadRequest:
		return models.ErrValidation
	case events.CodeConcurrencyConflict:
		return models.ErrConcurrencyConflict
	default:
		return nil
	}
}

// Client keeps one session's countdown in sync with the gateway. It reconnects with backoff
// whenever the connection drops and resyncs from the snapshot sent on rejoin.
type Client struct {
	cfg     Config
	dialer  *websocket.Dialer
	machine *countdown.Machine
	status  atomic.Int32

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan error

	writeMu sync.Mutex
}

// New creates a client. Nothing is dialled until Run.
func New(cfg Config) (*Client, error) {
	if cfg.SessionID == uuid.Nil {
		return nil, fmt.Errorf("%w: session id is required", models.ErrValidation)
	}
	if _, err := sessionURL(cfg.URL, cfg.SessionID, cfg.UserID); err != nil {
		return nil, err
	}
	cfg.setDefaults()

	return &Client{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		machine: countdown.NewMachine(cfg.Clock),
		pending: make(map[string]chan error),
	}, nil
}

// Machine exposes the countdown for rendering.
func (c *Client) Machine() *countdown.Machine {
	return c.machine
}

func (c *Client) Status() Status {
	return Status(c.status.Load())
}

// Run connects and keeps the countdown ticking until ctx is cancelled, which is how a client
// leaves the session. It only returns an error if the session does not exist.
func (c *Client) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.connectLoop(gctx)
	})
	g.Go(func() error {
		c.machine.Run(gctx, c.cfg.TickInterval, func(res countdown.TickResult) {
			if c.cfg.OnTick != nil {
				c.cfg.OnTick(res)
			}
			if res.Expired != nil {
				go c.reportExpiry(gctx, *res.Expired)
			}
		})
		return nil
	})

	err := g.Wait()
	c.setStatus(StatusClosed)
	return err
}

func (c *Client) connectLoop(ctx context.Context) error {
	backoff := c.cfg.MinBackoff
	for {
		conn, err := c.dial(ctx)
		if err == nil {
			backoff = c.cfg.MinBackoff
			err = c.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, models.ErrNotFound) {
			return err
		}

		c.setStatus(StatusReconnecting)
		log.Warn().
			Err(err).
			Str("session_id", c.cfg.SessionID.String()).
			Dur("backoff", backoff).
			Msg("turn timer connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-c.cfg.Clock.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := sessionURL(c.cfg.URL, c.cfg.SessionID, c.cfg.UserID)
	if err != nil {
		return nil, err
	}
	conn, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", models.ErrTransientChannel, target, err)
	}
	return conn, nil
}

// serve reads frames until the connection fails. The gateway joins the session on connect, so
// the first frame is either the snapshot or the join's command-error.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
	})

	var readErr error
	for {
		var env events.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			readErr = fmt.Errorf("%w: %v", models.ErrTransientChannel, err)
			break
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		if env.Type == events.TypeTimerSnapshot {
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			c.setStatus(StatusConnected)
		}
		if err := c.handle(&env); err != nil {
			readErr = err
			break
		}
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
	c.failPending(readErr)
	return readErr
}

// handle routes a frame: replies resolve pending commands, everything else goes to the
// countdown. A rejected join ends the connection.
func (c *Client) handle(env *events.Envelope) error {
	switch env.Type {
	case events.TypeCommandAck:
		payload, err := events.ParsePayload(env)
		if err != nil {
			return nil
		}
		c.resolve(payload.(*events.CommandAckPayload).RequestID, nil)
		return nil

	case events.TypeCommandError:
		payload, err := events.ParsePayload(env)
		if err != nil {
			return nil
		}
		p := payload.(*events.CommandErrorPayload)
		cmdErr := &CommandError{Command: p.Command, Code: p.Code, Message: p.Message}
		if p.RequestID == "" && p.Command == events.CommandJoinSession {
			return cmdErr
		}
		c.resolve(p.RequestID, cmdErr)
		return nil
	}

	if _, err := c.machine.Apply(env); err != nil {
		log.Error().Err(err).Str("event_type", string(env.Type)).Msg("failed to apply timer event")
	}
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(env)
	}
	return nil
}

func (c *Client) resolve(requestID string, err error) {
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	delete(c.pending, requestID)
	c.mu.Unlock()
	if ok {
		ch <- err
	}
}

func (c *Client) failPending(err error) {
	if err == nil {
		err = models.ErrTransientChannel
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- err
		delete(c.pending, id)
	}
}

func (c *Client) setStatus(s Status) {
	if Status(c.status.Swap(int32(s))) == s {
		return
	}
	if c.cfg.OnStatus != nil {
		c.cfg.OnStatus(s)
	}
}

// send writes a command and waits for its ack or error.
func (c *Client) send(ctx context.Context, command string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", command, err)
	}
	requestID := uuid.NewString()
	reply := make(chan error, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: not connected", models.ErrTransientChannel)
	}
	c.pending[requestID] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err = conn.WriteJSON(events.ClientMessage{Type: command, RequestID: requestID, Data: raw})
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", models.ErrTransientChannel, command, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", command, ctx.Err())
	}
}

// Start begins playerID's turn.
func (c *Client) Start(ctx context.Context, playerID uuid.UUID) error {
	return c.send(ctx, events.CommandStartTimer, events.StartTimerRequest{
		SessionID: c.cfg.SessionID,
		PlayerID:  playerID,
	})
}

// PassTurn hands the turn to nextPlayerID. The display switches right away; if the gateway
// rejects the pass it goes back to what it showed before.
func (c *Client) PassTurn(ctx context.Context, nextPlayerID uuid.UUID) (countdown.PassEstimate, error) {
	est, err := c.machine.BeginPass(nextPlayerID)
	if err != nil {
		return countdown.PassEstimate{}, err
	}
	err = c.send(ctx, events.CommandPassTurn, events.PassTurnRequest{
		SessionID:       c.cfg.SessionID,
		CurrentPlayerID: est.FromPlayerID,
		NextPlayerID:    est.ToPlayerID,
		TimeUsed:        est.TimeUsedMs,
		RemainingTimeMs: est.NewRemainingMs,
	})
	if err != nil {
		c.machine.AbortPass()
		return countdown.PassEstimate{}, err
	}
	return est, nil
}

func (c *Client) Pause(ctx context.Context) error {
	return c.send(ctx, events.CommandPauseTimer, events.SessionRequest{SessionID: c.cfg.SessionID})
}

// Resume restarts the countdown. A non-nil remainingMs is the value the player confirmed.
func (c *Client) Resume(ctx context.Context, remainingMs *int64) error {
	return c.send(ctx, events.CommandResumeTimer, events.ResumeTimerRequest{
		SessionID:       c.cfg.SessionID,
		RemainingTimeMs: remainingMs,
	})
}

func (c *Client) End(ctx context.Context) error {
	return c.send(ctx, events.CommandEndTimer, events.SessionRequest{SessionID: c.cfg.SessionID})
}

// ReportExpired tells the gateway playerID's budget ran out.
func (c *Client) ReportExpired(ctx context.Context, playerID uuid.UUID) error {
	return c.send(ctx, events.CommandTimeExpired, events.TimeExpiredRequest{
		SessionID: c.cfg.SessionID,
		PlayerID:  playerID,
	})
}

func (c *Client) reportExpiry(ctx context.Context, report countdown.ExpiryReport) {
	if err := c.ReportExpired(ctx, report.PlayerID); err != nil && ctx.Err() == nil {
		log.Warn().
			Err(err).
			Str("session_id", report.SessionID.String()).
			Str("player_id", report.PlayerID.String()).
			Msg("failed to report expired turn")
	}
}

// sessionURL builds the gateway's websocket URL for a session.
func sessionURL(base string, sessionID uuid.UUID, userID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("%w: invalid gateway url: %v", models.ErrValidation, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported gateway url scheme %q", models.ErrValidation, u.Scheme)
	}
	u.Path += "/ws/sessions"
	q := u.Query()
	q.Set("session_id", sessionID.String())
	if userID != "" {
		q.Set("user_id", userID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
