// Package attribution reports saved leads to the Meta Conversions API so
// ad campaigns can attribute them.
package attribution

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/leadfunnel/internal/config"
	"github.com/sells-group/leadfunnel/internal/model"
	"github.com/sells-group/leadfunnel/internal/resilience"
	"github.com/sells-group/leadfunnel/internal/store"
)

// Standard event names.
const (
	EventLead                 = "Lead"
	EventCompleteRegistration = "CompleteRegistration"
)

// Event is one conversion to report.
type Event struct {
	Name string
	// ID deduplicates against the browser pixel.
	ID   string
	Time time.Time
	// ClickTime is when the click id was first seen, used for fbc.
	ClickTime time.Time
	Visitor   model.Visitor
	Custom    map[string]string
}

// NotifyError describes a failed conversion call. It is logged and
// discarded by callers.
type NotifyError struct {
	Event   string
	Status  int
	Code    int
	Message string
	Err     error
}

func (e *NotifyError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "attribution: %s", e.Event)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, ": code %d", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	} else if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *NotifyError) Unwrap() error { return e.Err }

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) {
		c.breaker = cb
	}
}

// Client sends server-side events for one pixel.
type Client struct {
	endpoint string
	token    string
	testCode string
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *resilience.CircuitBreaker
	log      *zap.Logger
}

// NewClient creates a client from config. It returns nil when the pixel id
// or access token is missing; a nil *Client accepts and drops every event.
func NewClient(cfg config.MetaConfig, opts ...Option) *Client {
	if cfg.PixelID == "" || cfg.AccessToken == "" {
		return nil
	}
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		base = "https://graph.facebook.com"
	}
	version := cfg.APIVersion
	if version == "" {
		version = "v19.0"
	}

	bcfg := resilience.DefaultCircuitBreakerConfig("meta_capi")
	bcfg.ShouldTrip = resilience.IsTransient
	bcfg.OnStateChange = func(name string, from, to resilience.CircuitState) {
		zap.L().Warn("attribution: circuit state change",
			zap.String("breaker", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	}

	c := &Client{
		endpoint: fmt.Sprintf("%s/%s/%s/events", base, version, cfg.PixelID),
		token:    cfg.AccessToken,
		testCode: cfg.TestEventCode,
		http:     &http.Client{Timeout: 10 * time.Second},
		breaker:  resilience.NewCircuitBreaker(bcfg),
		log:      zap.L().With(zap.String("component", "attribution.meta")),
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(int(cfg.RateLimit), 1))
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether events are sent.
func (c *Client) Enabled() bool { return c != nil }

// Breaker exposes the circuit breaker for health reporting.
func (c *Client) Breaker() *resilience.CircuitBreaker {
	if c == nil {
		return nil
	}
	return c.breaker
}

type capiRequest struct {
	Data          []capiEvent `json:"data"`
	AccessToken   string      `json:"access_token"`
	TestEventCode string      `json:"test_event_code,omitempty"`
}

type capiEvent struct {
	EventName      string            `json:"event_name"`
	EventTime      int64             `json:"event_time"`
	EventID        string            `json:"event_id,omitempty"`
	ActionSource   string            `json:"action_source"`
	EventSourceURL string            `json:"event_source_url,omitempty"`
	UserData       userData          `json:"user_data"`
	CustomData     map[string]string `json:"custom_data,omitempty"`
}

type userData struct {
	Em              []string `json:"em,omitempty"`
	Ph              []string `json:"ph,omitempty"`
	Fn              []string `json:"fn,omitempty"`
	Ln              []string `json:"ln,omitempty"`
	ClientIPAddress string   `json:"client_ip_address,omitempty"`
	ClientUserAgent string   `json:"client_user_agent,omitempty"`
	Fbc             string   `json:"fbc,omitempty"`
	Fbp             string   `json:"fbp,omitempty"`
}

type capiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Notify sends ev. Calls are not retried; while the endpoint keeps failing
// the circuit breaker skips them.
func (c *Client) Notify(ctx context.Context, ev Event) error {
	if c == nil {
		return nil
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &NotifyError{Event: ev.Name, Message: "rate limit wait", Err: err}
		}
	}

	body, err := json.Marshal(capiRequest{
		Data:          []capiEvent{buildEvent(ev)},
		AccessToken:   c.token,
		TestEventCode: c.testCode,
	})
	if err != nil {
		return &NotifyError{Event: ev.Name, Message: "encode event", Err: err}
	}

	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.post(ctx, ev.Name, body)
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return &NotifyError{Event: ev.Name, Message: "circuit open", Err: err}
		}
		return err
	}
	c.log.Debug("event sent", zap.String("event", ev.Name), zap.String("event_id", ev.ID))
	return nil
}

func (c *Client) post(ctx context.Context, name string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return &NotifyError{Event: name, Err: eris.Wrap(err, "attribution: create request")}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &NotifyError{Event: name, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	ne := &NotifyError{Event: name, Status: resp.StatusCode}
	var apiErr capiErrorBody
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
		ne.Code = apiErr.Error.Code
		ne.Message = apiErr.Error.Message
	} else {
		ne.Message = strings.TrimSpace(string(raw))
	}
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		ne.Err = resilience.NewTransientError(eris.Errorf("attribution: status %d", resp.StatusCode), resp.StatusCode)
	}
	return ne
}

func buildEvent(ev Event) capiEvent {
	t := ev.Time
	if t.IsZero() {
		t = time.Now()
	}
	v := ev.Visitor
	ud := userData{
		ClientIPAddress: v.Request.ClientIP,
		ClientUserAgent: v.Request.UserAgent,
		Fbp:             v.Request.BrowserID,
		Fbc:             ClickCookie(v.Attribution.ClickID, ev.ClickTime),
	}
	if v.Contact.Email != "" {
		ud.Em = []string{Hash(v.Contact.Email)}
	}
	if digits, ok := store.NormalizePhone(v.Contact.Phone); ok {
		ud.Ph = []string{Hash(digits)}
	}
	if fn := v.Contact.FirstName(); fn != "" {
		ud.Fn = []string{Hash(fn)}
	}
	if ln := v.Contact.LastName(); ln != "" {
		ud.Ln = []string{Hash(ln)}
	}

	return capiEvent{
		EventName:      ev.Name,
		EventTime:      t.Unix(),
		EventID:        ev.ID,
		ActionSource:   "website",
		EventSourceURL: v.Request.LandingURL,
		UserData:       ud,
		CustomData:     ev.Custom,
	}
}

// Hash returns the hex SHA-256 of the lower-cased, trimmed value.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(s))))
	return hex.EncodeToString(sum[:])
}

// ClickCookie formats a click id as the _fbc value fb.1.<ms>.<fbclid>.
func ClickCookie(clickID string, at time.Time) string {
	if clickID == "" {
		return ""
	}
	if at.IsZero() {
		at = time.Now()
	}
	return fmt.Sprintf("fb.1.%d.%s", at.UnixMilli(), clickID)
}
