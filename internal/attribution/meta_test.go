package attribution

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadfunnel/internal/config"
	"github.com/sells-group/leadfunnel/internal/model"
	"github.com/sells-group/leadfunnel/internal/resilience"
)

func testConfig(baseURL string) config.MetaConfig {
	return config.MetaConfig{
		PixelID:     "123456",
		AccessToken: "tok",
		APIVersion:  "v19.0",
		BaseURL:     baseURL,
	}
}

func testVisitor() model.Visitor {
	return model.Visitor{
		Contact:     model.Contact{Name: " Ana Lima ", Email: " Ana@Example.COM ", Phone: "+351 912-345-678"},
		Attribution: model.Attribution{ClickID: "IwAR123"},
		Request: model.RequestContext{
			ClientIP:   "203.0.113.9",
			UserAgent:  "Mozilla/5.0",
			LandingURL: "https://example.com/?fbclid=IwAR123",
			BrowserID:  "fb.1.1700000000000.42",
		},
	}
}

func TestHash(t *testing.T) {
	t.Parallel()

	// sha256("a@b.com")
	want := "fb98d44ad7501a959f3f4f4a3f004fe2d9e581ea6207e218c4b02c08a4d75adf"
	assert.Equal(t, want, Hash("a@b.com"))
	assert.Equal(t, want, Hash("  A@B.com "))
	assert.Len(t, Hash("x"), 64)
}

func TestClickCookie(t *testing.T) {
	t.Parallel()

	at := time.UnixMilli(1700000000123)
	assert.Equal(t, "fb.1.1700000000123.IwAR", ClickCookie("IwAR", at))
	assert.Equal(t, "", ClickCookie("", at))
}

func TestNewClient_Disabled(t *testing.T) {
	t.Parallel()

	c := NewClient(config.MetaConfig{PixelID: "1"})
	assert.Nil(t, c)
	assert.False(t, c.Enabled())
	assert.Nil(t, c.Breaker())
	assert.NoError(t, c.Notify(context.Background(), Event{Name: EventLead}))
}

func TestNotify_Payload(t *testing.T) {
	t.Parallel()

	var got capiRequest
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Write([]byte(`{"events_received":1}`)) //nolint:errcheck
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.TestEventCode = "TEST1"
	c := NewClient(cfg, WithHTTPClient(srv.Client()))
	require.NotNil(t, c)

	ev := Event{
		Name:      EventCompleteRegistration,
		ID:        "sess-1:complete",
		Time:      time.Unix(1700000100, 0),
		ClickTime: time.UnixMilli(1700000000000),
		Visitor:   testVisitor(),
		Custom:    map[string]string{"capital": "100k_300k"},
	}
	require.NoError(t, c.Notify(context.Background(), ev))

	assert.Equal(t, "/v19.0/123456/events", path)
	assert.Equal(t, "tok", got.AccessToken)
	assert.Equal(t, "TEST1", got.TestEventCode)
	require.Len(t, got.Data, 1)

	e := got.Data[0]
	assert.Equal(t, EventCompleteRegistration, e.EventName)
	assert.Equal(t, int64(1700000100), e.EventTime)
	assert.Equal(t, "sess-1:complete", e.EventID)
	assert.Equal(t, "website", e.ActionSource)
	assert.Equal(t, "https://example.com/?fbclid=IwAR123", e.EventSourceURL)
	assert.Equal(t, map[string]string{"capital": "100k_300k"}, e.CustomData)

	ud := e.UserData
	assert.Equal(t, []string{Hash("ana@example.com")}, ud.Em)
	assert.Equal(t, []string{Hash("351912345678")}, ud.Ph)
	assert.Equal(t, []string{Hash("ana")}, ud.Fn)
	assert.Equal(t, []string{Hash("lima")}, ud.Ln)
	assert.Equal(t, "203.0.113.9", ud.ClientIPAddress)
	assert.Equal(t, "Mozilla/5.0", ud.ClientUserAgent)
	assert.Equal(t, "fb.1.1700000000000.IwAR123", ud.Fbc)
	assert.Equal(t, "fb.1.1700000000000.42", ud.Fbp)
}

func TestNotify_NoPlaintextContact(t *testing.T) {
	t.Parallel()

	var raw string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		raw = string(body)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), WithHTTPClient(srv.Client()))
	require.NoError(t, c.Notify(context.Background(), Event{Name: EventLead, Time: time.Unix(1700000100, 0), ClickTime: time.UnixMilli(1700000000000), Visitor: testVisitor()}))

	assert.NotContains(t, raw, "example.com\"")
	assert.NotContains(t, raw, "Ana")
	assert.NotContains(t, raw, "912")
}

func TestNotify_APIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"Invalid OAuth access token.","type":"OAuthException","code":190}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), WithHTTPClient(srv.Client()))
	err := c.Notify(context.Background(), Event{Name: EventLead})

	var ne *NotifyError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, 400, ne.Status)
	assert.Equal(t, 190, ne.Code)
	assert.Equal(t, "Invalid OAuth access token.", ne.Message)
	assert.False(t, resilience.IsTransient(err))
	assert.Equal(t, resilience.CircuitClosed, c.Breaker().State())
}

func TestNotify_BreakerOpensOnServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	bcfg := resilience.DefaultCircuitBreakerConfig("meta_capi")
	bcfg.FailureThreshold = 2
	bcfg.ResetTimeout = time.Hour
	bcfg.ShouldTrip = resilience.IsTransient
	c := NewClient(testConfig(srv.URL), WithHTTPClient(srv.Client()), WithBreaker(resilience.NewCircuitBreaker(bcfg)))

	for range 2 {
		err := c.Notify(context.Background(), Event{Name: EventLead})
		var ne *NotifyError
		require.ErrorAs(t, err, &ne)
		assert.Equal(t, 503, ne.Status)
	}

	err := c.Notify(context.Background(), Event{Name: EventLead})
	var ne *NotifyError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, "circuit open", ne.Message)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, resilience.CircuitOpen, c.Breaker().State())
}

func TestNotify_RateLimitHonorsContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.RateLimit = 0.001
	c := NewClient(cfg, WithHTTPClient(srv.Client()))
	require.NoError(t, c.Notify(context.Background(), Event{Name: EventLead}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := c.Notify(ctx, Event{Name: EventLead})
	var ne *NotifyError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, "rate limit wait", ne.Message)
}

func TestNotifyError_Error(t *testing.T) {
	t.Parallel()

	e := &NotifyError{Event: "Lead", Status: 400, Code: 100, Message: "bad param"}
	assert.Equal(t, "attribution: Lead: status 400: code 100: bad param", e.Error())
}
