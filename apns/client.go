package apns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/net/http2"
	"golang.org/x/xerrors"

	"cdr.dev/slog"

	"github.com/coder/quartz"
)

const (
	HostProduction = "https://api.push.apple.com"
	HostSandbox    = "https://api.sandbox.push.apple.com"
)

const (
	pushTypeLiveActivity = "liveactivity"
	pushTypeBackground   = "background"

	// Visible pushes are delivered immediately; background wakes are
	// throttled by the device and must use the lower priority or they are
	// treated as user-visible and dropped.
	priorityImmediate  = "10"
	priorityBackground = "5"
)

// permanentReasons are the gateway failure reasons that will never succeed
// again for the same destination without the app re-registering it. Anything
// not listed here (rate limiting, internal errors, unknown reasons) is
// treated as retryable.
var permanentReasons = map[string]bool{
	"Unregistered":           true,
	"BadDeviceToken":         true,
	"DeviceTokenNotForTopic": true,
	"ExpiredToken":           true,
}

// DeliveryError is a non-200 gateway response.
type DeliveryError struct {
	Status    int
	Reason    string
	Permanent bool
}

func (e *DeliveryError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("gateway returned status %d", e.Status)
	}
	return fmt.Sprintf("gateway returned status %d: %s", e.Status, e.Reason)
}

// IsPermanent reports whether err is a delivery failure for a destination
// that is gone for good. Sending to it again will never succeed.
func IsPermanent(err error) bool {
	var de *DeliveryError
	return xerrors.As(err, &de) && de.Permanent
}

// ClientConfig configures the gateway connection for one application
// namespace.
type ClientConfig struct {
	// BundleID is the application namespace; it is also the bare push topic.
	BundleID string
	// Development selects the sandbox gateway.
	Development bool
	// URL overrides the gateway host entirely. Mostly useful for tests.
	URL string
}

func (c ClientConfig) host() string {
	if c.URL != "" {
		return c.URL
	}
	if c.Development {
		return HostSandbox
	}
	return HostProduction
}

// Client sends pushes to the vendor gateway over a single connection-reused
// HTTP/2 transport. It has no side effects beyond the network call; in
// particular it never touches the tracking store.
type Client struct {
	cfg    ClientConfig
	tokens *TokenSource
	log    slog.Logger
	clock  quartz.Clock

	cl *http.Client
}

func NewClient(cfg ClientConfig, tokens *TokenSource, log slog.Logger, clock quartz.Clock) *Client {
	return &Client{
		cfg:    cfg,
		tokens: tokens,
		log:    log,
		clock:  clock,
		cl:     &http.Client{Transport: &http2.Transport{}},
	}
}

// WithHTTPClient replaces the underlying HTTP client. It allows tests to
// point the client at a local fake gateway.
func (c *Client) WithHTTPClient(cl *http.Client) {
	c.cl = cl
}

type apsFields struct {
	Timestamp        int64           `json:"timestamp,omitempty"`
	Event            string          `json:"event,omitempty"`
	ContentState     json.RawMessage `json:"content-state,omitempty"`
	ContentAvailable int             `json:"content-available,omitempty"`
}

type pushEnvelope struct {
	Aps apsFields `json:"aps"`
}

// PushUpdate sends a visible content-state update to the widget addressed by
// pushToken. contentState is the application-defined payload rendered by the
// widget; the client wraps it in the provider envelope unmodified.
//
// The returned retryable flag follows the dispatch contract: a false flag
// with a non-nil error means the destination is permanently invalid.
func (c *Client) PushUpdate(ctx context.Context, pushToken string, contentState json.RawMessage) (retryable bool, err error) {
	body := pushEnvelope{Aps: apsFields{
		Timestamp:    c.clock.Now().Unix(),
		Event:        "update",
		ContentState: contentState,
	}}
	return c.send(ctx, pushToken, body, header{
		topic:    c.cfg.BundleID + ".push-type.liveactivity",
		pushType: pushTypeLiveActivity,
		priority: priorityImmediate,
	})
}

// PushSilent sends a background wake to the application on the device
// addressed by deviceToken. It carries no visible content; its only purpose
// is to make the app resync its counter so the next update push has real
// data.
func (c *Client) PushSilent(ctx context.Context, deviceToken string) (retryable bool, err error) {
	body := pushEnvelope{Aps: apsFields{ContentAvailable: 1}}
	return c.send(ctx, deviceToken, body, header{
		topic:    c.cfg.BundleID,
		pushType: pushTypeBackground,
		priority: priorityBackground,
	})
}

type header struct {
	topic    string
	pushType string
	priority string
}

func (c *Client) send(ctx context.Context, address string, body pushEnvelope, hdr header) (retryable bool, err error) {
	token, err := c.tokens.Token()
	if err != nil {
		// Not a delivery failure; surfaced as retryable so no destination is
		// ever deleted over missing credentials.
		return true, xerrors.Errorf("provider token: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return false, xerrors.Errorf("marshal push payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.host()+"/3/device/"+address, bytes.NewReader(payload))
	if err != nil {
		return false, xerrors.Errorf("create gateway request: %w", err)
	}
	id := uuid.NewString()
	req.Header.Set("authorization", "bearer "+token)
	req.Header.Set("content-type", "application/json")
	req.Header.Set("apns-id", id)
	req.Header.Set("apns-topic", hdr.topic)
	req.Header.Set("apns-push-type", hdr.pushType)
	req.Header.Set("apns-priority", hdr.priority)
	req.Header.Set("apns-expiration", "0")

	resp, err := c.cl.Do(req)
	if err != nil {
		// Timeouts and connection failures are always worth retrying on a
		// later tick.
		return true, xerrors.Errorf("send push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		c.log.Debug(ctx, "push accepted", slog.F("apns_id", id), slog.F("push_type", hdr.pushType))
		return false, nil
	}

	var gw struct {
		Reason string `json:"reason"`
	}
	// A missing or malformed error body leaves the reason empty, which
	// classifies as retryable.
	_ = json.NewDecoder(io.LimitReader(resp.Body, 512)).Decode(&gw)

	derr := &DeliveryError{
		Status:    resp.StatusCode,
		Reason:    gw.Reason,
		Permanent: permanentReasons[gw.Reason],
	}
	return !derr.Permanent, derr
}
