// Package webpush sends Web Push API notifications (RFC 8030) with payload
// encryption (RFC 8291, and the older aesgcm draft) and VAPID
// authentication (RFC 8292).
//
// A send has two steps. GenerateRequestDetails validates the input,
// encrypts the payload and builds the headers without any I/O; Client.Send
// delivers the result. SendNotification does both.
package webpush

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
)

// Subscription represents a Web Push subscription from a client.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     Keys   `json:"keys"`
}

// Keys contains the client's encryption keys.
type Keys struct {
	P256dh string `json:"p256dh"` // Client's ECDH public key
	Auth   string `json:"auth"`   // Client's authentication secret
}

// ParseSubscription parses the JSON form of a browser PushSubscription.
func ParseSubscription(data []byte) (*Subscription, error) {
	var sub Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, invalid("subscription", "unmarshaling: %v", err)
	}
	if sub.Endpoint == "" {
		return nil, invalid("subscription.endpoint", "is required")
	}
	if sub.Keys.P256dh == "" {
		return nil, invalid("subscription.keys.p256dh", "is required")
	}
	if sub.Keys.Auth == "" {
		return nil, invalid("subscription.keys.auth", "is required")
	}
	if !strings.HasPrefix(sub.Endpoint, "https://") {
		return nil, invalid("subscription.endpoint", "must use HTTPS")
	}
	return &sub, nil
}

// Response is a 2xx reply from the push service.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       string
}

// Client sends web push notifications.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a new web push client.
func NewClient() *Client {
	return &Client{httpClient: http.DefaultClient}
}

// WithHTTPClient sets a custom HTTP client.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	c.httpClient = httpClient
	return c
}

var defaultClient = NewClient()

// SendNotification composes and sends a notification with the default
// client.
func SendNotification(ctx context.Context, sub *Subscription, payload []byte, opts *Options) (*Response, error) {
	return defaultClient.SendNotification(ctx, sub, payload, opts)
}

// SendNotification composes a request with GenerateRequestDetails and
// sends it.
func (c *Client) SendNotification(ctx context.Context, sub *Subscription, payload []byte, opts *Options) (*Response, error) {
	d, err := GenerateRequestDetails(ctx, sub, payload, opts)
	if err != nil {
		return nil, err
	}
	return c.Send(ctx, d)
}

// Send delivers d. Any 2xx status is success; anything else, and any
// transport failure, is a *DeliveryError.
func (c *Client) Send(ctx context.Context, d *RequestDetails) (*Response, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, d.Method, d.Endpoint, bytes.NewReader(d.Body))
	if err != nil {
		return nil, &DeliveryError{Message: "creating request", Endpoint: d.Endpoint, Err: err}
	}
	for name, values := range d.Header {
		// net/http writes Content-Length from the body.
		if name == "Content-Length" {
			continue
		}
		req.Header[name] = slices.Clone(values)
	}

	resp, err := c.client(d).Do(req)
	if err != nil {
		return nil, &DeliveryError{Message: "sending request", Endpoint: d.Endpoint, Err: transportError(ctx, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		de := &DeliveryError{Message: "reading response", Endpoint: d.Endpoint, Err: transportError(ctx, err)}
		// Cut short by ctx: no answer was received.
		if ctx.Err() == nil {
			de.StatusCode = resp.StatusCode
			de.Header = resp.Header
		}
		return nil, de
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &DeliveryError{
			Message:    "received unexpected response code",
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       string(body),
			Endpoint:   d.Endpoint,
		}
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: string(body)}, nil
}

// transportError makes sure a failure caused by ctx matches its error.
func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

// client returns the HTTP client for d, substituting its proxy or transport.
func (c *Client) client(d *RequestDetails) *http.Client {
	if d.Proxy == nil && d.Transport == nil {
		return c.httpClient
	}
	hc := *c.httpClient
	if d.Proxy == nil {
		hc.Transport = d.Transport
		return &hc
	}
	base, ok := hc.Transport.(*http.Transport)
	if !ok || base == nil {
		base = http.DefaultTransport.(*http.Transport)
	}
	t := base.Clone()
	t.Proxy = http.ProxyURL(d.Proxy)
	hc.Transport = t
	return &hc
}
