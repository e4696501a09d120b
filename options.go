package webpush

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
)

// DefaultTTL is four weeks, in seconds.
const DefaultTTL = 2419200

// Options configures one web push notification. The zero value sends with
// the process-wide defaults, AES128GCM, a four week TTL and normal urgency.
type Options struct {
	// Headers are extra request headers. A header that is also controlled
	// by a field set here (for example TTL) is rejected.
	Headers map[string]string
	// GCMAPIKey overrides the process-wide legacy GCM key.
	GCMAPIKey string
	// VAPIDDetails overrides the process-wide VAPID details.
	VAPIDDetails *VAPIDDetails
	// TTL is the time-to-live in seconds. Nil means DefaultTTL.
	TTL *int
	// ContentEncoding defaults to AES128GCM.
	ContentEncoding ContentEncoding
	// Urgency defaults to UrgencyNormal.
	Urgency Urgency
	// Topic replaces pending messages with the same topic. At most 32
	// URL-safe base64 characters.
	Topic string
	// Proxy is an HTTP(S) proxy URL for the push request.
	Proxy string
	// Agent is the transport for the push request. Ignored if Proxy is set.
	Agent http.RoundTripper
	// Timeout bounds the push request.
	Timeout time.Duration
}

// Int returns a pointer to v, for Options.TTL.
func Int(v int) *int {
	return &v
}

var optionKeys = []string{
	"headers",
	"gcmAPIKey",
	"vapidDetails",
	"TTL",
	"contentEncoding",
	"urgency",
	"topic",
	"proxy",
	"agent",
	"timeout",
}

// ParseOptions decodes options from a JSON object using the same key names
// as the JavaScript web-push library. Unknown keys are rejected. An "agent"
// cannot be expressed in JSON and is ignored with a warning; "timeout" is in
// milliseconds.
func ParseOptions(ctx context.Context, data []byte) (*Options, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, invalid("options", "not a JSON object: %v", err)
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if !slices.Contains(optionKeys, k) {
			return nil, invalid("options", "%q is an invalid option, the valid options are ['%s']", k, strings.Join(optionKeys, "', '"))
		}
	}

	log := clog.FromContext(ctx)
	opts := &Options{}
	for _, k := range keys {
		v := raw[k]
		if isNull(v) {
			continue
		}
		var err error
		switch k {
		case "headers":
			opts.Headers, err = parseHeaders(v)
		case "gcmAPIKey":
			err = decodeOption(k, v, &opts.GCMAPIKey)
		case "vapidDetails":
			opts.VAPIDDetails = &VAPIDDetails{}
			err = decodeOption(k, v, opts.VAPIDDetails)
		case "TTL":
			var ttl int
			if err = decodeOption(k, v, &ttl); err == nil {
				opts.TTL = &ttl
			}
		case "contentEncoding":
			err = decodeOption(k, v, &opts.ContentEncoding)
		case "urgency":
			err = decodeOption(k, v, &opts.Urgency)
		case "topic":
			err = decodeOption(k, v, &opts.Topic)
		case "proxy":
			if json.Unmarshal(v, &opts.Proxy) != nil {
				log.Warn("ignoring proxy option: not a string", "proxy", string(v))
			}
		case "agent":
			log.Warn("ignoring agent option: a transport cannot be configured from JSON")
		case "timeout":
			var ms int64
			if json.Unmarshal(v, &ms) != nil {
				log.Warn("ignoring timeout option: not an integer number of milliseconds", "timeout", string(v))
				break
			}
			opts.Timeout = time.Duration(ms) * time.Millisecond
		}
		if err != nil {
			return nil, err
		}
	}
	return opts, nil
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func decodeOption(key string, v json.RawMessage, dst any) error {
	if err := json.Unmarshal(v, dst); err != nil {
		return invalid(key, "%v", err)
	}
	return nil
}

// parseHeaders accepts string, number and boolean header values.
func parseHeaders(v json.RawMessage) (map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(v, &raw); err != nil {
		return nil, invalid("headers", "must be an object: %v", err)
	}
	headers := make(map[string]string, len(raw))
	for name, value := range raw {
		var s string
		if json.Unmarshal(value, &s) == nil {
			headers[name] = s
			continue
		}
		var scalar any
		if err := json.Unmarshal(value, &scalar); err != nil {
			return nil, invalid("headers."+name, "%v", err)
		}
		switch scalar.(type) {
		case float64, bool:
			headers[name] = string(bytes.TrimSpace(value))
		default:
			return nil, invalid("headers."+name, "must be a string, number or boolean")
		}
	}
	return headers, nil
}
