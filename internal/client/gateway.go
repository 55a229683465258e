package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Gateway is the outbound transport to the SMS provider.
type Gateway interface {
	// Send delivers content to a single phone number and returns the raw
	// provider response for diagnostics.
	Send(ctx context.Context, phone, content string) (raw string, err error)
}

// GatewayError is a failed gateway call. Retryable errors (network faults,
// timeouts, 5xx) may be attempted again; non-retryable ones (rejected
// request, bad phone) fail immediately.
type GatewayError struct {
	Message   string
	Raw       string
	Retryable bool
}

func (e *GatewayError) Error() string {
	return e.Message
}

// phoneRe matches eight-digit numbers with an optional space in the middle,
// e.g. "1234 5678" or "85212345678" after country-code prefixing upstream.
var phoneRe = regexp.MustCompile(`^\d{8}$|^\d{11}$`)

// ValidPhone reports whether phone is acceptable to the gateway.
func ValidPhone(phone string) bool {
	return phoneRe.MatchString(strings.ReplaceAll(phone, " ", ""))
}

// HKTClient talks to the HKT SMS gateway. The gateway accepts a form POST
// with the application id, recipient (mrt), sender number and UTF-8 message
// body, and answers with a plain-text status line starting with "OK" or
// "ERROR".
type HKTClient struct {
	baseURL       string
	applicationID string
	senderNumber  string
	client        *http.Client
}

func NewHKTClient(baseURL, applicationID, senderNumber string) *HKTClient {
	return &HKTClient{
		baseURL:       baseURL,
		applicationID: applicationID,
		senderNumber:  senderNumber,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *HKTClient) Send(ctx context.Context, phone, content string) (string, error) {
	form := url.Values{}
	form.Set("application", c.applicationID)
	form.Set("mrt", strings.ReplaceAll(phone, " ", ""))
	form.Set("sender", c.senderNumber)
	form.Set("msg_utf8", content)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &GatewayError{Message: err.Error(), Retryable: false}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &GatewayError{Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	raw := string(body)

	switch {
	case resp.StatusCode >= 500:
		return "", &GatewayError{
			Message:   fmt.Sprintf("gateway error: status=%d body=%q", resp.StatusCode, raw),
			Raw:       raw,
			Retryable: true,
		}
	case resp.StatusCode >= 400:
		return "", &GatewayError{
			Message:   fmt.Sprintf("gateway rejected request: status=%d body=%q", resp.StatusCode, raw),
			Raw:       raw,
			Retryable: false,
		}
	}

	if !strings.HasPrefix(raw, "OK") {
		return "", &GatewayError{
			Message:   fmt.Sprintf("gateway reported failure: body=%q", raw),
			Raw:       raw,
			Retryable: false,
		}
	}

	return raw, nil
}
