// Package store implements the HTTP client for the item store, the
// remote CRUD service that persists confirmed mutations and is the
// source of truth for item state.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"
)

// TransientError wraps an error that is likely temporary (network
// failure, 5xx) and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Rejection is a terminal write refusal from the item store: the server
// understood the request and said no. Carries enough detail for the UI
// layer to surface a structured validation error.
type Rejection struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *Rejection) Error() string {
	return fmt.Sprintf("store rejected write (%d %s): %s", e.Status, e.Code, e.Message)
}

// IsRejection reports whether err is a store rejection, as opposed to a
// transport-level failure.
func IsRejection(err error) bool {
	var r *Rejection
	return errors.As(err, &r)
}

// ItemStore is the write interface the sync engine needs from the remote
// store. Write persists the payload as the new state of the item and
// returns the confirmed state; a nil payload deletes the item. The call
// is idempotent on retry.
type ItemStore interface {
	Write(ctx context.Context, itemType, itemID string, payload json.RawMessage) (json.RawMessage, error)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow,
	// matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout bounds requests made with the default client.
	httpClientTimeout = 30 * time.Second

	// maxResponseBytes caps response body reads so a misbehaving server
	// cannot consume unbounded memory.
	maxResponseBytes = 4 * 1024 * 1024
)

// Client talks to the item store's REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the bearer token never leaks to
// a third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an item store client. If httpClient is nil, a client
// with a 30-second timeout and same-host redirect policy is used.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		token:      token,
	}
}

// Write persists the payload as the new state of (itemType, itemID) and
// returns the state the server confirmed. A nil payload issues a delete.
// 4xx responses return a *Rejection; network errors and 5xx responses
// return a *TransientError.
func (c *Client) Write(ctx context.Context, itemType, itemID string, payload json.RawMessage) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/api/items/%s/%s",
		c.baseURL, url.PathEscape(itemType), url.PathEscape(itemID))

	method := http.MethodPut

	var body io.Reader
	if payload == nil {
		method = http.MethodDelete
	} else {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("building store request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("store request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading store response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if payload == nil {
			return nil, nil
		}

		return json.RawMessage(respBody), nil

	case resp.StatusCode >= 500:
		return nil, &TransientError{
			Err: fmt.Errorf("store returned %d: %s", resp.StatusCode, sanitizeBody(respBody)),
		}

	default:
		rej := &Rejection{Status: resp.StatusCode}
		if err := json.Unmarshal(respBody, rej); err != nil || rej.Message == "" {
			rej.Code = "rejected"
			rej.Message = sanitizeBody(respBody)
		}

		return nil, rej
	}
}

// sanitizeBody truncates and sanitizes a response body for inclusion in
// error messages: at most 256 bytes, control characters replaced, valid
// UTF-8 enforced.
func sanitizeBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 || r == 0x7f {
			clean = append(clean, ' ')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
