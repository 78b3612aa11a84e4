// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package eventqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.gearno.de/teamreg/httpclient"
)

type (
	// Sender delivers one event. A non-nil error makes the queue
	// retry the event.
	Sender interface {
		Send(ctx context.Context, e *Event) error
	}

	// SenderFunc adapts a function to the Sender interface.
	SenderFunc func(ctx context.Context, e *Event) error

	// HTTPSender posts events as JSON to the analytics ingestion
	// endpoints of a teamreg server.
	HTTPSender struct {
		baseURL string
		client  *http.Client
	}
)

var (
	_ Sender = (*HTTPSender)(nil)
	_ Sender = SenderFunc(nil)
)

func (f SenderFunc) Send(ctx context.Context, e *Event) error {
	return f(ctx, e)
}

// NewHTTPSender returns a sender posting to
// <baseURL>/api/analytics/<endpoint>. A nil client defaults to a
// pooled httpclient.
func NewHTTPSender(baseURL string, client *http.Client, options ...httpclient.Option) (*HTTPSender, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("cannot parse base url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}

	if client == nil {
		client = httpclient.DefaultPooledClient(options...)
	}

	return &HTTPSender{
		baseURL: strings.TrimSuffix(u.String(), "/"),
		client:  client,
	}, nil
}

func (s *HTTPSender) Send(ctx context.Context, e *Event) error {
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("cannot marshal event payload: %w", err)
	}

	endpoint := s.baseURL + "/api/analytics/" + url.PathEscape(e.Endpoint)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("cannot create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("cannot send event: %w", err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("cannot send event: unexpected status code %d", resp.StatusCode)
	}

	return nil
}
