package rtrchttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/peterbourgon/rtrc"
	"github.com/peterbourgon/rtrc/rtrcstore"
)

// HTTPClient models a concrete http.Client.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

var _ HTTPClient = (*http.Client)(nil)

// Client calls a URL assumed to be handled by a [Server].
type Client struct {
	client  HTTPClient
	baseurl string
}

// NewClient returns a client calling the provided URL, which is assumed to be
// an instance of the server also defined in this package.
func NewClient(client HTTPClient, baseurl string) *Client {
	if !strings.HasPrefix(baseurl, "http") {
		baseurl = "http://" + baseurl
	}
	return &Client{
		client:  client,
		baseurl: strings.TrimSuffix(baseurl, "/"),
	}
}

// Status returns the state of the remote gate and store.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var status Status
	err := c.do(ctx, "GET", "/", nil, &status)
	return status, err
}

// Enable tracing for the given routes, or globally if no routes are given.
func (c *Client) Enable(ctx context.Context, routes ...string) (Status, error) {
	form := url.Values{}
	for _, route := range routes {
		form.Add("route", route)
	}
	var status Status
	err := c.do(ctx, "POST", "/enable", form, &status)
	return status, err
}

// Disable tracing.
func (c *Client) Disable(ctx context.Context) (Status, error) {
	var status Status
	err := c.do(ctx, "POST", "/disable", nil, &status)
	return status, err
}

// Traces lists and loads the traces matching the query.
func (c *Client) Traces(ctx context.Context, q rtrcstore.Query) (*TracesResponse, error) {
	urlquery := url.Values{}
	if q.Route != "" {
		urlquery.Set("route", q.Route)
	}
	if q.Latest {
		urlquery.Set("latest", "true")
	}

	path := "/traces"
	if len(urlquery) > 0 {
		path += "?" + urlquery.Encode()
	}

	var res TracesResponse
	if err := c.do(ctx, "GET", path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Trace loads a single trace by name.
func (c *Client) Trace(ctx context.Context, name string) (*rtrc.Record, error) {
	var rec rtrc.Record
	if err := c.do(ctx, "GET", "/traces/"+url.PathEscape(name), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// StatusError is returned when the server responds with a non-200 status.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, dst any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseurl+path, body)
	if err != nil {
		return fmt.Errorf("create HTTP request: %w", err)
	}

	req.Header.Set("accept", "application/json")
	if form != nil {
		req.Header.Set("content-type", "application/x-www-form-urlencoded")
	}

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("execute HTTP request: %w", redactURL(err))
	}
	defer func() {
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
	}()

	if res.StatusCode != http.StatusOK {
		var er errorResponse
		json.NewDecoder(io.LimitReader(res.Body, 64*1024)).Decode(&er)
		return &StatusError{Code: res.StatusCode, Message: er.Error}
	}

	if err := json.NewDecoder(res.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

func redactURL(err error) error {
	if urlErr := (&url.Error{}); errors.As(err, &urlErr) {
		err = fmt.Errorf("%s: %w", urlErr.Op, urlErr.Err)
	}
	return err
}
