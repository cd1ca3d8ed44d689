// SPDX-License-Identifier: MIT

// Package pds speaks XRPC to a personal data server: batch writes, record
// enumeration, and identity resolution.
package pds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/scrobsky/scrobsky/internal/httpx"
	"github.com/scrobsky/scrobsky/internal/records"
)

// CreateType is the union tag of a create operation inside applyWrites.
const CreateType = "com.atproto.repo.applyWrites#create"

// MaxWritesPerCall is the server's cap on operations per applyWrites request.
const MaxWritesPerCall = 200

// maxErrorBody bounds how much of an error response is kept for logs.
const maxErrorBody = 2048

// Session is the authenticated handle the publisher borrows from the auth
// collaborator. Read-only within this package.
type Session struct {
	AccountID   string // DID
	PDSBaseURL  string
	AccessToken string
}

// Client is an XRPC client bound to one session.
type Client struct {
	http    *http.Client
	session Session
}

// NewClient creates a client sharing the given HTTP client for connection
// pooling across all requests of a run.
func NewClient(httpClient *http.Client, session Session) *Client {
	return &Client{http: httpClient, session: session}
}

// Session returns the bound session.
func (c *Client) Session() Session {
	return c.session
}

// Write is one create operation in an applyWrites batch.
type Write struct {
	Type       string             `json:"$type"`
	Collection string             `json:"collection"`
	RKey       string             `json:"rkey"`
	Value      records.PlayRecord `json:"value"`
}

// WriteResult is the server's handle for one applied operation.
type WriteResult struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

type applyWritesRequest struct {
	Repo     string  `json:"repo"`
	Validate bool    `json:"validate"`
	Writes   []Write `json:"writes"`
}

type applyWritesResponse struct {
	Results []WriteResult `json:"results"`
}

// ApplyWrites submits a batch of create operations. Operations are applied in
// array order and the call is all-or-nothing. Response headers are returned
// on success and on HTTP-level failure so the governor can observe quota.
func (c *Client) ApplyWrites(ctx context.Context, writes []Write) ([]WriteResult, http.Header, error) {
	if len(writes) == 0 {
		return nil, nil, nil
	}
	if len(writes) > MaxWritesPerCall {
		return nil, nil, fmt.Errorf("applyWrites: %d operations exceeds the %d cap", len(writes), MaxWritesPerCall)
	}

	body, err := json.Marshal(applyWritesRequest{
		Repo:     c.session.AccountID,
		Validate: true,
		Writes:   writes,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("applyWrites: encode request: %w", err)
	}

	var parsed applyWritesResponse
	header, err := c.postJSON(ctx, "com.atproto.repo.applyWrites", body, &parsed)
	if err != nil {
		return nil, header, err
	}
	if len(parsed.Results) != len(writes) {
		return nil, header, &httpx.APIError{
			Sentinel:  httpx.ErrValidation,
			Operation: "applyWrites",
			Body:      fmt.Sprintf("expected %d results, got %d", len(writes), len(parsed.Results)),
		}
	}
	return parsed.Results, header, nil
}

// ListedRecord is one remote record returned by enumeration.
type ListedRecord struct {
	URI   string          `json:"uri"`
	CID   string          `json:"cid"`
	Value json.RawMessage `json:"value"`
}

type listRecordsResponse struct {
	Cursor  string         `json:"cursor"`
	Records []ListedRecord `json:"records"`
}

// ListRecords fetches one page of the account's records in the collection.
// An empty returned cursor means the enumeration is complete.
func (c *Client) ListRecords(ctx context.Context, collection, cursor string, limit int) ([]ListedRecord, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	q := url.Values{}
	q.Set("repo", c.session.AccountID)
	q.Set("collection", collection)
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var parsed listRecordsResponse
	if _, err := c.getJSON(ctx, "com.atproto.repo.listRecords", q, &parsed); err != nil {
		return nil, "", err
	}
	return parsed.Records, parsed.Cursor, nil
}

func (c *Client) xrpcURL(method string) string {
	return strings.TrimRight(c.session.PDSBaseURL, "/") + "/xrpc/" + method
}

func (c *Client) postJSON(ctx context.Context, method string, body []byte, out any) (http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.xrpcURL(method), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	return c.do(req, method, out)
}

func (c *Client) getJSON(ctx context.Context, method string, q url.Values, out any) (http.Header, error) {
	u := c.xrpcURL(method)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", method, err)
	}
	c.authorize(req)
	return c.do(req, method, out)
}

func (c *Client) authorize(req *http.Request) {
	if c.session.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.session.AccessToken)
	}
}

func (c *Client) do(req *http.Request, op string, out any) (http.Header, error) {
	res, err := c.http.Do(req)
	if err != nil {
		return nil, &httpx.APIError{Sentinel: httpx.ErrTransport, Operation: op, Err: err}
	}
	defer res.Body.Close() //nolint:errcheck // response body

	if res.StatusCode < 200 || res.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return res.Header, &httpx.APIError{
			Sentinel:  httpx.SentinelForStatus(res.StatusCode),
			Operation: op,
			Status:    res.StatusCode,
			Body:      strings.TrimSpace(string(snippet)),
		}
	}

	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return res.Header, &httpx.APIError{Sentinel: httpx.ErrValidation, Operation: op, Err: err}
		}
	}
	return res.Header, nil
}
