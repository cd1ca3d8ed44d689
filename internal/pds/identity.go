// SPDX-License-Identifier: MIT

package pds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/scrobsky/scrobsky/internal/httpx"
)

// MiniDoc is the condensed identity document returned by the resolver.
type MiniDoc struct {
	DID        string `json:"did"`
	Handle     string `json:"handle"`
	PDS        string `json:"pds"`
	SigningKey string `json:"signing_key"`
}

// ResolveIdentity resolves a handle or DID into its mini identity document
// using the given resolver base URL.
func ResolveIdentity(ctx context.Context, httpClient *http.Client, resolver, identifier string) (MiniDoc, error) {
	u := strings.TrimRight(resolver, "/") +
		"/xrpc/com.bad-example.identity.resolveMiniDoc?identifier=" + url.QueryEscape(identifier)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return MiniDoc{}, fmt.Errorf("resolve identity: build request: %w", err)
	}

	res, err := httpClient.Do(req)
	if err != nil {
		return MiniDoc{}, &httpx.APIError{Sentinel: httpx.ErrTransport, Operation: "resolveMiniDoc", Err: err}
	}
	defer res.Body.Close() //nolint:errcheck // response body

	if res.StatusCode < 200 || res.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return MiniDoc{}, &httpx.APIError{
			Sentinel:  httpx.SentinelForStatus(res.StatusCode),
			Operation: "resolveMiniDoc",
			Status:    res.StatusCode,
			Body:      strings.TrimSpace(string(snippet)),
		}
	}

	var doc MiniDoc
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		return MiniDoc{}, &httpx.APIError{Sentinel: httpx.ErrValidation, Operation: "resolveMiniDoc", Err: err}
	}
	if doc.DID == "" || doc.PDS == "" {
		return MiniDoc{}, &httpx.APIError{
			Sentinel:  httpx.ErrValidation,
			Operation: "resolveMiniDoc",
			Body:      "document missing did or pds",
		}
	}
	return doc, nil
}
