package router

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxFetchBytes = 20 << 20

// handleCallAPI proxies an authenticated request to the backend. The expiry
// check runs strictly before any network I/O: an expired token never reaches
// the wire.
func (r *Router) handleCallAPI(ctx context.Context, req *Request) Response {
	cred, ok := r.store.GetToken(r.now())
	if !ok {
		return failStr("no_token")
	}
	if req.Msg.Path == "" {
		return failStr("path required")
	}

	method := req.Msg.Method
	if method == "" {
		if len(req.Msg.Body) > 0 {
			method = http.MethodPost
		} else {
			method = http.MethodGet
		}
	}

	var body io.Reader
	if len(req.Msg.Body) > 0 {
		body = bytes.NewReader(req.Msg.Body)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.APITimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, method, r.cfg.APIBase(req.Msg.IsDev)+req.Msg.Path, body)
	if err != nil {
		return Fail(fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Authorization", "Bearer "+cred.Token)
	if len(req.Msg.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Msg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return Fail(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return Fail(fmt.Errorf("read response: %w", err))
	}

	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		data = string(raw)
	}

	return Response{
		"ok":     resp.StatusCode < 400,
		"status": resp.StatusCode,
		"data":   data,
	}
}

type blobEntry struct {
	URL    string `json:"url"`
	Base64 string `json:"base64,omitempty"`
	Type   string `json:"type,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleFetchImageBlobs downloads each image and returns it base64-encoded.
// One bad URL never fails the batch; its entry carries the error instead.
func (r *Router) handleFetchImageBlobs(ctx context.Context, req *Request) Response {
	var payload struct {
		ImageURLs []string `json:"imageUrls"`
	}
	if err := unmarshalPayload(req.Msg.Payload, &payload); err != nil {
		return Fail(err)
	}
	if len(payload.ImageURLs) == 0 {
		return failStr("imageUrls required")
	}

	blobs := make([]blobEntry, 0, len(payload.ImageURLs))
	for _, u := range payload.ImageURLs {
		blobs = append(blobs, r.fetchBlob(ctx, u))
	}
	return Response{"ok": true, "blobs": blobs}
}

func (r *Router) fetchBlob(ctx context.Context, imageURL string) blobEntry {
	entry := blobEntry{URL: imageURL}

	fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, imageURL, nil)
	if err != nil {
		entry.Error = err.Error()
		return entry
	}
	resp, err := r.client.Do(httpReq)
	if err != nil {
		entry.Error = err.Error()
		return entry
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		entry.Error = fmt.Sprintf("status %d", resp.StatusCode)
		return entry
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		entry.Error = err.Error()
		return entry
	}

	entry.Base64 = base64.StdEncoding.EncodeToString(data)
	entry.Type = resp.Header.Get("Content-Type")
	if entry.Type == "" {
		entry.Type = sniffImageType(imageURL)
	}
	return entry
}

func sniffImageType(imageURL string) string {
	switch {
	case strings.HasSuffix(imageURL, ".png"):
		return "image/png"
	case strings.HasSuffix(imageURL, ".gif"):
		return "image/gif"
	case strings.HasSuffix(imageURL, ".webp"):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
