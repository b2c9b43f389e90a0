package rendercache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	// DefaultTTL is the fallback TTL when the origin sends no Expires header
	DefaultTTL = 10 * time.Minute
)

// hopHeaders are never stored with a cached render.
var hopHeaders = []string{"Connection", "Keep-Alive", "Transfer-Encoding", "Set-Cookie", "Date"}

// ResponseToEntry converts an origin response to an Entry.
// The response body is restored after reading.
func ResponseToEntry(resp *http.Response, timestamp int64, ttl time.Duration) (*Entry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))

	headers := resp.Header.Clone()
	for _, h := range hopHeaders {
		headers.Del(h)
	}

	now := time.Now()
	entry := &Entry{
		Data:       body,
		ETag:       resp.Header.Get("ETag"),
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Timestamp:  timestamp,
		CachedAt:   now,
	}
	if entry.ETag == "" {
		entry.ETag = ComputeETag(body)
	}
	entry.Expires = parseExpires(resp.Header, ttl)

	if lastModStr := resp.Header.Get("Last-Modified"); lastModStr != "" {
		if lastMod, err := http.ParseTime(lastModStr); err == nil {
			entry.LastModified = lastMod
		}
	}
	if entry.LastModified.IsZero() && timestamp > 0 {
		entry.LastModified = time.UnixMilli(timestamp)
	}

	return entry, nil
}

// ComputeETag derives a strong validator from the body.
func ComputeETag(body []byte) string {
	return `"` + strconv.FormatUint(xxhash.Sum64(body), 16) + `"`
}

// parseExpires returns the origin's Expires time, or now + ttl when it is
// missing or unparsable.
func parseExpires(headers http.Header, ttl time.Duration) time.Time {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	expiresStr := headers.Get("Expires")
	if expiresStr == "" {
		return time.Now().Add(ttl)
	}

	expires, err := http.ParseTime(expiresStr)
	if err != nil {
		return time.Now().Add(ttl)
	}
	if expires.Before(time.Now()) {
		return time.Now()
	}
	return expires
}

// NotModified reports whether the request's validators match the entry.
// If-None-Match takes precedence over If-Modified-Since.
func NotModified(r *http.Request, entry *Entry) bool {
	if entry == nil || r == nil {
		return false
	}
	if inm := r.Header.Get("If-None-Match"); inm != "" {
		if entry.ETag == "" {
			return false
		}
		for _, tag := range strings.Split(inm, ",") {
			tag = strings.TrimSpace(tag)
			if tag == "*" || strings.TrimPrefix(tag, "W/") == strings.TrimPrefix(entry.ETag, "W/") {
				return true
			}
		}
		return false
	}
	if ims := r.Header.Get("If-Modified-Since"); ims != "" && !entry.LastModified.IsZero() {
		since, err := http.ParseTime(ims)
		if err != nil {
			return false
		}
		return !entry.LastModified.Truncate(time.Second).After(since)
	}
	return false
}

// WriteEntry writes a cached render to w, answering matching conditional
// requests with 304 Not Modified.
func WriteEntry(w http.ResponseWriter, r *http.Request, entry *Entry) {
	h := w.Header()
	for name, values := range entry.Headers {
		for _, v := range values {
			h.Add(name, v)
		}
	}
	if entry.ETag != "" {
		h.Set("ETag", entry.ETag)
	}
	if !entry.LastModified.IsZero() {
		h.Set("Last-Modified", entry.LastModified.UTC().Format(http.TimeFormat))
	}

	if entry.StatusCode == http.StatusOK && NotModified(r, entry) {
		NotModifiedResponses.Inc()
		h.Del("Content-Length")
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h.Set("Content-Length", strconv.Itoa(len(entry.Data)))
	status := entry.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(entry.Data)
	}
}
