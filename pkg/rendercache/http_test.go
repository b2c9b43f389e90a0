package rendercache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/skyvoyage/pagecache/pkg/page"
)

func TestResponseToEntry(t *testing.T) {
	tests := []struct {
		name     string
		resp     *http.Response
		ts       int64
		wantErr  bool
		wantETag string
	}{
		{
			name: "origin validators kept",
			resp: &http.Response{
				StatusCode: 200,
				Header: http.Header{
					"Expires":       []string{time.Now().Add(time.Hour).Format(http.TimeFormat)},
					"Last-Modified": []string{time.Now().Add(-time.Hour).Format(http.TimeFormat)},
					"Etag":          []string{`"origin"`},
					"Set-Cookie":    []string{"session=1"},
				},
				Body: io.NopCloser(bytes.NewReader([]byte("<html></html>"))),
			},
			wantETag: `"origin"`,
		},
		{
			name: "etag computed when missing",
			resp: &http.Response{
				StatusCode: 200,
				Header:     http.Header{},
				Body:       io.NopCloser(bytes.NewReader([]byte("<html></html>"))),
			},
			ts:       1700000000000,
			wantETag: ComputeETag([]byte("<html></html>")),
		},
		{
			name:    "nil response",
			resp:    nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, err := ResponseToEntry(tt.resp, tt.ts, time.Minute)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ResponseToEntry() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			body, _ := io.ReadAll(tt.resp.Body)
			if len(body) == 0 {
				t.Error("Response body was not restored")
			}
			if entry.ETag != tt.wantETag {
				t.Errorf("ETag = %v, want %v", entry.ETag, tt.wantETag)
			}
			if entry.Headers.Get("Set-Cookie") != "" {
				t.Error("Set-Cookie must not be cached")
			}
			if entry.TTL() <= 0 {
				t.Error("entry should not be expired")
			}
			if tt.ts > 0 && !entry.LastModified.Equal(time.UnixMilli(tt.ts)) {
				t.Errorf("LastModified = %v, want page timestamp", entry.LastModified)
			}
		})
	}
}

func TestNotModified(t *testing.T) {
	lastMod := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	entry := &Entry{ETag: `"v1"`, LastModified: lastMod}

	tests := []struct {
		name   string
		header http.Header
		want   bool
	}{
		{"no validators", http.Header{}, false},
		{"matching etag", http.Header{"If-None-Match": {`"v1"`}}, true},
		{"weak matching etag", http.Header{"If-None-Match": {`W/"v1"`}}, true},
		{"etag list", http.Header{"If-None-Match": {`"v0", "v1"`}}, true},
		{"wildcard", http.Header{"If-None-Match": {"*"}}, true},
		{"stale etag", http.Header{"If-None-Match": {`"v0"`}}, false},
		{"etag wins over date", http.Header{
			"If-None-Match":     {`"v0"`},
			"If-Modified-Since": {lastMod.Format(http.TimeFormat)},
		}, false},
		{"not modified since", http.Header{"If-Modified-Since": {lastMod.Format(http.TimeFormat)}}, true},
		{"modified since", http.Header{"If-Modified-Since": {lastMod.Add(-time.Hour).Format(http.TimeFormat)}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header = tt.header
			if got := NotModified(req, entry); got != tt.want {
				t.Errorf("NotModified() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWriteEntry(t *testing.T) {
	entry := &Entry{
		Data:       []byte("<html>hi</html>"),
		ETag:       `"v1"`,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"text/html"}},
	}

	rec := httptest.NewRecorder()
	WriteEntry(rec, httptest.NewRequest(http.MethodGet, "/", nil), entry)
	if rec.Code != http.StatusOK || rec.Body.String() != "<html>hi</html>" {
		t.Errorf("full response = %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("ETag") != `"v1"` || rec.Header().Get("Content-Type") != "text/html" {
		t.Errorf("headers = %v", rec.Header())
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("If-None-Match", `"v1"`)
	rec = httptest.NewRecorder()
	WriteEntry(rec, req, entry)
	if rec.Code != http.StatusNotModified || rec.Body.Len() != 0 {
		t.Errorf("conditional response = %d with %d bytes", rec.Code, rec.Body.Len())
	}
}

type recordingLayer struct {
	evicted []page.Ref
	purges  int
	err     error
}

func (l *recordingLayer) Evict(_ context.Context, ref page.Ref) (int, error) {
	l.evicted = append(l.evicted, ref)
	return 1, l.err
}

func (l *recordingLayer) Purge(context.Context) (int, error) {
	l.purges++
	return 3, l.err
}

func TestLayers(t *testing.T) {
	boom := errors.New("boom")
	a := &recordingLayer{}
	b := &recordingLayer{err: boom}
	c := &recordingLayer{}
	layers := Layers{a, b, c}
	ref := page.Ref{Page: page.Stays}

	n, err := layers.Evict(context.Background(), ref)
	if !errors.Is(err, boom) {
		t.Errorf("Evict error = %v, want boom", err)
	}
	if n != 3 || len(a.evicted) != 1 || len(c.evicted) != 1 {
		t.Error("a failing layer must not stop the others")
	}

	n, err = layers.Purge(context.Background())
	if !errors.Is(err, boom) || n != 9 || c.purges != 1 {
		t.Errorf("Purge = %d, %v", n, err)
	}
}
