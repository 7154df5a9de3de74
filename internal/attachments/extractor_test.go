package attachments

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/haasonsaas/relay/pkg/models"
)

func newServer(t *testing.T, body string, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestExtract_CachesByID(t *testing.T) {
	srv, hits := newServer(t, "package main\n", http.StatusOK)
	e, err := New(Config{HTTPClient: srv.Client()})
	if err != nil {
		t.Fatal(err)
	}
	att := models.Attachment{ID: "a1", URL: srv.URL + "/main.go", Filename: "main.go", MimeType: "text/x-go", Size: 13}

	for i := 0; i < 2; i++ {
		text, err := e.Extract(context.Background(), att)
		if err != nil {
			t.Fatalf("Extract() error = %v", err)
		}
		if text != "package main\n" {
			t.Errorf("Extract() = %q", text)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("server hit %d times, want 1", hits.Load())
	}
}

func TestExtract_Rejections(t *testing.T) {
	srv, hits := newServer(t, strings.Repeat("x", 64), http.StatusOK)
	e, _ := New(Config{MaxSize: 32, HTTPClient: srv.Client()})
	ctx := context.Background()

	tests := []struct {
		name string
		att  models.Attachment
		want error
	}{
		{"image", models.Attachment{ID: "i", URL: srv.URL, MimeType: "image/png", Size: 10}, ErrUnsupportedType},
		{"no type", models.Attachment{ID: "n", URL: srv.URL, Size: 10}, ErrUnsupportedType},
		{"declared size", models.Attachment{ID: "d", URL: srv.URL, MimeType: "text/plain", Size: 33}, ErrTooLarge},
		{"actual size", models.Attachment{ID: "s", URL: srv.URL, MimeType: "application/json", Size: 10}, ErrTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.Extract(ctx, tt.att); !errors.Is(err, tt.want) {
				t.Errorf("Extract() error = %v, want %v", err, tt.want)
			}
		})
	}
	if hits.Load() != 1 {
		t.Errorf("server hit %d times, only the undersized declaration should download", hits.Load())
	}
}

func TestExtract_HTTPError(t *testing.T) {
	srv, _ := newServer(t, "gone", http.StatusNotFound)
	e, _ := New(Config{HTTPClient: srv.Client()})

	_, err := e.Extract(context.Background(), models.Attachment{ID: "a", URL: srv.URL, MimeType: "text/plain"})
	if err == nil || !strings.Contains(err.Error(), "HTTP 404") {
		t.Errorf("Extract() error = %v", err)
	}
}

func TestExtract_InvalidUTF8(t *testing.T) {
	srv, _ := newServer(t, "ok\xff", http.StatusOK)
	e, _ := New(Config{HTTPClient: srv.Client()})

	text, err := e.Extract(context.Background(), models.Attachment{URL: srv.URL, MimeType: "text/plain"})
	if err != nil {
		t.Fatal(err)
	}
	if text != "ok�" {
		t.Errorf("Extract() = %q", text)
	}
}

func TestExtract_Cancelled(t *testing.T) {
	srv, _ := newServer(t, "x", http.StatusOK)
	e, _ := New(Config{HTTPClient: srv.Client()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := e.Extract(ctx, models.Attachment{URL: srv.URL, MimeType: "text/plain"}); !errors.Is(err, context.Canceled) {
		t.Errorf("Extract() error = %v, want context.Canceled", err)
	}
}
