package feedapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line string
		ok   bool
		code string
	}{
		{"GIFT2025 31.12.2025", true, "GIFT2025"},
		{"  abc123   01.02.2026 ", true, "abc123"},
		{"GIFT2025", false, ""},
		{"GIFT-2025 31.12.2025", false, ""},
		{"GIFT2025 2025-12-31", false, ""},
		{"GIFT2025 31.12.2025 extra", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			e, ok := ParseLine(tt.line)
			if ok != tt.ok {
				t.Fatalf("expected ok=%v, got %v", tt.ok, ok)
			}
			if ok && e.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, e.Code)
			}
		})
	}
}

func TestClient_List(t *testing.T) {
	bodies := map[string]string{
		"json array": `{"codes":["AAA 01.01.2026","bad line","BBB 02.01.2026"]}`,
		"json text":  `{"codes":"AAA 01.01.2026\nbad line\nBBB 02.01.2026"}`,
		"plain":      "AAA 01.01.2026\nbad line\n\nBBB 02.01.2026\n",
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet {
					t.Errorf("expected GET, got %s", r.Method)
				}
				_, _ = w.Write([]byte(body))
			}))
			defer server.Close()

			entries, malformed, err := NewClient(Config{URL: server.URL}).List(context.Background())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			want := []Entry{
				{Code: "AAA", ExpiresOn: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
				{Code: "BBB", ExpiresOn: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)},
			}
			if diff := cmp.Diff(want, entries); diff != "" {
				t.Errorf("entries mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff([]string{"bad line"}, malformed); diff != "" {
				t.Errorf("malformed mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestClient_AddRemove(t *testing.T) {
	var calls []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "key" {
			t.Errorf("expected api key header, got %q", r.Header.Get("X-API-Key"))
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		calls = append(calls, r.Method+" "+body["code"]+" "+body["date"])
		if body["code"] == "DUP" {
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "already exists"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer server.Close()

	c := NewClient(Config{URL: server.URL, APIKey: "key"})
	exp := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	if err := c.Add(context.Background(), "NEW", &exp); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.Remove(context.Background(), "OLD"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := c.Add(context.Background(), "DUP", nil); err == nil {
		t.Error("expected error for unsuccessful add")
	}

	want := []string{"POST NEW 04.03.2026", "DELETE OLD ", "POST DUP "}
	if diff := cmp.Diff(want, calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestClient_Exists(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("action") != "check" {
			t.Errorf("expected action=check, got %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"exists": r.URL.Query().Get("giftcode") == "YES"})
	}))
	defer server.Close()

	c := NewClient(Config{URL: server.URL})
	if ok, err := c.Exists(context.Background(), "YES"); err != nil || !ok {
		t.Errorf("expected exists, got %v %v", ok, err)
	}
	if ok, err := c.Exists(context.Background(), "NO"); err != nil || ok {
		t.Errorf("expected not exists, got %v %v", ok, err)
	}
}

func TestClient_HTTPErrors(t *testing.T) {
	tests := []struct {
		status int
		target error
	}{
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusServiceUnavailable, ErrServer},
	}
	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(tt.status)
		}))

		_, _, err := NewClient(Config{URL: server.URL}).List(context.Background())
		server.Close()

		if !errors.Is(err, tt.target) {
			t.Errorf("status %d: expected %v, got %v", tt.status, tt.target, err)
		}
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.RetryAfter != 3*time.Second {
			t.Errorf("expected retry after 3s, got %v", httpErr.RetryAfter)
		}
	}
}
