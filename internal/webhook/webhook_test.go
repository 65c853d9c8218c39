package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		input string
		err   error
	}{
		{"https://usetrmnl.com/api/custom_plugins/abc", nil},
		{"http://localhost:8080/hook", nil},
		{"", ErrMissingURL},
		{"   ", ErrMissingURL},
		{"ftp://example.com", ErrInvalidURL},
		{"usetrmnl.com/api", ErrInvalidURL},
		{"https://", ErrInvalidURL},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			err := ValidateURL(tt.input)
			if !errors.Is(err, tt.err) {
				t.Errorf("ValidateURL(%q) = %v; want %v", tt.input, err, tt.err)
			}
		})
	}
}

func TestPostSuccess(t *testing.T) {
	var gotBody, gotType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s; want POST", r.Method)
		}
		gotType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Write([]byte(`{"message":"ok"}`))
	}))
	defer server.Close()

	c := New(server.Client())
	resp, err := c.Post(context.Background(), server.URL, []byte(`{"merge_variables":{}}`))
	if err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d", resp.StatusCode)
	}
	if gotType != "application/json" {
		t.Errorf("Content-Type = %q", gotType)
	}
	if gotBody != `{"merge_variables":{}}` {
		t.Errorf("body = %q", gotBody)
	}
	if resp.Body != `{"message":"ok"}` {
		t.Errorf("response body = %q", resp.Body)
	}
}

func TestPostErrorStatusNoRetry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	resp, err := New(server.Client()).Post(context.Background(), server.URL, []byte(`{}`))

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("err = %v; want *StatusError", err)
	}
	if statusErr.StatusCode != http.StatusTooManyRequests || statusErr.Body != "rate limited" {
		t.Errorf("StatusError = %+v", statusErr)
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("resp = %+v", resp)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("calls = %d; want 1", n)
	}
}

func TestPostConnectionError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := New(nil).Post(context.Background(), url, []byte(`{}`))
	if err == nil {
		t.Fatal("Post to a closed server should fail")
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		t.Error("connection failure should not be a StatusError")
	}
}

func TestPostInvalidURL(t *testing.T) {
	_, err := New(nil).Post(context.Background(), "not-a-url", nil)
	if !errors.Is(err, ErrInvalidURL) {
		t.Errorf("err = %v; want ErrInvalidURL", err)
	}
}
