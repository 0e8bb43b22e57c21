package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/intake/internal/intake"
)

func testMessage() *intake.Outbound {
	return &intake.Outbound{
		Ref:      "01JN0000000000000000000000",
		To:       "+15550100",
		Message:  "Your appointment has been confirmed.",
		Type:     intake.TypeConfirmation,
		Segments: 1,
	}
}

func TestDeliver_PostsToGateway(t *testing.T) {
	t.Parallel()

	var got intake.Outbound
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	g := New(srv.URL, "s3cret", log.Nop())
	msg := testMessage()
	if err := g.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if got != *msg {
		t.Errorf("payload = %+v, want %+v", got, *msg)
	}
	if ct := headers.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q, want application/json", ct)
	}
	if k := headers.Get("Idempotency-Key"); k != msg.Ref {
		t.Errorf("idempotency key = %q, want %q", k, msg.Ref)
	}
	if a := headers.Get("Authorization"); a != "Bearer s3cret" {
		t.Errorf("authorization = %q, want bearer token", a)
	}
}

func TestDeliver_NoTokenNoAuthHeader(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a := r.Header.Get("Authorization"); a != "" {
			t.Errorf("authorization = %q, want empty", a)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := New(srv.URL, "", nil).Deliver(context.Background(), testMessage()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
}

func TestDeliver_Non2xx(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("carrier unavailable"))
	}))
	defer srv.Close()

	err := New(srv.URL, "", log.Nop()).Deliver(context.Background(), testMessage())
	if err == nil {
		t.Fatal("expected error for 502")
	}
	if !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), "carrier unavailable") {
		t.Errorf("error = %q, want status and body", err)
	}
}

func TestDeliver_ContextDeadline(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := New(srv.URL, "", log.Nop()).Deliver(ctx, testMessage()); err == nil {
		t.Fatal("expected error when context expires")
	}
}

func TestNew_EmptyURLPanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New(\"\") did not panic")
		}
	}()
	New("", "", nil)
}
