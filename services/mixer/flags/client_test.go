// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flags

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext(request string) EvaluationContext {
	return NewContext(
		ContextKind{Kind: KindUser, Key: "session-1", Anonymous: true},
		ContextKind{Kind: KindRequest, Key: request},
	)
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	cfg := DefaultConfig("env-123")
	cfg.BaseURL = url
	cfg.StreamURL = url
	cfg.EventsURL = url
	cfg.StreamInitialBackoff = 10 * time.Millisecond
	cfg.StreamMaxBackoff = 50 * time.Millisecond
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

// =============================================================================
// EvaluationContext
// =============================================================================

func TestEvaluationContext_MarshalMulti(t *testing.T) {
	data, err := json.Marshal(testContext("req-1"))
	require.NoError(t, err)

	assert.JSONEq(t,
		`{"kind":"multi","user":{"key":"session-1","anonymous":true},"request":{"key":"req-1"}}`,
		string(data))
}

func TestEvaluationContext_MarshalSingle(t *testing.T) {
	data, err := json.Marshal(NewContext(ContextKind{Kind: KindUser, Key: "u1"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"user","key":"u1"}`, string(data))
}

func TestEvaluationContext_UnmarshalRoundTrip(t *testing.T) {
	original := testContext("req-9")
	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded EvaluationContext
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original.FullyQualifiedKey(), decoded.FullyQualifiedKey())
	assert.Equal(t, "req-9", decoded.Key(KindRequest))
}

func TestEvaluationContext_Validate(t *testing.T) {
	tests := []struct {
		name    string
		ctx     EvaluationContext
		wantErr bool
	}{
		{"empty", EvaluationContext{}, true},
		{"empty key", NewContext(ContextKind{Kind: KindUser}), true},
		{"reserved kind", NewContext(ContextKind{Kind: "multi", Key: "x"}), true},
		{"valid", testContext("r"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ctx.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEvaluationContext_WithReplacesKind(t *testing.T) {
	ec := testContext("a").With(ContextKind{Kind: KindRequest, Key: "b"})
	assert.Equal(t, "b", ec.Key(KindRequest))
	assert.Len(t, ec.Kinds(), 2)
}

// =============================================================================
// Identify & evaluation
// =============================================================================

func TestClient_IdentifyReplacesCache(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "REPORT", r.Method)
		assert.Equal(t, "/sdk/evalx/env-123/context", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{"bass":{"value":"option2","variation":1,"version":4},"tempo":{"value":120,"version":1}}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	require.NoError(t, c.Identify(context.Background(), testContext("req-1")))

	assert.Equal(t, "multi", gotBody["kind"])
	assert.Equal(t, "option2", c.Evaluate("bass", "option1"))
	assert.Equal(t, "120", c.Evaluate("tempo", ""))
	assert.Equal(t, "fallback", c.Evaluate("missing", "fallback"))
	assert.Equal(t, "req-1", c.CurrentContext().Key(KindRequest))
	assert.Equal(t, State{"bass": "option2", "tempo": "120"}, c.Snapshot())
}

func TestClient_IdentifyFailureKeepsCache(t *testing.T) {
	var fail atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"bass":{"value":"option3","version":1}}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	require.NoError(t, c.Identify(context.Background(), testContext("ok")))

	fail.Store(true)
	err := c.Identify(context.Background(), testContext("broken"))

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "identify", te.Op)
	assert.Equal(t, http.StatusInternalServerError, te.StatusCode)
	assert.True(t, te.Retryable())
	assert.Equal(t, "option3", c.Evaluate("bass", ""))
	assert.Equal(t, "ok", c.CurrentContext().Key(KindRequest))
}

func TestClient_IdentifyRejectsInvalidContext(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:0")
	err := c.Identify(context.Background(), EvaluationContext{})
	assert.Error(t, err)
}

func TestClient_SubscribeReceivesLatest(t *testing.T) {
	value := "option1"
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, `{"melody":{"value":%q,"version":1}}`, value)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	ch, cancel := c.Subscribe()
	defer cancel()

	initial := <-ch
	assert.Empty(t, initial)

	for _, v := range []string{"option2", "option3"} {
		mu.Lock()
		value = v
		mu.Unlock()
		require.NoError(t, c.Identify(context.Background(), testContext(v)))
	}

	select {
	case s := <-ch:
		assert.Equal(t, "option3", s["melody"])
	case <-time.After(time.Second):
		t.Fatal("no state delivered")
	}
}

func TestClient_UnsubscribeClosesChannel(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:0")
	ch, cancel := c.Subscribe()
	<-ch
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
}

// =============================================================================
// Events
// =============================================================================

func TestClient_TrackAndFlush(t *testing.T) {
	var mu sync.Mutex
	var received []map[string]any
	var headers http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "REPORT":
			fmt.Fprint(w, `{}`)
		case r.URL.Path == "/events/bulk/env-123":
			mu.Lock()
			defer mu.Unlock()
			headers = r.Header.Clone()
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			w.WriteHeader(http.StatusAccepted)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	require.NoError(t, c.Identify(context.Background(), testContext("r1")))
	c.Track("vote", map[string]string{"track": "bass", "option": "option2"})
	require.Equal(t, 2, c.Pending())

	require.NoError(t, c.Flush(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "4", headers.Get("X-LaunchDarkly-Event-Schema"))
	assert.NotEmpty(t, headers.Get("X-LaunchDarkly-Payload-ID"))
	require.Len(t, received, 2)
	assert.Equal(t, "identify", received[0]["kind"])
	assert.Equal(t, "custom", received[1]["kind"])
	assert.Equal(t, "vote", received[1]["key"])
	assert.Equal(t, map[string]any{"track": "bass", "option": "option2"}, received[1]["data"])
	assert.Equal(t, 0, c.Pending())
}

func TestClient_FlushEmptyIsNoop(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:0")
	assert.NoError(t, c.Flush(context.Background()))
}

func TestClient_FlushFailureRequeues(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	c.Track("vote", map[string]string{"track": "drums"})

	err := c.Flush(context.Background())
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "flush", te.Op)
	assert.Equal(t, 1, c.Pending())
}

func TestClient_FlushReportsDroppedEvents(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&batch))
		received.Add(int32(len(batch)))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	var logs bytes.Buffer
	cfg := DefaultConfig("env-123")
	cfg.EventsURL = server.URL
	cfg.EventCapacity = 2
	cfg.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	c, err := New(cfg)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		c.Track("vote", map[string]string{"n": fmt.Sprint(i)})
	}
	require.NoError(t, c.Flush(context.Background()))

	assert.Equal(t, int32(2), received.Load())
	assert.Contains(t, logs.String(), "oldest events dropped")
	assert.Contains(t, logs.String(), "dropped=3")

	logs.Reset()
	c.Track("vote", nil)
	require.NoError(t, c.Flush(context.Background()))
	assert.NotContains(t, logs.String(), "dropped", "drops are reported once")
}

func TestEventBuffer_DropsOldest(t *testing.T) {
	b := newEventBuffer(3)
	for i := 0; i < 5; i++ {
		b.add(event{Kind: "custom", Key: fmt.Sprintf("e%d", i)})
	}

	events := b.drain()
	require.Len(t, events, 3)
	assert.Equal(t, "e2", events[0].Key)
	assert.Equal(t, "e4", events[2].Key)
	assert.Equal(t, 2, b.takeDropped())
	assert.Equal(t, 0, b.takeDropped())
}

func TestEventBuffer_RequeueKeepsOrder(t *testing.T) {
	b := newEventBuffer(3)
	b.add(event{Key: "a"})
	b.add(event{Key: "b"})
	batch := b.drain()
	b.add(event{Key: "c"})
	b.add(event{Key: "d"})

	b.requeue(batch)

	events := b.drain()
	require.Len(t, events, 3)
	assert.Equal(t, []string{"b", "c", "d"}, []string{events[0].Key, events[1].Key, events[2].Key})
}

// =============================================================================
// Stream
// =============================================================================

func TestReadEvents(t *testing.T) {
	body := ": keepalive\n\nevent: put\ndata: {\"a\":1}\n\nevent: patch\ndata: line1\ndata: line2\n\ndata: bare\n\n"

	type ev struct{ name, data string }
	var got []ev
	err := readEvents(strings.NewReader(body), func(name, data string) {
		got = append(got, ev{name, data})
	})
	require.NoError(t, err)

	assert.Equal(t, []ev{
		{"put", `{"a":1}`},
		{"patch", "line1\nline2"},
		{"message", "bare"},
	}, got)
}

func TestClient_StreamAppliesEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "REPORT":
			fmt.Fprint(w, `{"bass":{"value":"option1","version":1},"drums":{"value":"option1","version":1}}`)
		case strings.HasPrefix(r.URL.Path, "/eval/env-123/"):
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			io.WriteString(w, "event: patch\ndata: {\"key\":\"bass\",\"value\":\"option3\",\"version\":2}\n\n")
			io.WriteString(w, "event: patch\ndata: {\"key\":\"bass\",\"value\":\"stale\",\"version\":1}\n\n")
			io.WriteString(w, "event: delete\ndata: {\"key\":\"drums\",\"version\":2}\n\n")
			flusher.Flush()
			<-r.Context().Done()
		default:
			w.WriteHeader(http.StatusAccepted)
		}
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	require.NoError(t, c.Identify(context.Background(), testContext("r1")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		s := c.Snapshot()
		_, hasDrums := s["drums"]
		return s["bass"] == "option3" && !hasDrums
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestStringify(t *testing.T) {
	tests := []struct {
		raw    string
		want   string
		wantOK bool
	}{
		{`"option1"`, "option1", true},
		{`42`, "42", true},
		{`true`, "true", true},
		{`{"a":1}`, `{"a":1}`, true},
		{`null`, "", false},
		{``, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := stringify(json.RawMessage(tt.raw))
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}
