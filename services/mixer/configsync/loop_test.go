// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package configsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/djtoggle/services/mixer/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test helpers
// =============================================================================

type fetchResult struct {
	catalog catalog.Catalog
	err     error
}

type pendingFetch struct {
	ctx    context.Context
	result chan fetchResult
}

// manualSource blocks every Fetch until the test releases it.
// With honorCancel set, a cancelled fetch returns ctx.Err() immediately;
// otherwise it returns only when released, modelling a late response.
type manualSource struct {
	honorCancel bool
	started     chan *pendingFetch
}

func newManualSource(honorCancel bool) *manualSource {
	return &manualSource{honorCancel: honorCancel, started: make(chan *pendingFetch, 16)}
}

func (s *manualSource) Fetch(ctx context.Context) (catalog.Catalog, error) {
	p := &pendingFetch{ctx: ctx, result: make(chan fetchResult, 1)}
	s.started <- p
	if s.honorCancel {
		select {
		case r := <-p.result:
			return r.catalog, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r := <-p.result
	return r.catalog, r.err
}

func (s *manualSource) next(t *testing.T) *pendingFetch {
	t.Helper()
	select {
	case p := <-s.started:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("fetch not issued")
		return nil
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestLoop(src Source) *Loop {
	return NewLoop(src, Config{Interval: time.Hour, Logger: quietLogger()})
}

func trackCatalog(ids ...string) catalog.Catalog {
	var c catalog.Catalog
	for _, id := range ids {
		c = append(c, catalog.Track{ID: id, Title: id, Options: []catalog.Option{
			{ID: "option1", Name: id + " one"},
		}})
	}
	return c
}

func trackIDs(c catalog.Catalog) []string {
	ids := make([]string, len(c))
	for i, t := range c {
		ids[i] = t.ID
	}
	return ids
}

// =============================================================================
// Supersession
// =============================================================================

func TestLoop_LateResponseOfSupersededTickIsIgnored(t *testing.T) {
	src := newManualSource(false)
	loop := newTestLoop(src)
	ctx := context.Background()

	loop.Tick(ctx)
	first := src.next(t)
	loop.Tick(ctx)
	second := src.next(t)

	assert.Error(t, first.ctx.Err(), "first fetch must be cancelled by the second tick")

	second.result <- fetchResult{catalog: trackCatalog("tick2")}
	require.Eventually(t, func() bool { return loop.Connectivity() == Connected }, time.Second, 5*time.Millisecond)

	first.result <- fetchResult{catalog: trackCatalog("tick1")}
	loop.Wait()

	assert.Equal(t, []string{"tick2"}, trackIDs(loop.Catalog()))
}

func TestLoop_EarlyResponseOfSupersededTickIsIgnored(t *testing.T) {
	src := newManualSource(false)
	loop := newTestLoop(src)
	ctx := context.Background()

	loop.Tick(ctx)
	first := src.next(t)
	loop.Tick(ctx)
	second := src.next(t)

	first.result <- fetchResult{catalog: trackCatalog("tick1")}
	second.result <- fetchResult{catalog: trackCatalog("tick2")}
	loop.Wait()

	assert.Equal(t, []string{"tick2"}, trackIDs(loop.Catalog()))
}

func TestLoop_SupersededFailureDoesNotFlipConnectivity(t *testing.T) {
	src := newManualSource(false)
	loop := newTestLoop(src)
	ctx := context.Background()

	loop.Tick(ctx)
	first := src.next(t)
	loop.Tick(ctx)
	second := src.next(t)

	second.result <- fetchResult{catalog: trackCatalog("ok")}
	first.result <- fetchResult{err: errors.New("late failure")}
	loop.Wait()

	assert.Equal(t, Connected, loop.Connectivity())
}

// =============================================================================
// Outcomes
// =============================================================================

func TestLoop_FiltersSilence(t *testing.T) {
	src := newManualSource(false)
	loop := newTestLoop(src)

	loop.Tick(context.Background())
	src.next(t).result <- fetchResult{catalog: catalog.Catalog{
		{ID: "bass", Options: []catalog.Option{
			{ID: "option1", Name: "Deep Pulse"},
			{ID: "option2", Name: "Silence"},
			{ID: "option3", Name: " SILENCE "},
			{ID: "option4", Name: "silence"},
		}},
	}}
	loop.Wait()

	c := loop.Catalog()
	require.Len(t, c, 1)
	assert.Equal(t, []catalog.Option{{ID: "option1", Name: "Deep Pulse"}}, c[0].Options)
}

func TestLoop_EmptyResultKeepsState(t *testing.T) {
	src := newManualSource(false)
	loop := newTestLoop(src)
	ctx := context.Background()

	loop.Tick(ctx)
	src.next(t).result <- fetchResult{err: errors.New("down")}
	loop.Wait()
	require.Equal(t, Disconnected, loop.Connectivity())

	loop.Tick(ctx)
	src.next(t).result <- fetchResult{catalog: catalog.Catalog{
		{ID: "bass", Options: []catalog.Option{{ID: "option1", Name: "silence"}}},
	}}
	loop.Wait()

	assert.Equal(t, Disconnected, loop.Connectivity(), "empty result must not flip connectivity")
	assert.Equal(t, trackIDs(catalog.Default()), trackIDs(loop.Catalog()))
}

func TestLoop_FallsBackToDefaultUntilFirstSuccess(t *testing.T) {
	loop := newTestLoop(newManualSource(false))

	assert.Equal(t, catalog.Default(), loop.Catalog())
	assert.Equal(t, ConnectivityUnknown, loop.Connectivity())
}

func TestLoop_StopCancelsInFlightWithoutStateChange(t *testing.T) {
	src := newManualSource(true)
	loop := newTestLoop(src)

	require.NoError(t, loop.Start(context.Background()))
	pending := src.next(t)

	loop.Stop()

	assert.Error(t, pending.ctx.Err())
	assert.Equal(t, ConnectivityUnknown, loop.Connectivity())
	assert.Equal(t, catalog.Default(), loop.Catalog())
}

func TestLoop_StartStopLifecycle(t *testing.T) {
	src := newManualSource(true)
	loop := newTestLoop(src)
	ctx := context.Background()

	require.NoError(t, loop.Start(ctx))
	assert.ErrorIs(t, loop.Start(ctx), ErrAlreadyRunning)

	src.next(t).result <- fetchResult{catalog: trackCatalog("a")}
	require.Eventually(t, func() bool { return loop.Connectivity() == Connected }, time.Second, 5*time.Millisecond)

	loop.Stop()
	loop.Stop()

	require.NoError(t, loop.Start(ctx), "loop must be restartable")
	src.next(t)
	loop.Stop()
}

func TestLoop_TicksOnInterval(t *testing.T) {
	var calls atomic.Int32
	src := SourceFunc(func(ctx context.Context) (catalog.Catalog, error) {
		calls.Add(1)
		return trackCatalog("a"), nil
	})
	loop := NewLoop(src, Config{Interval: 10 * time.Millisecond, Logger: quietLogger()})

	require.NoError(t, loop.Start(context.Background()))
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	loop.Stop()
}

func TestLoop_ConcurrentTickAndWaitWhileRunning(t *testing.T) {
	src := SourceFunc(func(ctx context.Context) (catalog.Catalog, error) {
		return trackCatalog("a"), nil
	})
	loop := NewLoop(src, Config{Interval: 30 * time.Microsecond, Logger: quietLogger()})
	require.NoError(t, loop.Start(context.Background()))

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				select {
				case <-loop.Tick(ctx):
				case <-time.After(2 * time.Second):
					t.Error("tick never completed")
					return
				}
				loop.Wait()
			}
		}()
	}
	wg.Wait()

	loop.Stop()
	assert.Equal(t, Connected, loop.Connectivity())
	assert.Equal(t, []string{"a"}, trackIDs(loop.Catalog()))
}

func TestLoop_TickDoneClosesAfterSupersession(t *testing.T) {
	src := newManualSource(true)
	loop := newTestLoop(src)
	ctx := context.Background()

	first := loop.Tick(ctx)
	src.next(t)
	second := loop.Tick(ctx)

	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("superseded fetch did not finish")
	}

	src.next(t).result <- fetchResult{catalog: trackCatalog("b")}
	<-second
	assert.Equal(t, []string{"b"}, trackIDs(loop.Catalog()))
	assert.Equal(t, Connected, loop.Connectivity())
}

func TestLoop_ListenersSeeChanges(t *testing.T) {
	src := newManualSource(false)
	loop := newTestLoop(src)

	var mu sync.Mutex
	var seen []Snapshot
	loop.OnChange(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	ctx := context.Background()
	loop.Tick(ctx)
	src.next(t).result <- fetchResult{catalog: trackCatalog("a")}
	loop.Wait()
	loop.Tick(ctx)
	src.next(t).result <- fetchResult{err: errors.New("boom")}
	loop.Wait()
	loop.Tick(ctx)
	src.next(t).result <- fetchResult{err: errors.New("boom again")}
	loop.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2, "repeated failure is not a change")
	assert.Equal(t, Connected, seen[0].Connectivity)
	assert.Equal(t, Disconnected, seen[1].Connectivity)
	assert.Equal(t, []string{"a"}, trackIDs(seen[1].Catalog))
}

// =============================================================================
// HTTP source
// =============================================================================

func TestLoop_HTTP500KeepsCatalogAndRecovers(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	var body atomic.Value
	body.Store(`{"bass":{"name":"Bass","options":[{"id":"option1","name":"Deep Pulse"}]}}`)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := int(status.Load())
		w.WriteHeader(code)
		if code == http.StatusOK {
			fmt.Fprint(w, body.Load().(string))
		}
	}))
	defer server.Close()

	loop := newTestLoop(NewHTTPSource(server.URL, server.Client()))
	ctx := context.Background()

	loop.Tick(ctx)
	loop.Wait()
	require.Equal(t, Connected, loop.Connectivity())
	require.Equal(t, []string{"bass"}, trackIDs(loop.Catalog()))

	status.Store(http.StatusInternalServerError)
	loop.Tick(ctx)
	loop.Wait()
	assert.Equal(t, Disconnected, loop.Connectivity())
	assert.Equal(t, []string{"bass"}, trackIDs(loop.Catalog()))

	status.Store(http.StatusOK)
	body.Store(`{"drums":{"name":"Drums","options":[{"id":"option2","name":"Breakbeat"}]}}`)
	loop.Tick(ctx)
	loop.Wait()
	assert.Equal(t, Connected, loop.Connectivity())
	assert.Equal(t, []string{"drums"}, trackIDs(loop.Catalog()))
}

func TestHTTPSource_Errors(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantKind FetchErrorKind
	}{
		{
			name:     "status",
			handler:  func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) },
			wantKind: KindStatus,
		},
		{
			name:     "malformed",
			handler:  func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, `["not", "an", "object"]`) },
			wantKind: KindMalformed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			_, err := NewHTTPSource(server.URL, nil).Fetch(context.Background())

			var fe *FetchError
			require.True(t, errors.As(err, &fe), "error = %v", err)
			assert.Equal(t, tt.wantKind, fe.Kind)
		})
	}
}

func TestHTTPSource_TransportError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := NewHTTPSource(url, nil).Fetch(context.Background())

	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, KindTransport, fe.Kind)
}

func TestHTTPSource_MalformedUnwrapsCatalogError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"bass": {"name": "Bass"}}`)
	}))
	defer server.Close()

	_, err := NewHTTPSource(server.URL, nil).Fetch(context.Background())

	var me *catalog.MalformedError
	assert.True(t, errors.As(err, &me))
}

func TestFetchErrorKind_String(t *testing.T) {
	assert.Equal(t, "transport", KindTransport.String())
	assert.Equal(t, "status", KindStatus.String())
	assert.Equal(t, "malformed", KindMalformed.String())
	assert.Equal(t, "unknown", FetchErrorKind(9).String())
}
