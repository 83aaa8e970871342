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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// streamLoop keeps one evaluation stream open for the current context,
// reconnecting with exponential backoff and restarting whenever Identify
// switches contexts.
func (c *Client) streamLoop(ctx context.Context) {
	backoff := c.config.StreamInitialBackoff

	for {
		ec := c.CurrentContext()
		if ec.IsZero() {
			select {
			case <-ctx.Done():
				return
			case <-c.contextChanged:
				continue
			}
		}

		streamCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		started := time.Now()
		go func() {
			done <- c.consumeStream(streamCtx, ec)
		}()

		var err error
		select {
		case <-ctx.Done():
			cancel()
			<-done
			return
		case <-c.contextChanged:
			cancel()
			<-done
			backoff = c.config.StreamInitialBackoff
			continue
		case err = <-done:
			cancel()
		}

		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > c.config.StreamMaxBackoff {
			backoff = c.config.StreamInitialBackoff
		}

		var te *TransportError
		if errors.As(err, &te) && !te.Retryable() {
			c.logger.Error("evaluation stream rejected, waiting for a new context",
				slog.Int("status", te.StatusCode))
			select {
			case <-ctx.Done():
				return
			case <-c.contextChanged:
				continue
			}
		}

		c.logger.Warn("evaluation stream interrupted",
			slog.String("error", errString(err)),
			slog.Duration("retry_in", backoff))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.contextChanged:
			timer.Stop()
			backoff = c.config.StreamInitialBackoff
			continue
		case <-timer.C:
		}
		backoff *= 2
		if backoff > c.config.StreamMaxBackoff {
			backoff = c.config.StreamMaxBackoff
		}
	}
}

// consumeStream opens the stream for ec and applies events until the
// response ends or ctx is cancelled.
func (c *Client) consumeStream(ctx context.Context, ec EvaluationContext) error {
	encoded, err := ec.encodeForURL()
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}

	url := fmt.Sprintf("%s/eval/%s/%s", c.config.StreamURL, c.config.ClientSideID, encoded)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &TransportError{Op: "stream", Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: "stream", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &TransportError{Op: "stream", StatusCode: resp.StatusCode}
	}

	c.logger.Debug("evaluation stream connected")
	err = readEvents(resp.Body, func(name, data string) {
		c.applyStreamEvent(ctx, ec, name, data)
	})
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return &TransportError{Op: "stream", Err: err}
}

// readEvents parses a text/event-stream body, calling fn for each event.
// Returns nil at EOF.
func readEvents(r io.Reader, fn func(name, data string)) error {
	reader := bufio.NewReader(r)
	var name string
	var data strings.Builder
	hasData := false

	for {
		line, err := reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if hasData {
				if name == "" {
					name = "message"
				}
				fn(name, data.String())
			}
			name = ""
			data.Reset()
			hasData = false
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				name = value
			case "data":
				if hasData {
					data.WriteByte('\n')
				}
				data.WriteString(value)
				hasData = true
			}
		}

		if errors.Is(err, io.EOF) {
			return nil
		}
	}
}

// applyStreamEvent updates the cache from one stream event. Events for a
// context that is no longer current are ignored.
func (c *Client) applyStreamEvent(ctx context.Context, ec EvaluationContext, name, data string) {
	switch name {
	case "put":
		var all map[string]flagValue
		if err := json.Unmarshal([]byte(data), &all); err != nil {
			c.logger.Warn("malformed put event", slog.String("error", err.Error()))
			return
		}
		if all == nil {
			all = make(map[string]flagValue)
		}
		c.replaceIfCurrent(ec, all)

	case "patch":
		var patch struct {
			Key string `json:"key"`
			flagValue
		}
		if err := json.Unmarshal([]byte(data), &patch); err != nil || patch.Key == "" {
			c.logger.Warn("malformed patch event", slog.String("data", data))
			return
		}
		c.updateIfCurrent(ec, patch.Key, func(existing flagValue, ok bool) (flagValue, bool) {
			if ok && existing.Version > patch.Version {
				return existing, false
			}
			return patch.flagValue, true
		})

	case "delete":
		var del struct {
			Key     string `json:"key"`
			Version int    `json:"version"`
		}
		if err := json.Unmarshal([]byte(data), &del); err != nil || del.Key == "" {
			c.logger.Warn("malformed delete event", slog.String("data", data))
			return
		}
		c.mu.Lock()
		existing, ok := c.flags[del.Key]
		apply := c.current.FullyQualifiedKey() == ec.FullyQualifiedKey() && ok && existing.Version <= del.Version
		if apply {
			next := cloneFlags(c.flags)
			delete(next, del.Key)
			c.flags = next
		}
		c.mu.Unlock()
		if apply {
			c.publish()
		}

	case "ping":
		evaluated, err := c.fetchEvaluations(ctx, ec)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("refresh after ping failed", slog.String("error", err.Error()))
			}
			return
		}
		c.replaceIfCurrent(ec, evaluated)

	default:
		c.logger.Debug("ignoring stream event", slog.String("event", name))
	}
}

func (c *Client) replaceIfCurrent(ec EvaluationContext, all map[string]flagValue) {
	c.mu.Lock()
	apply := c.current.FullyQualifiedKey() == ec.FullyQualifiedKey()
	if apply {
		c.flags = all
	}
	c.mu.Unlock()
	if apply {
		c.publish()
	}
}

func (c *Client) updateIfCurrent(ec EvaluationContext, key string, fn func(flagValue, bool) (flagValue, bool)) {
	c.mu.Lock()
	apply := false
	if c.current.FullyQualifiedKey() == ec.FullyQualifiedKey() {
		existing, ok := c.flags[key]
		var next flagValue
		next, apply = fn(existing, ok)
		if apply {
			flags := cloneFlags(c.flags)
			flags[key] = next
			c.flags = flags
		}
	}
	c.mu.Unlock()
	if apply {
		c.publish()
	}
}

func cloneFlags(in map[string]flagValue) map[string]flagValue {
	out := make(map[string]flagValue, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
