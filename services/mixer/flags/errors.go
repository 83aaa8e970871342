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
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("flags: client closed")

// TransportError reports a failed exchange with the flag service.
//
// StatusCode is zero when no HTTP response was received.
type TransportError struct {
	// Op is the failing operation: "identify", "flush" or "stream".
	Op string

	// StatusCode is the HTTP status, if a response arrived.
	StatusCode int

	// Err is the underlying cause, if any.
	Err error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		if e.Err != nil {
			return fmt.Sprintf("flags %s: status %d: %v", e.Op, e.StatusCode, e.Err)
		}
		return fmt.Sprintf("flags %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("flags %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure may succeed on a later attempt.
// Client errors other than 408 and 429 are permanent.
func (e *TransportError) Retryable() bool {
	if e.StatusCode == 0 {
		return true
	}
	if e.StatusCode >= 400 && e.StatusCode < 500 {
		return e.StatusCode == 408 || e.StatusCode == 429
	}
	return true
}
