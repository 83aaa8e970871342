// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package proxy

import (
	"context"
	"errors"
	"net/http"

	"github.com/AleutianAI/djtoggle/services/mixer/catalog"
	"github.com/AleutianAI/djtoggle/services/mixer/configsync"
)

// Source reads the config document in process, skipping the HTTP hop.
//
// Failures are reported the way the /api/config endpoint would answer them:
// as a 500 status error, or a malformed error when the document does not
// parse. Cancellation is a transport error.
func (p *Proxy) Source() configsync.Source {
	return configsync.SourceFunc(func(ctx context.Context) (catalog.Catalog, error) {
		type result struct {
			body []byte
			err  error
		}
		done := make(chan result, 1)
		go func() {
			body, err := p.Config(ctx)
			done <- result{body, err}
		}()

		var r result
		select {
		case r = <-done:
		case <-ctx.Done():
			return nil, &configsync.FetchError{Kind: configsync.KindTransport, Err: ctx.Err()}
		}

		if r.err != nil {
			if errors.Is(r.err, context.Canceled) || errors.Is(r.err, context.DeadlineExceeded) {
				return nil, &configsync.FetchError{Kind: configsync.KindTransport, Err: r.err}
			}
			return nil, &configsync.FetchError{
				Kind:       configsync.KindStatus,
				StatusCode: http.StatusInternalServerError,
				Err:        r.err,
			}
		}
		c, err := catalog.Parse(r.body)
		if err != nil {
			return nil, &configsync.FetchError{Kind: configsync.KindMalformed, StatusCode: http.StatusOK, Err: err}
		}
		return c, nil
	})
}
