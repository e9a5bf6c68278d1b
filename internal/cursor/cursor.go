// Copyright Project Contour Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cursor implements the byte-budgeted, ordered paged iteration
// engine (C7, spec.md §4.7). Pages are sized by a transfer threshold, not
// an element count, because per-element size varies by orders of
// magnitude. No cursor state is kept on the proxy between requests
// (spec.md §6 "Persisted state"): the cookie alone carries everything
// needed to resume.
package cursor

import (
	"bytes"
	"context"
	"encoding/gob"

	"github.com/projectcontour/cachegrpc/internal/backend"
)

// Cookie is the opaque-to-the-client resume token: a resume key plus an
// Epoch field that Next neither sets nor checks, so it is zero in every
// cookie Next produces. Iteration order is always natural key order; per
// spec.md §9 this engine documents best-effort consistency rather than
// strict snapshot isolation.
type Cookie struct {
	ResumeKey []byte
	Epoch     int64
}

func EncodeCookie(c Cookie) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeCookie(b []byte) (Cookie, error) {
	if len(b) == 0 {
		return Cookie{}, nil
	}
	var c Cookie
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&c)
	return c, err
}

// Page is one page of a paged iteration: either keys or entries depending
// on what the caller asked for, plus the cookie to fetch the next page
// (empty when the iteration is complete).
type Page struct {
	Keys    [][]byte
	Entries []backend.Entry
	Cookie  []byte
	Done    bool
}

// Next computes the next page starting after cookie's resume key, halting
// once the cumulative size of the emitted entries reaches transferBytes
// (spec.md §8 testable property 3: each page's payload is
// ≤ threshold + size(last entry)).
func Next(ctx context.Context, c backend.Cache, filter backend.Filter, cookie Cookie, transferBytes int64, wantEntries bool) (Page, error) {
	if filter == nil {
		filter = backend.MatchAll
	}
	if transferBytes <= 0 {
		transferBytes = 64 * 1024
	}

	var page Page
	var sent int64
	resumed := len(cookie.ResumeKey) == 0

	err := c.EntrySet(ctx, filter, backend.NaturalOrder, func(e backend.Entry) error {
		if !resumed {
			if bytes.Compare(e.Key, cookie.ResumeKey) <= 0 {
				return nil
			}
			resumed = true
		}
		if sent >= transferBytes {
			return errStopPaging
		}
		if wantEntries {
			page.Entries = append(page.Entries, e)
		} else {
			page.Keys = append(page.Keys, e.Key)
		}
		sent += int64(len(e.Key) + len(e.Value))
		cookie.ResumeKey = e.Key
		return nil
	})
	if err != nil && err != errStopPaging {
		return Page{}, err
	}

	if err == errStopPaging {
		next, encErr := EncodeCookie(cookie)
		if encErr != nil {
			return Page{}, encErr
		}
		page.Cookie = next
		return page, nil
	}

	page.Done = true
	return page, nil
}

// errStopPaging is a sentinel used internally to break out of EntrySet's
// callback once a page is full; it never escapes Next.
var errStopPaging = stopPaging{}

type stopPaging struct{}

func (stopPaging) Error() string { return "cursor: page full" }
