package model

import (
	"fmt"
	"maps"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrorKind classifies why a unit of work or a batch failed.
type ErrorKind string

const (
	ErrorKindNone       ErrorKind = ""
	ErrorKindTimeout    ErrorKind = "timeout"
	ErrorKindHTTP       ErrorKind = "http_error"
	ErrorKindConnection ErrorKind = "connection_error"
	ErrorKindMalformed  ErrorKind = "malformed"
	ErrorKindUnknown    ErrorKind = "unknown"

	// Batch-level kinds reported by the persistor.
	ErrorKindConstraint ErrorKind = "constraint"
	ErrorKindStore      ErrorKind = "store"
)

// FetchUnit is one addressable remote request: endpoint + year + page.
// Units are immutable once enumerated; retries reuse the same value.
type FetchUnit struct {
	SourceID string            `json:"source_id"`
	Endpoint string            `json:"endpoint"`
	Template string            `json:"endpoint_template"`
	BaseURL  string            `json:"base_url"`
	Year     int               `json:"year"`
	Page     int               `json:"page_cursor"`
	Params   map[string]string `json:"extra_params,omitempty"`

	// RawURL, when set, is requested verbatim (cursor pagination "next" links).
	RawURL string `json:"raw_url,omitempty"`
}

// Path expands the {year} placeholder of the endpoint template.
func (u FetchUnit) Path() string {
	return strings.ReplaceAll(u.Template, "{year}", strconv.Itoa(u.Year))
}

// URL builds the request URL with query parameters in sorted order.
func (u FetchUnit) URL() (string, error) {
	if u.RawURL != "" {
		return u.RawURL, nil
	}
	parsed, err := url.Parse(strings.TrimRight(u.BaseURL, "/") + u.Path())
	if err != nil {
		return "", eris.Wrapf(err, "model: parse url for %s", u)
	}
	q := parsed.Query()
	for k, v := range u.Params {
		q.Set(k, v)
	}
	if u.Page > 0 {
		q.Set("page", strconv.Itoa(u.Page))
	}
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

// WithPage returns a copy of u addressing the given page.
func (u FetchUnit) WithPage(page int) FetchUnit {
	out := u
	out.Page = page
	out.RawURL = ""
	out.Params = maps.Clone(u.Params)
	return out
}

// String identifies the unit in logs.
func (u FetchUnit) String() string {
	if u.Page > 0 {
		return fmt.Sprintf("%s/%s/%d/p%d", u.SourceID, u.Endpoint, u.Year, u.Page)
	}
	return fmt.Sprintf("%s/%s/%d", u.SourceID, u.Endpoint, u.Year)
}

// FetchError describes a terminal fetch failure.
type FetchError struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Kind == ErrorKindHTTP {
		return fmt.Sprintf("%s(%d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// FetchResult is the tagged outcome of executing a FetchUnit. Exactly one of
// Payload (success) or Err (failure) is meaningful; check OK first.
type FetchResult struct {
	Unit     FetchUnit
	Payload  any
	Err      *FetchError
	Attempts int
}

// OK reports whether the result is the Success variant.
func (r FetchResult) OK() bool {
	return r.Err == nil
}

// Kind returns the failure kind, or ErrorKindNone on success.
func (r FetchResult) Kind() ErrorKind {
	if r.Err == nil {
		return ErrorKindNone
	}
	return r.Err.Kind
}

// Success builds the Success variant.
func Success(unit FetchUnit, payload any, attempts int) FetchResult {
	return FetchResult{Unit: unit, Payload: payload, Attempts: attempts}
}

// Failure builds the Failure variant.
func Failure(unit FetchUnit, ferr *FetchError, attempts int) FetchResult {
	return FetchResult{Unit: unit, Err: ferr, Attempts: attempts}
}
