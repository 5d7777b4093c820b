package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize is used when the client omits pageSize.
	DefaultPageSize = 20
	// DefaultMaxPageSize caps pageSize to keep listing queries bounded.
	DefaultMaxPageSize = 100
)

// Cursor carries the query values a page token resumes after. The values mirror the
// listing's order-by clause; each repository decides how to interpret them.
type Cursor struct {
	StartAfter []any `json:"startAfter,omitempty"`
}

// Params bundles the pagination values extracted from a listing request.
type Params struct {
	PageSize  int
	PageToken string
	Cursor    Cursor
}

// Options adjust the page-size bounds per listing endpoint.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
}

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid pageSize")
	ErrInvalidPageToken = errors.New("pagination: invalid pageToken")
)

// FromRequest parses pageSize and pageToken from the request query string.
func FromRequest(r *http.Request, opts Options) (Params, error) {
	if r == nil {
		return Params{}, errors.New("pagination: nil request")
	}
	return Parse(r.URL.Query(), opts)
}

// Parse consumes the provided query values and returns the normalised Params. Oversized
// page sizes are clamped rather than rejected; malformed values and tokens are errors.
func Parse(values url.Values, opts Options) (Params, error) {
	if values == nil {
		values = url.Values{}
	}

	pageSize, err := parsePageSize(values.Get("pageSize"), opts)
	if err != nil {
		return Params{}, err
	}

	params := Params{PageSize: pageSize}

	rawToken := strings.TrimSpace(values.Get("pageToken"))
	if rawToken != "" {
		cursor, err := DecodeToken(rawToken)
		if err != nil {
			return Params{}, err
		}
		params.PageToken = rawToken
		params.Cursor = cursor
	}

	return params, nil
}

func parsePageSize(raw string, opts Options) (int, error) {
	maxPageSize := opts.MaxPageSize
	if maxPageSize <= 0 {
		maxPageSize = DefaultMaxPageSize
	}

	defaultPageSize := opts.DefaultPageSize
	if defaultPageSize <= 0 {
		defaultPageSize = DefaultPageSize
	}
	if defaultPageSize > maxPageSize {
		defaultPageSize = maxPageSize
	}

	if strings.TrimSpace(raw) == "" {
		return defaultPageSize, nil
	}

	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: must be an integer", ErrInvalidPageSize)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidPageSize)
	}
	if value > maxPageSize {
		value = maxPageSize
	}
	return value, nil
}
