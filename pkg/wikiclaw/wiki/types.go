package wiki

import (
	"errors"
	"fmt"
)

// Errors.
var (
	ErrCircuitOpen  = errors.New("wiki: circuit breaker is open")
	ErrBadResponse  = errors.New("wiki: malformed API response")
	ErrPageNotFound = errors.New("wiki: page not found")
)

// APIError is an error reported by the wiki API inside a 200 response body
// ({"error": {"code": ..., "info": ...}}).
type APIError struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wiki API error %s: %s", e.Code, e.Info)
}

// HTTPError is returned when the wiki answers with a non-2xx status.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("wiki API returned %d: %s", e.StatusCode, truncate(e.Body, 200))
}

// Page is one entry of a title query.
type Page struct {
	PageID  int    `json:"pageid"`
	NS      int    `json:"ns"`
	Title   string `json:"title"`
	Missing bool   `json:"missing"`
	Invalid bool   `json:"invalid"`
}

// Redirect describes one hop of a redirect chain. ToFragment is set when the
// redirect targets a section anchor.
type Redirect struct {
	From       string `json:"from"`
	To         string `json:"to"`
	ToFragment string `json:"tofragment"`
}

// Normalization records the API rewriting a title (e.g. first-letter case).
type Normalization struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// QueryResult is the outcome of resolving a single title with redirects.
type QueryResult struct {
	Normalized []Normalization
	Redirects  []Redirect
	Pages      []Page
}

// Existing returns the first page of the result that exists.
func (r *QueryResult) Existing() (Page, bool) {
	for _, p := range r.Pages {
		if !p.Missing && !p.Invalid {
			return p, true
		}
	}
	return Page{}, false
}

// Fragment returns the section anchor the redirect chain terminates on, if any.
func (r *QueryResult) Fragment() string {
	if len(r.Redirects) == 0 {
		return ""
	}
	return r.Redirects[len(r.Redirects)-1].ToFragment
}

// Section is one entry in a page's section table.
type Section struct {
	Index  string `json:"index"`
	Level  string `json:"level"`
	Line   string `json:"line"`
	Anchor string `json:"anchor"`
	Number string `json:"number"`
}

// SearchHit is one full-text search result.
type SearchHit struct {
	NS      int    `json:"ns"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// ---------- Wire shapes ----------

type apiEnvelope struct {
	Error    *APIError         `json:"error"`
	Continue map[string]string `json:"continue"`
}

type queryResponse struct {
	apiEnvelope
	Query struct {
		Normalized []Normalization `json:"normalized"`
		Redirects  []Redirect      `json:"redirects"`
		Pages      []Page          `json:"pages"`
		AllPages   []Page          `json:"allpages"`
		Search     []SearchHit     `json:"search"`
	} `json:"query"`
}

type extractResponse struct {
	apiEnvelope
	Query struct {
		Pages []struct {
			Title   string `json:"title"`
			Missing bool   `json:"missing"`
			Extract string `json:"extract"`
		} `json:"pages"`
	} `json:"query"`
}

type parseResponse struct {
	apiEnvelope
	Parse *struct {
		Title    string    `json:"title"`
		Text     *string   `json:"text"`
		Sections []Section `json:"sections"`
	} `json:"parse"`
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
