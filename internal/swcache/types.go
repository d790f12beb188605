package swcache

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Request destinations the controller cares about. Anything else is treated
// as a subresource.
const (
	DestinationDocument = "document"
	DestinationImage    = "image"
	DestinationScript   = "script"
	DestinationStyle    = "style"
	DestinationManifest = "manifest"
)

// Request is an intercepted resource request.
type Request struct {
	Method      string
	URL         *url.URL
	Destination string
	Mode        string // "navigate", "cors", "no-cors", "same-origin"
	Header      http.Header
	ClientID    string
	// Body is only forwarded for requests the controller does not intercept.
	Body []byte
}

// NewRequest builds a GET request for an absolute URL.
func NewRequest(rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return &Request{Method: http.MethodGet, URL: u, Header: make(http.Header)}, nil
}

// Identity is the bucket key of the request: method plus the absolute URL
// without its fragment.
func (r *Request) Identity() string {
	return requestIdentity(r.Method, r.URL)
}

func requestIdentity(method string, u *url.URL) string {
	if method == "" {
		method = http.MethodGet
	}
	if u == nil {
		return strings.ToUpper(method) + " "
	}
	cp := *u
	cp.Fragment = ""
	cp.RawFragment = ""
	return strings.ToUpper(method) + " " + cp.String()
}

// IsNavigation reports whether the request loads a full document.
func (r *Request) IsNavigation() bool {
	return r.Destination == DestinationDocument || r.Mode == "navigate"
}

// ResponseType mirrors the fetch response types relevant to caching.
type ResponseType string

const (
	ResponseBasic  ResponseType = "basic"
	ResponseCORS   ResponseType = "cors"
	ResponseOpaque ResponseType = "opaque"
	ResponseError  ResponseType = "error"
)

// Response is an immutable fetched or stored response. Callers that need to
// hand the same response to two consumers use Duplicate.
type Response struct {
	Status     int
	StatusText string
	Header     http.Header
	Body       []byte
	Type       ResponseType
	URL        string
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Cacheable reports whether the response may be written back: same-origin
// and exactly 200.
func (r *Response) Cacheable() bool {
	return r != nil && r.Status == http.StatusOK && r.Type == ResponseBasic
}

// Reader returns a fresh reader over the body.
func (r *Response) Reader() io.Reader {
	return bytes.NewReader(r.Body)
}

// Duplicate returns two independent copies of the response. Neither shares
// header maps or body storage with r or with each other.
func (r *Response) Duplicate() (*Response, *Response) {
	return r.clone(), r.clone()
}

func (r *Response) clone() *Response {
	out := *r
	out.Header = cloneHeader(r.Header)
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return &out
}

// Entry pairs a request identity with the response stored under it.
type Entry struct {
	Key      string
	Response *Response
}
