package stream

import (
	"net"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
)

const (
	ContentType = "text/event-stream"

	keepAliveFrame = ": keep-alive\n\n"
)

// sseSink frames payloads onto one response.
type sseSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSink(w http.ResponseWriter) *sseSink {
	return &sseSink{w: w, rc: http.NewResponseController(w)}
}

// writeHeaders establishes an uncacheable keep-alive event stream.
func (s *sseSink) writeHeaders() {
	h := s.w.Header()
	h.Set("Content-Type", ContentType)
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Connection", "keep-alive")
	h.Set("Access-Control-Allow-Origin", "*")
	// nginx and friends buffer chunked responses unless told otherwise
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
}

// Send writes one `data: <json>` event and flushes it.
func (s *sseSink) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf := make([]byte, 0, len(b)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, b...)
	buf = append(buf, "\n\n"...)
	if _, err := s.w.Write(buf); err != nil {
		return err
	}
	return s.Flush()
}

func (s *sseSink) KeepAlive() error {
	if _, err := s.w.Write([]byte(keepAliveFrame)); err != nil {
		return err
	}
	return s.Flush()
}

// Flush pushes buffered bytes to the client. Writers that cannot flush are tolerated.
func (s *sseSink) Flush() error {
	err := s.rc.Flush()
	if err != nil && err != http.ErrNotSupported {
		return err
	}
	return nil
}

// WantsStream reports whether the client negotiated an event stream.
func WantsStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), ContentType)
}

// ClientIP extracts the real client IP from X-Forwarded-For or RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// If SplitHostPort fails, return the RemoteAddr as-is
		return r.RemoteAddr
	}
	return host
}

// ConnectionID identifies a stream by client address and request path. The address keeps the peer port, so
// concurrent streams from one host on one path get distinct entries. Behind a proxy the forwarded client IP
// is prefixed to the proxy-side address.
func ConnectionID(r *http.Request) string {
	addr := r.RemoteAddr
	if r.Header.Get("X-Forwarded-For") != "" {
		addr = ClientIP(r) + "@" + addr
	}
	return addr + r.URL.Path
}
