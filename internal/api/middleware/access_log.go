package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"
)

type accessLogEntry struct {
	Timestamp  string `json:"ts"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	Route      string `json:"route,omitempty"`
	Status     int    `json:"status"`
	Bytes      int    `json:"bytes"`
	DurationMS int64  `json:"duration_ms"`
	// TTFBMS is the time to the first body byte, i.e. the first answer
	// fragment on a stream.
	TTFBMS     *int64 `json:"ttfb_ms,omitempty"`
	Events     int    `json:"events,omitempty"`
	Canceled   bool   `json:"canceled,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
}

type responseRecorder struct {
	http.ResponseWriter
	start     time.Time
	status    int
	bytes     int
	firstByte time.Duration
	flushes   int
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	if r.bytes == 0 && len(b) > 0 {
		r.firstByte = time.Since(r.start)
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// Flush lets streamed responses pass through the recorder.
func (r *responseRecorder) Flush() {
	r.flushes++
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// AccessLog writes one JSON line per request once the handler returns, so a
// streamed answer is logged when its last event has been sent.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, start: time.Now()}

		next.ServeHTTP(rec, r)

		log.Println(string(accessLogLine(r, rec)))
	})
}

func accessLogLine(r *http.Request, rec *responseRecorder) []byte {
	entry := accessLogEntry{
		Timestamp:  rec.start.UTC().Format(time.RFC3339Nano),
		Method:     r.Method,
		Path:       r.URL.Path,
		Route:      routePattern(r),
		Status:     rec.status,
		Bytes:      rec.bytes,
		DurationMS: time.Since(rec.start).Milliseconds(),
		Canceled:   errors.Is(r.Context().Err(), context.Canceled),
		RequestID:  GetRequestID(r.Context()),
		SessionID:  sessionIDFromPath(r.URL.Path),
		RemoteAddr: clientIP(r),
		UserAgent:  r.UserAgent(),
	}
	if entry.Status == 0 {
		entry.Status = http.StatusOK
	}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "text/event-stream") {
		entry.Events = rec.flushes
		if rec.bytes > 0 {
			ttfb := rec.firstByte.Milliseconds()
			entry.TTFBMS = &ttfb
		}
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return []byte(`{"error":"access log: ` + err.Error() + `"}`)
	}
	return payload
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// sessionIDFromPath extracts {id} from /sessions/{id}/... paths.
func sessionIDFromPath(p string) string {
	rest, ok := strings.CutPrefix(p, "/sessions/")
	if !ok {
		return ""
	}
	id, _, _ := strings.Cut(rest, "/")
	return id
}
