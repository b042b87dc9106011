package api

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// LoggingTransport is an http.RoundTripper that appends every request and
// response to a log file. It wraps the shared transport when LogApiRequests
// is enabled, so both catalog calls and file downloads pass through it.
// Entries are serialized under a mutex so concurrent downloads don't
// interleave their dumps.
type LoggingTransport struct {
	Transport http.RoundTripper
	logFile   *os.File
	mu        sync.Mutex
	writer    *bufio.Writer
}

// NewLoggingTransport opens logFilePath for appending and wraps transport
// (http.DefaultTransport when nil).
func NewLoggingTransport(transport http.RoundTripper, logFilePath string) (*LoggingTransport, error) {
	f, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening API log file %s: %w", logFilePath, err)
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &LoggingTransport{
		Transport: transport,
		logFile:   f,
		writer:    bufio.NewWriter(f),
	}, nil
}

// RoundTrip performs the request and logs the exchange. JSON response bodies
// are logged in full and restored for the caller; anything else (model files,
// images) logs headers only.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := time.Now()
	if reqDump, err := httputil.DumpRequestOut(req, true); err != nil {
		log.WithError(err).Error("Failed to dump API request for logging")
	} else {
		t.writeLog(fmt.Sprintf("--- Request (%s) ---\n%s\n", start.Format(time.RFC3339), reqDump))
	}

	resp, err := t.Transport.RoundTrip(req)
	duration := time.Since(start)

	switch {
	case err != nil:
		t.writeLog(fmt.Sprintf("--- Response Error (Duration: %v) ---\n%s\n", duration, err.Error()))
	case strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json"):
		t.logJSONResponse(resp, duration)
	default:
		t.logHeaders(resp, duration)
	}

	t.writer.Flush()
	return resp, err
}

// logJSONResponse reads the body for the log and replaces it with an
// in-memory reader so the caller still gets to decode it.
func (t *LoggingTransport) logJSONResponse(resp *http.Response, duration time.Duration) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.WithError(err).Error("Failed to read response body for logging")
		t.logHeaders(resp, duration)
		return
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))

	header, err := httputil.DumpResponse(resp, false)
	if err != nil {
		t.writeLog(fmt.Sprintf("--- Response (Duration: %v) ---\nStatus: %s\n%s\n", duration, resp.Status, body))
		return
	}
	t.writeLog(fmt.Sprintf("--- Response (Duration: %v) ---\n%s%s\n", duration, header, body))
}

func (t *LoggingTransport) logHeaders(resp *http.Response, duration time.Duration) {
	header, err := httputil.DumpResponse(resp, false)
	if err != nil {
		log.WithError(err).Error("Failed to dump response headers for logging")
		t.writeLog(fmt.Sprintf("--- Response Headers (Duration: %v) ---\nStatus: %s\n", duration, resp.Status))
		return
	}
	t.writeLog(fmt.Sprintf("--- Response Headers (Duration: %v) ---\n%s(Body not logged)\n", duration, header))
}

func (t *LoggingTransport) writeLog(entry string) {
	if _, err := t.writer.WriteString(entry + "\n"); err != nil {
		log.WithError(err).Error("Failed to write to API log file")
	}
}

// Close flushes and closes the log file. Called once from the command layer
// after the root command finishes.
func (t *LoggingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.writer.Flush(); err != nil {
		t.logFile.Close()
		return fmt.Errorf("flushing API log buffer: %w", err)
	}
	return t.logFile.Close()
}
