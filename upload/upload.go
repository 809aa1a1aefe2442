// Package upload posts batch files to the collector.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Lazloian/EMI-Analyzer/queue"
)

// ErrUploadFailed is returned for every upload that was not acknowledged
var ErrUploadFailed = errors.New("upload failed")

// IdempotencyHeader carries a key that is the same for every attempt of one batch
const IdempotencyHeader = "Idempotency-Key"

// namespace for idempotency keys
var keyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:emihub:batch"))

// StatusError is returned when the collector answers with anything but 201 Created
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%v: collector answered %d %s", ErrUploadFailed, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%v: collector answered %d %s: %s", ErrUploadFailed, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrUploadFailed
}

// Request is one batch to deliver
type Request struct {
	Record queue.Record
	Path   string // Batch file on disk
}

// Client posts batches as multipart forms
type Client struct {
	uri        string
	http       *http.Client
	timeoutSet bool
	logger     *slog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client. A timeout set with
// WithTimeout before it is carried over.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		timeout := cl.http.Timeout
		cl.http = c
		if cl.timeoutSet {
			copied := *c
			copied.Timeout = timeout
			cl.http = &copied
		}
	}
}

// WithTimeout bounds each upload attempt. It keeps the transport of a
// client set with WithHTTPClient, whichever option comes first.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		c := *cl.http
		c.Timeout = d
		cl.http = &c
		cl.timeoutSet = true
	}
}

// WithLogger sets the logger for the client
func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = logger
	}
}

// NewClient returns a client posting to uri
func NewClient(uri string, options ...Option) *Client {
	c := &Client{
		uri:    uri,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// IdempotencyKey returns the UUIDv5 of a batch key
func IdempotencyKey(k queue.Key) string {
	return uuid.NewSHA1(keyNamespace, []byte(k.DeviceName+"\x00"+k.HubTime)).String()
}

// Upload posts the batch and returns nil only when the collector answers 201 Created
func (c *Client) Upload(ctx context.Context, req Request) error {
	body, contentType, err := buildForm(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uri, body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set(IdempotencyHeader, IdempotencyKey(req.Record.Key()))

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logger.Debug("uploaded batch",
		slog.String("key", req.Record.Key().String()),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

func buildForm(req Request) (*bytes.Buffer, string, error) {
	f, err := os.Open(req.Path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open batch file: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	part, err := w.CreateFormFile("file", filepath.Base(req.Path))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("failed to read batch file: %w", err)
	}

	r := req.Record
	fields := []struct{ name, value string }{
		{"device_name", r.DeviceName},
		{"hub_time", r.HubTime},
		{"sensor_time", strconv.FormatUint(uint64(r.SensorTime), 10)},
		{"mac_address", r.MACAddress},
		{"rssi", strconv.Itoa(r.RSSI)},
		{"temperature", strconv.FormatUint(uint64(r.Temperature), 10)},
	}
	for _, field := range fields {
		if err := w.WriteField(field.name, field.value); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &body, w.FormDataContentType(), nil
}
