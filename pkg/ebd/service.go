package ebd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// Request describes one historical log export.
type Request struct {
	// Window bounds in epoch milliseconds, both inclusive.
	Start int64
	End   int64

	Groups  GroupMask
	Channel Channel

	// Destination is the artifact path the export is materialized to.
	// Any previous artifact at this path is overwritten.
	Destination string
}

// Validate rejects requests that must never reach the device.
func (r Request) Validate() error {
	if r.Groups.Empty() {
		return ErrNoTagGroups
	}
	if r.End < r.Start {
		return fmt.Errorf("export window end %d is before start %d", r.End, r.Start)
	}
	if r.Destination == "" {
		return fmt.Errorf("export destination is required")
	}
	return nil
}

// Service materializes a historical log slice into a flat text artifact.
type Service interface {
	Export(ctx context.Context, req Request) error
}

// HTTPService exports by issuing the descriptor to the device's export
// endpoint and streaming the response body to the destination file.
type HTTPService struct {
	endpoint string
	username string
	password string
	location *time.Location
	client   *http.Client
}

// HTTPConfig configures an HTTPService.
type HTTPConfig struct {
	// Endpoint is the device export URL, e.g. http://10.0.0.53/rcgi.bin/ExportBlock
	Endpoint string
	Username string
	Password string

	// Location is the device's local time zone (UTC if nil).
	Location *time.Location

	Timeout time.Duration
}

// NewHTTP creates an HTTP export service.
func NewHTTP(cfg HTTPConfig) (*HTTPService, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("export endpoint is required")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid export endpoint: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPService{
		endpoint: cfg.Endpoint,
		username: cfg.Username,
		password: cfg.Password,
		location: cfg.Location,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Export requests the export and writes it to req.Destination.
func (s *HTTPService) Export(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}

	descriptor, err := Descriptor(
		FormatTime(req.Start, s.location),
		FormatTime(req.End, s.location),
		req.Groups,
		req.Channel,
	)
	if err != nil {
		return err
	}

	u, err := url.Parse(s.endpoint)
	if err != nil {
		return fmt.Errorf("invalid export endpoint: %w", err)
	}
	q := u.Query()
	q.Set("ebd", descriptor)
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if s.username != "" {
		httpReq.SetBasicAuth(s.username, s.password)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send export request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("export request failed with status %d", resp.StatusCode)
	}

	return WriteArtifact(req.Destination, resp.Body)
}

// WriteArtifact streams r into path, replacing any previous artifact.
func WriteArtifact(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create artifact: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close artifact: %w", err)
	}
	return nil
}
