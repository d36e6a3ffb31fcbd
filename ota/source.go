package ota

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ruteri/device-agent/cryptoutils"
	"github.com/ruteri/device-agent/interfaces"
)

// HTTPSource downloads firmware over HTTP(S).
type HTTPSource struct {
	client *http.Client
	log    *slog.Logger
}

var _ interfaces.FirmwareSource = (*HTTPSource)(nil)

// NewHTTPSource creates a source that trusts rootCA, or the system roots when rootCA is empty.
func NewHTTPSource(rootCA []byte, log *slog.Logger) (*HTTPSource, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if len(rootCA) > 0 {
		tlsConfig, err := cryptoutils.ClientTLSConfig(rootCA)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}
	return &HTTPSource{
		client: &http.Client{Transport: transport},
		log:    log,
	}, nil
}

func (s *HTTPSource) Open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, &interfaces.DataError{Reason: "invalid firmware URL", Err: err}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, cryptoutils.ClassifyTLSError("GET firmware", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, &interfaces.NetworkError{Op: "GET firmware", Err: fmt.Errorf("server returned %d", resp.StatusCode)}
	}

	s.log.Info("Connected to firmware server", "url", rawURL, "content_length", resp.ContentLength)
	return resp.Body, resp.ContentLength, nil
}

// MultiSource dispatches on the URL scheme.
type MultiSource map[string]interfaces.FirmwareSource

var _ interfaces.FirmwareSource = MultiSource(nil)

func (m MultiSource) Open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, 0, &interfaces.DataError{Reason: "invalid firmware URL", Err: err}
	}

	source, ok := m[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, 0, &interfaces.DataError{Reason: fmt.Sprintf("unsupported firmware URL scheme %q", u.Scheme)}
	}
	return source.Open(ctx, rawURL)
}
