package ota

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"strings"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/device-agent/interfaces"
)

// IPFSSource reads firmware images from ipfs://<cid>[/path] URLs through an IPFS node API.
type IPFSSource struct {
	shell *shell.Shell
	api   string
	log   *slog.Logger
}

var _ interfaces.FirmwareSource = (*IPFSSource)(nil)

// NewIPFSSource connects to the node API at apiAddr (host:port).
func NewIPFSSource(apiAddr string, log *slog.Logger) *IPFSSource {
	return &IPFSSource{
		shell: shell.NewShell(apiAddr),
		api:   apiAddr,
		log:   log,
	}
}

func (s *IPFSSource) Open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, 0, &interfaces.DataError{Reason: "invalid IPFS URL " + rawURL, Err: err}
	}
	path := "/ipfs/" + u.Host
	if rest := strings.Trim(u.Path, "/"); rest != "" {
		path += "/" + rest
	}

	resp, err := s.shell.Request("cat", path).Send(ctx)
	if err != nil {
		return nil, 0, &interfaces.NetworkError{Op: "ipfs cat", Err: err}
	}
	if resp.Error != nil {
		resp.Close()
		if strings.Contains(resp.Error.Message, "no link named") || strings.Contains(resp.Error.Message, "invalid path") {
			return nil, 0, &interfaces.DataError{Reason: "firmware not found at " + path, Err: errors.New(resp.Error.Message)}
		}
		return nil, 0, &interfaces.NetworkError{Op: "ipfs cat", Err: errors.New(resp.Error.Message)}
	}

	s.log.Info("Opened firmware from IPFS", slog.String("path", path), slog.String("api", s.api))
	return resp.Output, -1, nil
}
