// Package persistence talks to the snapshot store. The gateway is an
// external collaborator consumed over HTTP; snapshots are opaque byte
// buffers carried as base64.
package persistence

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/quillsync/quillsync/internal/core/observability/log"
)

// Persistence errors. Load failures are terminal per session; save failures
// are transient and retried by the next autosave cycle.
var (
	ErrLoadFailed = errors.New("snapshot load failed")
	ErrSaveFailed = errors.New("snapshot save failed")
)

// Gateway loads and stores document snapshots.
type Gateway interface {
	// LoadSnapshot returns the encoded state for the document, or nil when
	// no snapshot exists yet.
	LoadSnapshot(ctx context.Context, documentID string) ([]byte, error)

	// SaveSnapshot replaces the stored snapshot. Never a destructive merge:
	// a failed save leaves the previous snapshot intact.
	SaveSnapshot(ctx context.Context, documentID string, encodedState []byte) error
}

type snapshotDTO struct {
	EncodedState []byte `json:"encodedState"`
}

var _ Gateway = (*HTTPGateway)(nil)

// HTTPGateway is the production Gateway over the document service API.
type HTTPGateway struct {
	baseURL string
	token   string
	client  *http.Client
	logger  log.Log
}

// NewHTTPGateway creates a gateway rooted at baseURL, authenticating with
// the given bearer token.
func NewHTTPGateway(baseURL, token string, logger log.Log) *HTTPGateway {
	if logger == nil {
		logger = log.Nop()
	}
	return &HTTPGateway{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With(log.String("component", "persistence")),
	}
}

func (g *HTTPGateway) LoadSnapshot(ctx context.Context, documentID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.snapshotURL(documentID), nil)
	if err != nil {
		return nil, errors.Wrap(ErrLoadFailed, err.Error())
	}
	g.authorize(req)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(ErrLoadFailed, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, errors.Wrapf(ErrLoadFailed, "unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(ErrLoadFailed, err.Error())
	}
	var dto snapshotDTO
	if err = json.Unmarshal(body, &dto); err != nil {
		return nil, errors.Wrap(ErrLoadFailed, err.Error())
	}
	return dto.EncodedState, nil
}

func (g *HTTPGateway) SaveSnapshot(ctx context.Context, documentID string, encodedState []byte) error {
	body, err := json.Marshal(snapshotDTO{EncodedState: encodedState})
	if err != nil {
		return errors.Wrap(ErrSaveFailed, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, g.snapshotURL(documentID), bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(ErrSaveFailed, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	g.authorize(req)

	resp, err := g.client.Do(req)
	if err != nil {
		return errors.Wrap(ErrSaveFailed, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Wrapf(ErrSaveFailed, "unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (g *HTTPGateway) snapshotURL(documentID string) string {
	return g.baseURL + "/documents/" + documentID + "/snapshot"
}

func (g *HTTPGateway) authorize(req *http.Request) {
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
}
