package collab

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/telecare/parley/internal/core"
	"github.com/telecare/parley/internal/domain"
)

// HTTPIdentity validates participants against an external identity
// service with a simple GET per check.
type HTTPIdentity struct {
	baseURL string
	client  *http.Client
}

func NewHTTPIdentity(baseURL string, timeout time.Duration) *HTTPIdentity {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPIdentity{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (i *HTTPIdentity) ValidateParticipant(ctx context.Context, id domain.ParticipantID) error {
	u := fmt.Sprintf("%s/participants/%s", i.baseURL, url.PathEscape(string(id)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return fmt.Errorf("identity check: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound, http.StatusForbidden, http.StatusUnauthorized:
		return core.Errorf(core.KindUnauthorized, "participant %s rejected by identity service", id)
	default:
		return fmt.Errorf("identity check: unexpected status %d", resp.StatusCode)
	}
}

// AllowAll accepts every participant; development only.
type AllowAll struct{}

func (AllowAll) ValidateParticipant(_ context.Context, id domain.ParticipantID) error {
	log.Debug().Str("module", "collab").Str("participant", string(id)).Msg("identity check skipped")
	return nil
}
