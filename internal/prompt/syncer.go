package prompt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/skiffworks/skiff/internal/httpkit"
)

// activationResponse is the payload of the external activation API.
type activationResponse struct {
	Success     bool `json:"success"`
	ActiveAgent *struct {
		Name         string `json:"name"`
		SystemRole   string `json:"systemRole"`
		SystemPrompt string `json:"systemPrompt"`
		OpeningLine  string `json:"openingLine"`
	} `json:"activeAgent"`
}

// Syncer refreshes the Manager's persona from an external activation
// endpoint. Conversations call Sync when the manager reports stale.
type Syncer struct {
	url        string
	manager    *Manager
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSyncer creates a syncer for the given activation URL. A nil or
// empty URL yields a syncer whose Sync is a no-op.
func NewSyncer(url string, manager *Manager, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		url:     url,
		manager: manager,
		logger:  logger,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(10 * time.Second),
		),
	}
}

// Sync fetches the current activation state and applies it to the
// manager: an active agent becomes the persona, an empty state clears
// it. A fetch failure leaves the current persona in place and does not
// mark the state synced.
func (s *Syncer) Sync(ctx context.Context) error {
	if s.url == "" {
		s.manager.MarkResynced(time.Now())
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch activation state: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("activation API returned %d", resp.StatusCode)
	}

	var state activationResponse
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return fmt.Errorf("decode activation state: %w", err)
	}

	if !state.Success {
		return fmt.Errorf("activation API reported failure")
	}

	if state.ActiveAgent != nil {
		s.manager.SetPersona(Persona{
			Name:         state.ActiveAgent.Name,
			SystemRole:   state.ActiveAgent.SystemRole,
			SystemPrompt: state.ActiveAgent.SystemPrompt,
			OpeningLine:  state.ActiveAgent.OpeningLine,
		})
	} else {
		s.manager.ClearPersona()
	}

	s.manager.MarkResynced(time.Now())
	s.logger.Debug("persona state synced", "active", state.ActiveAgent != nil)
	return nil
}

// SyncIfStale runs Sync only when the manager reports stale state.
func (s *Syncer) SyncIfStale(ctx context.Context) error {
	if !s.manager.NeedsResync(time.Now()) {
		return nil
	}
	return s.Sync(ctx)
}
