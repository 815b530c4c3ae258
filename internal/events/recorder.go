package events

import (
	"context"

	"github.com/cubent/usagemeter/internal/logging"
	"github.com/cubent/usagemeter/internal/models"
	"github.com/rs/zerolog"
)

// Recorder is a subscriber that appends every event to a repository.
type Recorder struct {
	repo   Repository
	logger zerolog.Logger
}

// NewRecorder creates a recorder writing to repo.
func NewRecorder(repo Repository) *Recorder {
	return &Recorder{
		repo:   repo,
		logger: logging.Component("event-recorder"),
	}
}

// OnEvent implements Subscriber.
func (r *Recorder) OnEvent(ctx context.Context, event models.Event) {
	if err := r.repo.Create(context.WithoutCancel(ctx), &event); err != nil {
		r.logger.Warn().
			Err(err).
			Str("type", string(event.Type)).
			Str("entity_id", event.EntityID).
			Msg("failed to record event")
	}
}
