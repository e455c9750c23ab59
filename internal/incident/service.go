// Package incident creates and looks up incident records.
package incident

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	ierrors "github.com/srebi/intake/internal/errors"
	"github.com/srebi/intake/internal/metastore"
	"github.com/srebi/intake/internal/storage"
	"github.com/srebi/intake/pkg/types"
)

// maxFieldLength bounds each free-text contact field.
const maxFieldLength = 4000

// Service owns incident creation.
type Service struct {
	store metastore.IncidentStore
	now   func() time.Time
	newID func() string
}

// NewService creates an incident service.
func NewService(store metastore.IncidentStore) *Service {
	return &Service{
		store: store,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Create records a new incident with a fresh id, no files and report status none.
func (s *Service) Create(ctx context.Context, input types.IncidentInput) (*types.Incident, error) {
	input = types.IncidentInput{
		Email:   strings.TrimSpace(input.Email),
		Company: strings.TrimSpace(input.Company),
		System:  strings.TrimSpace(input.System),
		Notes:   strings.TrimSpace(input.Notes),
	}
	for _, field := range []string{input.Email, input.Company, input.System, input.Notes} {
		if len(field) > maxFieldLength {
			return nil, ierrors.NewValidationError(ierrors.CodeInvalidPayload, "incident field too long")
		}
	}

	inc := types.NewIncident(s.newID(), s.now(), input)
	if err := s.store.Create(ctx, inc); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"incident_id": inc.ID,
		"system":      inc.System,
	}).Info("incident created")
	return inc, nil
}

// Get returns the incident or a not-found error. Malformed ids are reported
// as not found rather than as a validation failure.
func (s *Service) Get(ctx context.Context, id string) (*types.Incident, error) {
	if !storage.ValidIncidentID(id) {
		return nil, metastore.ErrIncidentNotFound
	}
	inc, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return inc, nil
}

// Exists reports whether the incident is present.
func (s *Service) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.Get(ctx, id)
	if errors.Is(err, metastore.ErrIncidentNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
