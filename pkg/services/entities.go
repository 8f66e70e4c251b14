package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/toolrelay/relay-engine/pkg/apperrors"
	"github.com/toolrelay/relay-engine/pkg/models"
	"github.com/toolrelay/relay-engine/pkg/repositories"
)

// DefaultSimilarityThreshold is the minimum normalized similarity for a fuzzy
// entity match.
const DefaultSimilarityThreshold = 0.7

// EntityResolution is the answer to "what is this name called in system X".
type EntityResolution struct {
	Found      bool              `json:"found"`
	Name       string            `json:"name,omitempty"`
	EntityType string            `json:"entity_type,omitempty"`
	// RequestedSystem echoes the identifier in the system the caller asked
	// about; empty when the mapping exists but has no identifier there.
	RequestedSystem string            `json:"requested_system,omitempty"`
	Identifiers     map[string]string `json:"identifiers,omitempty"`
}

// SuggestionKind classifies one batch-analysis finding.
type SuggestionKind string

const (
	// SuggestAddIdentifier: a mapping matched but lacks this system's id.
	SuggestAddIdentifier SuggestionKind = "add_identifier"
	// SuggestAlreadyMapped: the item is already linked with the same id.
	SuggestAlreadyMapped SuggestionKind = "already_mapped"
	// SuggestIDMismatch: the mapping carries a different id for this system.
	SuggestIDMismatch SuggestionKind = "id_mismatch"
	// SuggestReview: a fuzzy match that is already identified in this
	// system, possibly a duplicate entity.
	SuggestReview SuggestionKind = "review"
	// SuggestCreateMapping: nothing matched; a new mapping could be created.
	SuggestCreateMapping SuggestionKind = "create_mapping"
)

// EntitySuggestion is one advisory finding from batch analysis. Nothing is
// mutated; the caller follows up with an explicit mapping tool call.
type EntitySuggestion struct {
	Kind        SuggestionKind `json:"kind"`
	ItemName    string         `json:"item_name"`
	ItemID      string         `json:"item_id"`
	MatchedName string         `json:"matched_name,omitempty"`
	Similarity  float64        `json:"similarity,omitempty"`
	// ExistingID is the mapping's current identifier for this system when it
	// conflicts with the item's.
	ExistingID string `json:"existing_id,omitempty"`
}

// EntityService resolves canonical names to per-system identifiers and
// analyzes fetched items against the account's mappings.
type EntityService interface {
	Resolve(ctx context.Context, accountID uuid.UUID, entityType, name, systemAlias string) (*EntityResolution, error)
	// Analyze inspects items just fetched from one system, reading the name
	// and identifier from the given field pair of each item. Empty field
	// names default to "name" and "id".
	Analyze(ctx context.Context, accountID uuid.UUID, entityType, systemAlias string, items []map[string]any, nameField, idField string) ([]EntitySuggestion, error)
	CreateMapping(ctx context.Context, accountID uuid.UUID, entityType, name string, identifiers map[string]string) (*models.EntityMapping, error)
	AddIdentifier(ctx context.Context, accountID uuid.UUID, entityType, name, systemAlias, identifier string) error
}

type entityService struct {
	repo      repositories.EntityRepository
	threshold float64
	logger    *zap.Logger
}

// NewEntityService creates an entity service. A non-positive threshold falls
// back to the default.
func NewEntityService(repo repositories.EntityRepository, threshold float64, logger *zap.Logger) EntityService {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	return &entityService{repo: repo, threshold: threshold, logger: logger}
}

func (s *entityService) Resolve(ctx context.Context, accountID uuid.UUID, entityType, name, systemAlias string) (*EntityResolution, error) {
	mapping, err := s.repo.GetByName(ctx, accountID, entityType, name)
	if errors.Is(err, apperrors.ErrNotFound) {
		mapping, err = s.repo.GetByNameFold(ctx, accountID, entityType, name)
	}
	if errors.Is(err, apperrors.ErrNotFound) {
		return &EntityResolution{Found: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve entity: %w", err)
	}

	res := &EntityResolution{
		Found:       true,
		Name:        mapping.Name,
		EntityType:  mapping.EntityType,
		Identifiers: mapping.Identifiers,
	}
	if id, ok := mapping.IdentifierFor(systemAlias); ok {
		res.RequestedSystem = id
	}
	return res, nil
}

func (s *entityService) Analyze(ctx context.Context, accountID uuid.UUID, entityType, systemAlias string, items []map[string]any, nameField, idField string) ([]EntitySuggestion, error) {
	if nameField == "" {
		nameField = "name"
	}
	if idField == "" {
		idField = "id"
	}
	mappings, err := s.repo.ListByType(ctx, accountID, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}

	exact := make(map[string]*models.EntityMapping, len(mappings))
	for _, m := range mappings {
		exact[m.Name] = m
	}

	suggestions := make([]EntitySuggestion, 0, len(items))
	for _, item := range items {
		name := stringField(item, nameField)
		id := stringField(item, idField)
		if name == "" {
			continue
		}

		if m, ok := exact[name]; ok {
			suggestions = append(suggestions, s.suggestForMatch(m, name, id, systemAlias, 1))
			continue
		}

		best, bestScore := s.bestFuzzyMatch(mappings, name)
		if best == nil {
			suggestions = append(suggestions, EntitySuggestion{
				Kind:     SuggestCreateMapping,
				ItemName: name,
				ItemID:   id,
			})
			continue
		}

		if _, identified := best.IdentifierFor(systemAlias); identified {
			suggestions = append(suggestions, EntitySuggestion{
				Kind:        SuggestReview,
				ItemName:    name,
				ItemID:      id,
				MatchedName: best.Name,
				Similarity:  bestScore,
			})
			continue
		}
		suggestions = append(suggestions, EntitySuggestion{
			Kind:        SuggestAddIdentifier,
			ItemName:    name,
			ItemID:      id,
			MatchedName: best.Name,
			Similarity:  bestScore,
		})
	}
	return suggestions, nil
}

// suggestForMatch handles the exact-match arm of analysis.
func (s *entityService) suggestForMatch(m *models.EntityMapping, name, id, systemAlias string, score float64) EntitySuggestion {
	existing, identified := m.IdentifierFor(systemAlias)
	switch {
	case !identified:
		return EntitySuggestion{
			Kind: SuggestAddIdentifier, ItemName: name, ItemID: id,
			MatchedName: m.Name, Similarity: score,
		}
	case existing == id:
		return EntitySuggestion{
			Kind: SuggestAlreadyMapped, ItemName: name, ItemID: id,
			MatchedName: m.Name, Similarity: score,
		}
	default:
		return EntitySuggestion{
			Kind: SuggestIDMismatch, ItemName: name, ItemID: id,
			MatchedName: m.Name, Similarity: score, ExistingID: existing,
		}
	}
}

func (s *entityService) bestFuzzyMatch(mappings []*models.EntityMapping, name string) (*models.EntityMapping, float64) {
	var (
		best      *models.EntityMapping
		bestScore float64
	)
	for _, m := range mappings {
		if score := similarityRatio(m.Name, name); score >= s.threshold && score > bestScore {
			best, bestScore = m, score
		}
	}
	return best, bestScore
}

func (s *entityService) CreateMapping(ctx context.Context, accountID uuid.UUID, entityType, name string, identifiers map[string]string) (*models.EntityMapping, error) {
	mapping := &models.EntityMapping{
		AccountID:   accountID,
		Name:        name,
		EntityType:  entityType,
		Identifiers: identifiers,
	}
	if err := s.repo.Create(ctx, mapping); err != nil {
		return nil, fmt.Errorf("failed to create mapping: %w", err)
	}
	s.logger.Info("Created entity mapping",
		zap.String("name", name),
		zap.String("entity_type", entityType),
	)
	return mapping, nil
}

func (s *entityService) AddIdentifier(ctx context.Context, accountID uuid.UUID, entityType, name, systemAlias, identifier string) error {
	mapping, err := s.repo.GetByName(ctx, accountID, entityType, name)
	if errors.Is(err, apperrors.ErrNotFound) {
		mapping, err = s.repo.GetByNameFold(ctx, accountID, entityType, name)
	}
	if err != nil {
		return fmt.Errorf("failed to find mapping %q: %w", name, err)
	}
	return s.repo.SetIdentifier(ctx, mapping.ID, systemAlias, identifier)
}

func stringField(item map[string]any, field string) string {
	v, ok := item[field]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

var _ EntityService = (*entityService)(nil)
