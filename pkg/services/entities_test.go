package services

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/toolrelay/relay-engine/pkg/apperrors"
	"github.com/toolrelay/relay-engine/pkg/models"
)

// fakeEntityRepo keeps mappings in memory for service tests.
type fakeEntityRepo struct {
	mappings []*models.EntityMapping
}

func (r *fakeEntityRepo) GetByName(_ context.Context, accountID uuid.UUID, entityType, name string) (*models.EntityMapping, error) {
	for _, m := range r.mappings {
		if m.AccountID == accountID && m.EntityType == entityType && m.Name == name {
			return m, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *fakeEntityRepo) GetByNameFold(_ context.Context, accountID uuid.UUID, entityType, name string) (*models.EntityMapping, error) {
	for _, m := range r.mappings {
		if m.AccountID == accountID && m.EntityType == entityType && strings.EqualFold(m.Name, name) {
			return m, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *fakeEntityRepo) ListByType(_ context.Context, accountID uuid.UUID, entityType string) ([]*models.EntityMapping, error) {
	var out []*models.EntityMapping
	for _, m := range r.mappings {
		if m.AccountID == accountID && m.EntityType == entityType {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *fakeEntityRepo) Create(_ context.Context, mapping *models.EntityMapping) error {
	if mapping.ID == uuid.Nil {
		mapping.ID = uuid.New()
	}
	if mapping.Identifiers == nil {
		mapping.Identifiers = make(map[string]string)
	}
	r.mappings = append(r.mappings, mapping)
	return nil
}

func (r *fakeEntityRepo) SetIdentifier(_ context.Context, mappingID uuid.UUID, systemAlias, identifier string) error {
	for _, m := range r.mappings {
		if m.ID == mappingID {
			if m.Identifiers == nil {
				m.Identifiers = make(map[string]string)
			}
			m.Identifiers[systemAlias] = identifier
			return nil
		}
	}
	return apperrors.ErrNotFound
}

func TestEntityResolve(t *testing.T) {
	accountID := uuid.New()
	repo := &fakeEntityRepo{mappings: []*models.EntityMapping{
		{
			ID:         uuid.New(),
			AccountID:  accountID,
			Name:       "Acme Corp",
			EntityType: "company",
			Identifiers: map[string]string{
				"crm":     "cust-42",
				"billing": "B-901",
			},
		},
	}}
	svc := NewEntityService(repo, 0, zap.NewNop())

	t.Run("exact match with identifier", func(t *testing.T) {
		res, err := svc.Resolve(context.Background(), accountID, "company", "Acme Corp", "crm")
		require.NoError(t, err)
		assert.True(t, res.Found)
		assert.Equal(t, "Acme Corp", res.Name)
		assert.Equal(t, "cust-42", res.RequestedSystem)
		assert.Equal(t, "B-901", res.Identifiers["billing"])
	})

	t.Run("case-insensitive fallback", func(t *testing.T) {
		res, err := svc.Resolve(context.Background(), accountID, "company", "acme corp", "billing")
		require.NoError(t, err)
		assert.True(t, res.Found)
		assert.Equal(t, "B-901", res.RequestedSystem)
	})

	t.Run("found but no identifier for requested system", func(t *testing.T) {
		res, err := svc.Resolve(context.Background(), accountID, "company", "Acme Corp", "ticketing")
		require.NoError(t, err)
		assert.True(t, res.Found)
		assert.Empty(t, res.RequestedSystem)
	})

	t.Run("unknown name", func(t *testing.T) {
		res, err := svc.Resolve(context.Background(), accountID, "company", "Globex", "crm")
		require.NoError(t, err)
		assert.False(t, res.Found)
	})
}

func TestEntityAnalyze(t *testing.T) {
	accountID := uuid.New()
	repo := &fakeEntityRepo{mappings: []*models.EntityMapping{
		{
			ID: uuid.New(), AccountID: accountID, Name: "Acme Corp", EntityType: "company",
			Identifiers: map[string]string{"crm": "cust-42"},
		},
		{
			ID: uuid.New(), AccountID: accountID, Name: "Initech", EntityType: "company",
			Identifiers: map[string]string{"billing": "B-7"},
		},
	}}
	svc := NewEntityService(repo, 0, zap.NewNop())

	items := []map[string]any{
		{"name": "Acme Corp", "id": "cust-42"}, // already linked
		{"name": "Acme Corp", "id": "cust-99"}, // conflicting id
		{"name": "Initech", "id": "cust-7"},    // known, unidentified here
		{"name": "Initach", "id": "cust-8"},    // fuzzy, unidentified here
		{"name": "Hooli", "id": "cust-1"},      // unknown
		{"id": "cust-2"},                       // no name, skipped
	}

	got, err := svc.Analyze(context.Background(), accountID, "company", "crm", items, "name", "id")
	require.NoError(t, err)
	require.Len(t, got, 5)

	assert.Equal(t, SuggestAlreadyMapped, got[0].Kind)
	assert.Equal(t, "Acme Corp", got[0].MatchedName)

	assert.Equal(t, SuggestIDMismatch, got[1].Kind)
	assert.Equal(t, "cust-42", got[1].ExistingID)

	assert.Equal(t, SuggestAddIdentifier, got[2].Kind)
	assert.Equal(t, "Initech", got[2].MatchedName)
	assert.Equal(t, 1.0, got[2].Similarity)

	assert.Equal(t, SuggestAddIdentifier, got[3].Kind)
	assert.Equal(t, "Initech", got[3].MatchedName)
	assert.Greater(t, got[3].Similarity, 0.7)
	assert.Less(t, got[3].Similarity, 1.0)

	assert.Equal(t, SuggestCreateMapping, got[4].Kind)
	assert.Equal(t, "Hooli", got[4].ItemName)
}

func TestEntityAnalyzeDefaultFields(t *testing.T) {
	accountID := uuid.New()
	repo := &fakeEntityRepo{mappings: []*models.EntityMapping{
		{
			ID: uuid.New(), AccountID: accountID, Name: "Acme Corp", EntityType: "company",
			Identifiers: map[string]string{"crm": "cust-42"},
		},
	}}
	svc := NewEntityService(repo, 0, zap.NewNop())

	// Omitted field names fall back to "name" and "id".
	got, err := svc.Analyze(context.Background(), accountID, "company", "crm",
		[]map[string]any{{"name": "Acme Corp", "id": "cust-42"}}, "", "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, SuggestAlreadyMapped, got[0].Kind)
	assert.Equal(t, "cust-42", got[0].ItemID)
}

func TestEntityAnalyzeReviewsIdentifiedFuzzyMatch(t *testing.T) {
	accountID := uuid.New()
	repo := &fakeEntityRepo{mappings: []*models.EntityMapping{
		{
			ID: uuid.New(), AccountID: accountID, Name: "Acme Corp", EntityType: "company",
			Identifiers: map[string]string{"crm": "cust-42"},
		},
	}}
	svc := NewEntityService(repo, 0, zap.NewNop())

	got, err := svc.Analyze(context.Background(), accountID, "company", "crm",
		[]map[string]any{{"name": "Acme Corp.", "id": "cust-50"}}, "name", "id")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, SuggestReview, got[0].Kind)
	assert.Equal(t, "Acme Corp", got[0].MatchedName)
}

func TestEntityMappingLifecycle(t *testing.T) {
	accountID := uuid.New()
	repo := &fakeEntityRepo{}
	svc := NewEntityService(repo, 0, zap.NewNop())

	mapping, err := svc.CreateMapping(context.Background(), accountID, "company", "Globex",
		map[string]string{"crm": "cust-9"})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, mapping.ID)

	require.NoError(t, svc.AddIdentifier(context.Background(), accountID, "company", "globex", "billing", "B-3"))

	res, err := svc.Resolve(context.Background(), accountID, "company", "Globex", "billing")
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, "B-3", res.RequestedSystem)
}
