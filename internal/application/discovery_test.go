package application

import (
	"testing"
	"time"

	"github.com/agentfabric/fabric/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discoveryFixture(agentID, org string, tags []string, summary string, capName, capDesc string) *domain.AgentRegistration {
	return &domain.AgentRegistration{
		AgentID:      agentID,
		Organization: org,
		Summary:      summary,
		Tags:         tags,
		Capabilities: []domain.Capability{{Name: capName, Description: capDesc}},
	}
}

func TestDiscoveryService_DegradedMode_FallsBackToJaccardSearch(t *testing.T) {
	svc := NewDiscoveryService(nil, nil)
	assert.True(t, svc.Degraded())

	require.NoError(t, svc.UpdateAgent(discoveryFixture("agent-1", "acme", []string{"nlp"}, "translation agent", "translate", "translates text between languages")))
	require.NoError(t, svc.UpdateAgent(discoveryFixture("agent-2", "acme", []string{"vision"}, "image agent", "classify", "classifies images")))

	hits, err := svc.Search("translates text", 10, 0.1, DiscoveryFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "agent-1", hits[0].AgentID)
}

func TestDiscoveryService_VectorBacked_SemanticSearch(t *testing.T) {
	svc := NewDiscoveryService(NewHashEmbedder(64), NewMemoryVectorIndex())
	assert.False(t, svc.Degraded())

	require.NoError(t, svc.UpdateAgent(discoveryFixture("agent-1", "acme", []string{"nlp"}, "translation agent", "translate", "translates text between languages")))
	require.NoError(t, svc.UpdateAgent(discoveryFixture("agent-2", "acme", []string{"vision"}, "image agent", "classify", "classifies images")))

	hits, err := svc.Search("translate languages", 5, 0.0, DiscoveryFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, hits)

	var scoreByAgent = map[string]float64{}
	for _, h := range hits {
		scoreByAgent[h.AgentID] = h.Score
	}
	assert.Greater(t, scoreByAgent["agent-1"], scoreByAgent["agent-2"])
}

func TestDiscoveryService_Search_AppliesOrganizationFilter(t *testing.T) {
	svc := NewDiscoveryService(NewHashEmbedder(64), NewMemoryVectorIndex())

	require.NoError(t, svc.UpdateAgent(discoveryFixture("agent-1", "acme", nil, "translation agent", "translate", "translates text")))
	require.NoError(t, svc.UpdateAgent(discoveryFixture("agent-2", "globex", nil, "translation agent", "translate", "translates text")))

	hits, err := svc.Search("translate", 10, 0.0, DiscoveryFilter{Organization: []string{"globex"}})
	require.NoError(t, err)

	for _, h := range hits {
		assert.Equal(t, "agent-2", h.AgentID)
	}
}

type countingEmbedder struct {
	inner    *HashEmbedder
	docCalls int
}

func (c *countingEmbedder) EmbedQuery(text string) ([]float64, error) {
	return c.inner.EmbedQuery(text)
}

func (c *countingEmbedder) EmbedDocuments(texts []string) ([][]float64, error) {
	c.docCalls += len(texts)
	return c.inner.EmbedDocuments(texts)
}

type fakeEmbeddingCache struct {
	entries map[string][]float64
}

func newFakeEmbeddingCache() *fakeEmbeddingCache {
	return &fakeEmbeddingCache{entries: make(map[string][]float64)}
}

func (f *fakeEmbeddingCache) GetCachedEmbedding(docID string) ([]float64, bool, error) {
	vec, ok := f.entries[docID]
	return vec, ok, nil
}

func (f *fakeEmbeddingCache) CacheEmbedding(docID string, vector []float64, _ time.Duration) error {
	f.entries[docID] = vector
	return nil
}

func (f *fakeEmbeddingCache) InvalidateEmbedding(docID string) error {
	delete(f.entries, docID)
	return nil
}

func TestDiscoveryService_EmbeddingCache_SkipsRecomputation(t *testing.T) {
	embedder := &countingEmbedder{inner: NewHashEmbedder(64)}
	svc := NewDiscoveryService(embedder, NewMemoryVectorIndex())
	svc.UseEmbeddingCache(newFakeEmbeddingCache())

	fixture := discoveryFixture("agent-1", "acme", nil, "translation agent", "translate", "translates text")
	require.NoError(t, svc.UpdateAgent(fixture))
	assert.Equal(t, 2, embedder.docCalls) // profile + one capability

	require.NoError(t, svc.UpdateAgent(fixture))
	assert.Equal(t, 2, embedder.docCalls)
}

func TestDiscoveryService_EmbeddingCache_ChangedTextIsReembedded(t *testing.T) {
	embedder := &countingEmbedder{inner: NewHashEmbedder(64)}
	svc := NewDiscoveryService(embedder, NewMemoryVectorIndex())
	svc.UseEmbeddingCache(newFakeEmbeddingCache())

	require.NoError(t, svc.UpdateAgent(discoveryFixture("agent-1", "acme", nil, "translation agent", "translate", "translates text")))
	calls := embedder.docCalls

	require.NoError(t, svc.UpdateAgent(discoveryFixture("agent-1", "acme", nil, "translation agent", "translate", "translates text between many languages")))
	assert.Greater(t, embedder.docCalls, calls)
}

func TestDiscoveryService_RemoveAgent_PurgesFromSubsequentSearches(t *testing.T) {
	svc := NewDiscoveryService(NewHashEmbedder(64), NewMemoryVectorIndex())
	require.NoError(t, svc.UpdateAgent(discoveryFixture("agent-1", "acme", nil, "translation agent", "translate", "translates text")))

	require.NoError(t, svc.RemoveAgent("agent-1"))

	hits, err := svc.Search("translate", 10, 0.0, DiscoveryFilter{})
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, "agent-1", h.AgentID)
	}
}
