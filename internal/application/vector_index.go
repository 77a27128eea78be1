package application

import (
	"math"
	"sort"
	"strings"
	"sync"
)

// MemoryVectorIndex is the in-process VectorIndex default: search is
// served by cosine similarity over an in-memory point set instead of a
// vector database RPC. It satisfies the same contract (batch upsert,
// filtered search with score threshold, delete-by-agent) so a real
// backend can replace it without touching DiscoveryService.
type MemoryVectorIndex struct {
	mu     sync.RWMutex
	points map[string]IndexedDocument
}

// NewMemoryVectorIndex returns an empty index.
func NewMemoryVectorIndex() *MemoryVectorIndex {
	return &MemoryVectorIndex{points: make(map[string]IndexedDocument)}
}

// Upsert installs or replaces points by id.
func (m *MemoryVectorIndex) Upsert(docs []IndexedDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range docs {
		m.points[d.ID] = d
	}
	return nil
}

// DeleteByAgent removes every point whose payload agent_id matches.
func (m *MemoryVectorIndex) DeleteByAgent(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, d := range m.points {
		if d.AgentID == agentID {
			delete(m.points, id)
		}
	}
	return nil
}

// Search ranks every point by cosine similarity to query, applies the
// metadata filter, and returns those scoring at least threshold, sorted
// descending, truncated to limit.
func (m *MemoryVectorIndex) Search(query []float64, limit int, threshold float64, filter DiscoveryFilter) ([]SearchHit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []SearchHit
	for _, d := range m.points {
		if !matchesPointFilter(d.Payload, filter) {
			continue
		}
		score := cosineSimilarity(query, d.Vector)
		if score >= threshold {
			hits = append(hits, SearchHit{AgentID: d.AgentID, Score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func cosineSimilarity(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
	}
	for _, v := range a {
		na += v * v
	}
	for _, v := range b {
		nb += v * v
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// matchesPointFilter applies the search filter: every filter key is
// matched any-of over a list, and input/output-mode/auth-scheme keys
// check both the bare field (profile points) and the agent_-prefixed
// field (capability/skill points).
func matchesPointFilter(payload map[string]any, filter DiscoveryFilter) bool {
	if len(filter.Organization) > 0 && !anyOverlap(filter.Organization, []string{stringField(payload, "organization")}) {
		return false
	}
	if len(filter.Developer) > 0 && !anyOverlap(filter.Developer, []string{stringField(payload, "developer")}) {
		return false
	}
	if len(filter.Tags) > 0 && !anyOverlap(filter.Tags, listField(payload, "tags")) {
		return false
	}
	if len(filter.AuthSchemes) > 0 && !matchesEither(payload, "auth_schemes", filter.AuthSchemes) {
		return false
	}
	if len(filter.DefaultInputModes) > 0 && !matchesEither(payload, "default_input_modes", filter.DefaultInputModes) {
		return false
	}
	if len(filter.DefaultOutputModes) > 0 && !matchesEither(payload, "default_output_modes", filter.DefaultOutputModes) {
		return false
	}
	return true
}

func matchesEither(payload map[string]any, key string, want []string) bool {
	return anyOverlap(want, listField(payload, key)) || anyOverlap(want, listField(payload, "agent_"+key))
}

func stringField(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func listField(payload map[string]any, key string) []string {
	switch v := payload[key].(type) {
	case []string:
		return v
	default:
		return nil
	}
}

// HashEmbedder is a deterministic, dependency-free Embedder used when no
// external embedding provider is configured: it hashes each lowercased,
// whitespace-separated token (FNV-32) into a fixed-width, L2-normalized
// bag-of-words vector, giving texts that share
// vocabulary a non-trivial cosine similarity without calling out to any
// network service.
type HashEmbedder struct {
	Dimensions int
}

// NewHashEmbedder returns an embedder producing vectors of the given
// width. A width of 0 defaults to 256.
func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = 256
	}
	return &HashEmbedder{Dimensions: dimensions}
}

// EmbedQuery embeds a single query string.
func (h *HashEmbedder) EmbedQuery(text string) ([]float64, error) {
	return h.embed(text), nil
}

// EmbedDocuments embeds a batch of documents.
func (h *HashEmbedder) EmbedDocuments(texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i] = h.embed(t)
	}
	return out, nil
}

func (h *HashEmbedder) embed(text string) []float64 {
	vec := make([]float64, h.Dimensions)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		idx := fnv32(tok) % uint32(h.Dimensions)
		vec[idx]++
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
