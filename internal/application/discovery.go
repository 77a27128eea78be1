package application

import (
	"crypto/md5"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentfabric/fabric/internal/domain"
	"github.com/agentfabric/fabric/internal/infrastructure/metrics"
)

// Embedder turns text into vectors. The vector size is whatever the
// first call returns.
type Embedder interface {
	EmbedQuery(text string) ([]float64, error)
	EmbedDocuments(texts []string) ([][]float64, error)
}

// IndexedDocument is one point in the vector index: a stable id, the
// owning agent, its embedding, and a payload for post-hoc filtering.
type IndexedDocument struct {
	ID      string
	AgentID string
	Vector  []float64
	Payload map[string]any
}

// DiscoveryFilter is the discovery-query filter: every field is a list
// of strings matched any-of against the corresponding registration
// field.
type DiscoveryFilter struct {
	Tags               []string `json:"tags,omitempty"`
	AuthSchemes        []string `json:"auth_schemes,omitempty"`
	DefaultInputModes  []string `json:"default_input_modes,omitempty"`
	DefaultOutputModes []string `json:"default_output_modes,omitempty"`
	Organization       []string `json:"organization,omitempty"`
	Developer          []string `json:"developer,omitempty"`
}

// SearchHit is one ranked discovery result.
type SearchHit struct {
	AgentID string
	Score   float64
}

// EmbeddingCache optionally memoizes document embeddings (Redis-backed in
// this implementation) so re-registering an unchanged profile, most
// commonly during startup replay from the registration store, skips
// recomputing its vectors. Keys are content-addressed, so a changed
// document text never resolves to a stale vector.
type EmbeddingCache interface {
	GetCachedEmbedding(docID string) (vector []float64, ok bool, err error)
	CacheEmbedding(docID string, vector []float64, ttl time.Duration) error
	InvalidateEmbedding(docID string) error
}

// embeddingCacheTTL bounds how long a memoized document vector survives
// before it must be recomputed.
const embeddingCacheTTL = 24 * time.Hour

// VectorIndex is the pluggable backend for embedded-document search. It
// ships with only the in-process implementation below; a real vector
// database can satisfy it without any change to DiscoveryService or
// document generation.
type VectorIndex interface {
	Upsert(docs []IndexedDocument) error
	DeleteByAgent(agentID string) error
	Search(query []float64, limit int, threshold float64, filter DiscoveryFilter) ([]SearchHit, error)
}

// DiscoveryService generates searchable documents for registrations and
// answers semantic-search queries, falling back to Jaccard string
// similarity when no embedder/vector backend is configured.
type DiscoveryService struct {
	mu       sync.RWMutex
	embedder Embedder
	index    VectorIndex
	cache    EmbeddingCache
	degraded bool

	// profileText/capabilityText/skillText back the Jaccard fallback path
	// and are kept regardless of mode; RemoveAgent also reads them to find
	// the embedding-cache keys to invalidate.
	profileText    map[string]string
	capabilityText map[string][]textEntry
	skillText      map[string][]textEntry
	payload        map[string]docPayload
}

type textEntry struct {
	name string
	text string
}

type docPayload struct {
	organization       string
	developer          string
	tags               []string
	authSchemes        []string
	defaultInputModes  []string
	defaultOutputModes []string
}

// NewDiscoveryService constructs a service. Passing a nil embedder or nil
// index puts the service into degraded (Jaccard-only) mode; it still
// answers every search.
func NewDiscoveryService(embedder Embedder, index VectorIndex) *DiscoveryService {
	return &DiscoveryService{
		embedder:       embedder,
		index:          index,
		degraded:       embedder == nil || index == nil,
		profileText:    make(map[string]string),
		capabilityText: make(map[string][]textEntry),
		skillText:      make(map[string][]textEntry),
		payload:        make(map[string]docPayload),
	}
}

// UseEmbeddingCache attaches an optional embedding memoization layer.
// Without it, every UpdateAgent re-embeds all of the agent's documents.
func (s *DiscoveryService) UseEmbeddingCache(cache EmbeddingCache) {
	s.mu.Lock()
	s.cache = cache
	s.mu.Unlock()
}

// Degraded reports whether the service is running without a vector
// backend (the registry's readiness signal fires either way).
func (s *DiscoveryService) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// UpdateAgent deletes any existing documents for the registration's agent
// and generates + upserts fresh ones. Logically atomic from the
// perspective of a search issued after it returns.
func (s *DiscoveryService) UpdateAgent(r *domain.AgentRegistration) error {
	profile := buildProfileText(r)
	caps := buildCapabilityTexts(r)
	skills := buildSkillTexts(r)
	pl := docPayload{
		organization:       r.Organization,
		developer:          r.Developer,
		tags:               r.Tags,
		authSchemes:        r.AuthSchemes,
		defaultInputModes:  r.DefaultInputModes,
		defaultOutputModes: r.DefaultOutputModes,
	}

	s.mu.Lock()
	s.profileText[r.AgentID] = profile
	s.capabilityText[r.AgentID] = caps
	s.skillText[r.AgentID] = skills
	s.payload[r.AgentID] = pl
	degraded := s.degraded
	s.mu.Unlock()

	if degraded {
		return nil
	}

	if err := s.index.DeleteByAgent(r.AgentID); err != nil {
		return fmt.Errorf("clear agent embeddings: %w", err)
	}

	docs, err := s.buildIndexedDocuments(r, profile, caps, skills, pl)
	if err != nil {
		return fmt.Errorf("build documents: %w", err)
	}
	if err := s.index.Upsert(docs); err != nil {
		return fmt.Errorf("upsert documents: %w", err)
	}
	return nil
}

func (s *DiscoveryService) buildIndexedDocuments(r *domain.AgentRegistration, profile string, caps, skills []textEntry, pl docPayload) ([]IndexedDocument, error) {
	readableIDs := []string{r.AgentID + "_profile"}
	texts := []string{profile}
	for i, c := range caps {
		readableIDs = append(readableIDs, fmt.Sprintf("%s:capability:%d:%s", r.AgentID, i, c.name))
		texts = append(texts, c.text)
	}
	for i, sk := range skills {
		readableIDs = append(readableIDs, fmt.Sprintf("%s:skill:%d:%s", r.AgentID, i, sk.name))
		texts = append(texts, sk.text)
	}
	vectors, err := s.embedDocuments(readableIDs, texts)
	if err != nil {
		return nil, err
	}

	basePayload := map[string]any{
		"agent_id":             r.AgentID,
		"name":                 r.Name,
		"summary":              r.Summary,
		"organization":         pl.organization,
		"developer":            pl.developer,
		"tags":                 pl.tags,
		"auth_schemes":         pl.authSchemes,
		"default_input_modes":  pl.defaultInputModes,
		"default_output_modes": pl.defaultOutputModes,
	}

	docs := make([]IndexedDocument, 0, len(texts))
	profilePayload := cloneMap(basePayload)
	docs = append(docs, IndexedDocument{
		ID:      stringToUUID(readableIDs[0]),
		AgentID: r.AgentID,
		Vector:  vectors[0],
		Payload: profilePayload,
	})

	idx := 1
	for _, c := range caps {
		payload := cloneMap(basePayload)
		payload["capability_name"] = c.name
		annotateAgentPrefixed(payload)
		docs = append(docs, IndexedDocument{
			ID:      stringToUUID(readableIDs[idx]),
			AgentID: r.AgentID,
			Vector:  vectors[idx],
			Payload: payload,
		})
		idx++
	}
	for _, sk := range skills {
		payload := cloneMap(basePayload)
		payload["skill_name"] = sk.name
		annotateAgentPrefixed(payload)
		docs = append(docs, IndexedDocument{
			ID:      stringToUUID(readableIDs[idx]),
			AgentID: r.AgentID,
			Vector:  vectors[idx],
			Payload: payload,
		})
		idx++
	}
	return docs, nil
}

// embedDocuments resolves a vector for every document, consulting the
// embedding cache first when one is attached and batching only the misses
// through the embedder. Cache keys mix the readable document id with a
// digest of the text, so an edited description is always re-embedded.
func (s *DiscoveryService) embedDocuments(readableIDs, texts []string) ([][]float64, error) {
	s.mu.RLock()
	cache := s.cache
	s.mu.RUnlock()

	vectors := make([][]float64, len(texts))
	missIdx := make([]int, 0, len(texts))
	missTexts := make([]string, 0, len(texts))
	for i, text := range texts {
		if cache != nil {
			if vec, ok, err := cache.GetCachedEmbedding(embeddingCacheKey(readableIDs[i], text)); err == nil && ok {
				vectors[i] = vec
				continue
			}
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return vectors, nil
	}

	embedded, err := s.embedder.EmbedDocuments(missTexts)
	if err != nil {
		return nil, err
	}
	for k, i := range missIdx {
		vectors[i] = embedded[k]
		if cache != nil {
			_ = cache.CacheEmbedding(embeddingCacheKey(readableIDs[i], texts[i]), embedded[k], embeddingCacheTTL)
		}
	}
	return vectors, nil
}

func embeddingCacheKey(readableID, text string) string {
	return fmt.Sprintf("%s:%x", readableID, md5.Sum([]byte(text)))
}

// annotateAgentPrefixed makes capability/skill points carry agent_{key}
// alongside the bare key, so filtered search can match across both point
// shapes.
func annotateAgentPrefixed(payload map[string]any) {
	for _, key := range []string{"default_input_modes", "default_output_modes", "auth_schemes"} {
		payload["agent_"+key] = payload[key]
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// RemoveAgent deletes all documents and cached text belonging to agentID,
// dropping any memoized embeddings ahead of their TTL.
func (s *DiscoveryService) RemoveAgent(agentID string) error {
	s.mu.Lock()
	if s.cache != nil {
		if profile, ok := s.profileText[agentID]; ok {
			_ = s.cache.InvalidateEmbedding(embeddingCacheKey(agentID+"_profile", profile))
		}
		for i, c := range s.capabilityText[agentID] {
			_ = s.cache.InvalidateEmbedding(embeddingCacheKey(fmt.Sprintf("%s:capability:%d:%s", agentID, i, c.name), c.text))
		}
		for i, sk := range s.skillText[agentID] {
			_ = s.cache.InvalidateEmbedding(embeddingCacheKey(fmt.Sprintf("%s:skill:%d:%s", agentID, i, sk.name), sk.text))
		}
	}
	delete(s.profileText, agentID)
	delete(s.capabilityText, agentID)
	delete(s.skillText, agentID)
	delete(s.payload, agentID)
	degraded := s.degraded
	s.mu.Unlock()

	if degraded {
		return nil
	}
	if err := s.index.DeleteByAgent(agentID); err != nil {
		return fmt.Errorf("clear agent embeddings: %w", err)
	}
	return nil
}

// Search runs semantic search (vector-backed) or falls back to Jaccard
// string similarity in degraded mode. Returns hits sorted by descending
// score, deduplicated by agent id, at most limit entries.
func (s *DiscoveryService) Search(query string, limit int, threshold float64, filter DiscoveryFilter) ([]SearchHit, error) {
	start := time.Now()
	s.mu.RLock()
	degraded := s.degraded
	s.mu.RUnlock()

	if degraded {
		hits := s.jaccardSearch(query, limit, threshold, filter)
		metrics.RecordDiscoveryQuery("jaccard")
		metrics.ObserveDiscoveryQueryDuration("jaccard", time.Since(start).Seconds())
		return hits, nil
	}

	vec, err := s.embedder.EmbedQuery(query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := s.index.Search(vec, limit*3, threshold, filter)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	metrics.RecordDiscoveryQuery("vector")
	metrics.ObserveDiscoveryQueryDuration("vector", time.Since(start).Seconds())
	return dedupeTopN(hits, limit), nil
}

func dedupeTopN(hits []SearchHit, limit int) []SearchHit {
	best := make(map[string]float64)
	for _, h := range hits {
		if cur, ok := best[h.AgentID]; !ok || h.Score > cur {
			best[h.AgentID] = h.Score
		}
	}
	out := make([]SearchHit, 0, len(best))
	for agentID, score := range best {
		out = append(out, SearchHit{AgentID: agentID, Score: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *DiscoveryService) jaccardSearch(query string, limit int, threshold float64, filter DiscoveryFilter) []SearchHit {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []SearchHit
	for agentID, profile := range s.profileText {
		if !matchesFilter(s.payload[agentID], filter) {
			continue
		}
		best := jaccard(query, profile)
		for _, c := range s.capabilityText[agentID] {
			if j := jaccard(query, c.text); j > best {
				best = j
			}
		}
		for _, sk := range s.skillText[agentID] {
			if j := jaccard(query, sk.text); j > best {
				best = j
			}
		}
		if best >= threshold {
			out = append(out, SearchHit{AgentID: agentID, Score: best})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func matchesFilter(p docPayload, filter DiscoveryFilter) bool {
	if len(filter.Organization) > 0 && !anyOverlap(filter.Organization, []string{p.organization}) {
		return false
	}
	if len(filter.Developer) > 0 && !anyOverlap(filter.Developer, []string{p.developer}) {
		return false
	}
	if len(filter.Tags) > 0 && !anyOverlap(filter.Tags, p.tags) {
		return false
	}
	if len(filter.AuthSchemes) > 0 && !anyOverlap(filter.AuthSchemes, p.authSchemes) {
		return false
	}
	if len(filter.DefaultInputModes) > 0 && !anyOverlap(filter.DefaultInputModes, p.defaultInputModes) {
		return false
	}
	if len(filter.DefaultOutputModes) > 0 && !anyOverlap(filter.DefaultOutputModes, p.defaultOutputModes) {
		return false
	}
	return true
}

func anyOverlap(want, have []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; ok {
			return true
		}
	}
	return false
}

// jaccard computes len(intersection)/len(union) over lowercased
// whitespace-split word sets, returning 0 if either set is empty.
func jaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// buildProfileText concatenates, in order and skipping empty fields: name,
// summary, description, a bulleted capability list, a bulleted skill list,
// examples, tags, accepted input modes, produced output modes, supported
// auth schemes.
func buildProfileText(r *domain.AgentRegistration) string {
	var b strings.Builder
	appendIfNonEmpty(&b, r.Name)
	appendIfNonEmpty(&b, r.Summary)
	appendIfNonEmpty(&b, r.Description)
	for _, c := range r.Capabilities {
		appendIfNonEmpty(&b, fmt.Sprintf("- %s: %s", c.Name, c.Description))
	}
	for _, sk := range r.Skills {
		appendIfNonEmpty(&b, fmt.Sprintf("- %s: %s", sk.Name, sk.Description))
	}
	appendListIfNonEmpty(&b, r.Examples)
	appendListIfNonEmpty(&b, r.Tags)
	appendListIfNonEmpty(&b, r.DefaultInputModes)
	appendListIfNonEmpty(&b, r.DefaultOutputModes)
	appendListIfNonEmpty(&b, r.AuthSchemes)
	return b.String()
}

func appendIfNonEmpty(b *strings.Builder, s string) {
	if s == "" {
		return
	}
	if b.Len() > 0 {
		b.WriteString(" ")
	}
	b.WriteString(s)
}

func appendListIfNonEmpty(b *strings.Builder, items []string) {
	if len(items) == 0 {
		return
	}
	appendIfNonEmpty(b, strings.Join(items, " "))
}

func buildCapabilityTexts(r *domain.AgentRegistration) []textEntry {
	out := make([]textEntry, len(r.Capabilities))
	for i, c := range r.Capabilities {
		out[i] = textEntry{name: c.Name, text: c.Name + " " + c.Description}
	}
	return out
}

func buildSkillTexts(r *domain.AgentRegistration) []textEntry {
	out := make([]textEntry, len(r.Skills))
	for i, sk := range r.Skills {
		out[i] = textEntry{name: sk.Name, text: sk.Name + " " + sk.Description}
	}
	return out
}

// stringToUUID derives a deterministic UUID v4-shaped string from a
// readable document id via MD5 hashing: set the version nibble to 4 and
// the variant bits to RFC 4122.
func stringToUUID(s string) string {
	sum := md5.Sum([]byte(s))
	sum[6] = (sum[6] & 0x0F) | 0x40
	sum[8] = (sum[8] & 0x3F) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", sum[0:4], sum[4:6], sum[6:8], sum[8:10], sum[10:16])
}
