// Package temporal answers history questions: what the graph looked like
// at a point in time, how an edge's validity intervals evolved, and what
// a change set touched.
package temporal

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/anthropics/ckg/internal/cypher"
	"github.com/anthropics/ckg/internal/graph"
)

// maxTraversalDepth bounds time-travel expansion.
const maxTraversalDepth = 10

// Range bounds a history query. Zero values mean unbounded.
type Range struct {
	From time.Time
	To   time.Time
}

func (r Range) contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// TraversalRequest parameterizes TimeTravelTraversal.
type TraversalRequest struct {
	StartID           string
	Until             time.Time
	MaxDepth          int
	RelationshipTypes []graph.RelType
}

// TraversalNode is one reached entity with the depth it was first found
// at.
type TraversalNode struct {
	Entity map[string]any `json:"entity"`
	Depth  int            `json:"depth"`
}

// Interval is one validity window of a canonical edge.
type Interval struct {
	ValidFrom   time.Time  `json:"validFrom"`
	ValidTo     *time.Time `json:"validTo,omitempty"`
	Active      bool       `json:"active"`
	ChangeSetID string     `json:"changeSetId,omitempty"`
	Version     int        `json:"version"`
}

// Timeline is the ordered interval history of one canonical edge.
type Timeline struct {
	CanonicalID string     `json:"canonicalId"`
	Intervals   []Interval `json:"intervals"`
}

// SessionChange is one record touched by a change set.
type SessionChange struct {
	EntityID   string    `json:"entityId"`
	EdgeID     string    `json:"edgeId,omitempty"`
	EdgeType   string    `json:"edgeType,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
	Closed     bool      `json:"closed"`
}

// SessionImpact summarizes what a change set touched.
type SessionImpact struct {
	SessionID     string    `json:"sessionId"`
	EntityIDs     []string  `json:"entityIds"`
	EdgesOpened   int       `json:"edgesOpened"`
	EdgesClosed   int       `json:"edgesClosed"`
	FirstActivity time.Time `json:"firstActivity"`
	LastActivity  time.Time `json:"lastActivity"`
}

// HistoryMetrics summarizes the stored history.
type HistoryMetrics struct {
	VersionEdges      int            `json:"versionEdges"`
	Checkpoints       int            `json:"checkpoints"`
	OpenEdges         int            `json:"openEdges"`
	ClosedEdges       int            `json:"closedEdges"`
	CheckpointMembers MemberStats    `json:"checkpointMembers"`
	LastPrune         *PruneSnapshot `json:"lastPrune,omitempty"`
}

// MemberStats aggregates checkpoint membership counts.
type MemberStats struct {
	Avg float64 `json:"avg"`
	Min int     `json:"min"`
	Max int     `json:"max"`
}

// PruneSnapshot records the most recent retention prune.
type PruneSnapshot struct {
	PrunedEdges       int       `json:"prunedEdges"`
	PrunedCheckpoints int       `json:"prunedCheckpoints"`
	RanAt             time.Time `json:"ranAt"`
}

// Service runs temporal queries over the executor.
type Service struct {
	exec   cypher.Executor
	logger *zap.Logger

	lastPrune *PruneSnapshot
}

// NewService creates a temporal query service.
func NewService(exec cypher.Executor, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{exec: exec, logger: logger}
}

// TimeTravelTraversal expands outgoing paths from the start entity,
// keeping only edges whose validity interval covers the cut-off instant.
// Nodes reached by several paths report their shortest depth.
func (s *Service) TimeTravelTraversal(ctx context.Context, req TraversalRequest) ([]TraversalNode, error) {
	if req.StartID == "" {
		return nil, cypher.NewError(cypher.KindValidation, "time travel", fmt.Errorf("missing start entity id"))
	}
	if req.Until.IsZero() {
		req.Until = time.Now().UTC()
	}
	depth := req.MaxDepth
	if depth <= 0 {
		depth = 3
	}
	if depth > maxTraversalDepth {
		depth = maxTraversalDepth
	}

	relFilter, err := relTypePattern(req.RelationshipTypes)
	if err != nil {
		return nil, err
	}

	// Depth and the type whitelist cannot be parameters; both are
	// validated above.
	query := fmt.Sprintf(`
		MATCH path = (start:Entity {id: $startId})-[rels%s*1..%d]->(m:Entity)
		WHERE all(r IN relationships(path)
			WHERE r.validFrom <= $until
			  AND (r.validTo IS NULL OR r.validTo > $until))
		RETURN m AS node, min(length(path)) AS depth
		ORDER BY depth ASC, m.id ASC`, relFilter, depth)

	rows, err := s.exec.Execute(ctx, query, map[string]any{
		"startId": req.StartID,
		"until":   req.Until,
	}, cypher.Options{AccessMode: cypher.Read, Retryable: true})
	if err != nil {
		return nil, fmt.Errorf("time travel from %s: %w", req.StartID, err)
	}

	out := make([]TraversalNode, 0, len(rows))
	for _, row := range rows {
		node, ok := row["node"].(map[string]any)
		if !ok {
			continue
		}
		out = append(out, TraversalNode{Entity: Node(node), Depth: depthOf(row["depth"])})
	}
	return out, nil
}

// Node strips driver bookkeeping keys from a node property map.
func Node(props map[string]any) map[string]any {
	delete(props, "_labels")
	return props
}

// GetRelationshipTimeline returns the ordered validity intervals of one
// canonical edge, optionally bounded to a range.
func (s *Service) GetRelationshipTimeline(ctx context.Context, canonicalID string, rng Range) (*Timeline, error) {
	rows, err := s.exec.Execute(ctx, `
		MATCH ()-[r]->()
		WHERE r.canonicalId = $id OR r.id = $id
		RETURN properties(r) AS props
		ORDER BY r.validFrom ASC`,
		map[string]any{"id": canonicalID},
		cypher.Options{AccessMode: cypher.Read, Retryable: true})
	if err != nil {
		return nil, fmt.Errorf("timeline %s: %w", canonicalID, err)
	}

	tl := &Timeline{CanonicalID: canonicalID}
	for _, row := range rows {
		props, ok := row["props"].(map[string]any)
		if !ok {
			continue
		}
		iv := Interval{
			ValidFrom:   timeOf(props["validFrom"]),
			Active:      boolOf(props["active"]),
			ChangeSetID: strOf(props["changeSetId"]),
			Version:     intOf(props["version"]),
		}
		if vt := timeOf(props["validTo"]); !vt.IsZero() {
			t := vt
			iv.ValidTo = &t
		}
		if !rng.contains(iv.ValidFrom) {
			continue
		}
		tl.Intervals = append(tl.Intervals, iv)
	}
	if err := ValidateIntervals(tl.Intervals); err != nil {
		s.logger.Warn("timeline invariant violated",
			zap.String("canonicalId", canonicalID), zap.Error(err))
	}
	return tl, nil
}

// ValidateIntervals checks the single-active invariant and that closed
// intervals do not overlap.
func ValidateIntervals(intervals []Interval) error {
	active := 0
	for _, iv := range intervals {
		if iv.Active {
			active++
		}
	}
	if active > 1 {
		return fmt.Errorf("%d active intervals, want at most 1", active)
	}
	sorted := append([]Interval(nil), intervals...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ValidFrom.Before(sorted[j].ValidFrom)
	})
	for i := 1; i < len(sorted); i++ {
		prev := sorted[i-1]
		if prev.ValidTo == nil {
			if prev.Active {
				return fmt.Errorf("open interval at %s precedes interval at %s",
					prev.ValidFrom, sorted[i].ValidFrom)
			}
			continue
		}
		if sorted[i].ValidFrom.Before(*prev.ValidTo) {
			return fmt.Errorf("interval starting %s overlaps previous ending %s",
				sorted[i].ValidFrom, *prev.ValidTo)
		}
	}
	return nil
}

// GetSessionTimeline returns the ordered changes of one change set.
func (s *Service) GetSessionTimeline(ctx context.Context, sessionID string, rng Range) ([]SessionChange, error) {
	rows, err := s.exec.Execute(ctx, `
		MATCH (a:Entity)-[r]->(b:Entity)
		WHERE r.changeSetId = $sessionId
		RETURN a.id AS fromId, r.id AS edgeId, type(r) AS edgeType,
		       r.validFrom AS validFrom, r.validTo AS validTo
		ORDER BY r.validFrom ASC`,
		map[string]any{"sessionId": sessionID},
		cypher.Options{AccessMode: cypher.Read, Retryable: true})
	if err != nil {
		return nil, fmt.Errorf("session timeline %s: %w", sessionID, err)
	}

	var out []SessionChange
	for _, row := range rows {
		occurred := timeOf(row["validFrom"])
		closed := !timeOf(row["validTo"]).IsZero()
		if closed {
			occurred = timeOf(row["validTo"])
		}
		if !rng.contains(occurred) {
			continue
		}
		out = append(out, SessionChange{
			EntityID:   strOf(row["fromId"]),
			EdgeID:     strOf(row["edgeId"]),
			EdgeType:   strOf(row["edgeType"]),
			OccurredAt: occurred,
			Closed:     closed,
		})
	}
	return out, nil
}

// GetSessionImpacts summarizes a change set: distinct entities touched
// and edges opened vs closed.
func (s *Service) GetSessionImpacts(ctx context.Context, sessionID string) (*SessionImpact, error) {
	changes, err := s.GetSessionTimeline(ctx, sessionID, Range{})
	if err != nil {
		return nil, err
	}
	impact := &SessionImpact{SessionID: sessionID}
	seen := map[string]bool{}
	for _, c := range changes {
		if !seen[c.EntityID] {
			seen[c.EntityID] = true
			impact.EntityIDs = append(impact.EntityIDs, c.EntityID)
		}
		if c.Closed {
			impact.EdgesClosed++
		} else {
			impact.EdgesOpened++
		}
		if impact.FirstActivity.IsZero() || c.OccurredAt.Before(impact.FirstActivity) {
			impact.FirstActivity = c.OccurredAt
		}
		if c.OccurredAt.After(impact.LastActivity) {
			impact.LastActivity = c.OccurredAt
		}
	}
	sort.Strings(impact.EntityIDs)
	return impact, nil
}

// GetSessionsAffectingEntity lists change sets that touched the entity,
// most recent first.
func (s *Service) GetSessionsAffectingEntity(ctx context.Context, entityID string, rng Range) ([]string, error) {
	rows, err := s.exec.Execute(ctx, `
		MATCH (n:Entity {id: $entityId})-[r]-()
		WHERE r.changeSetId IS NOT NULL
		RETURN DISTINCT r.changeSetId AS sessionId, max(r.validFrom) AS at
		ORDER BY at DESC`,
		map[string]any{"entityId": entityID},
		cypher.Options{AccessMode: cypher.Read, Retryable: true})
	if err != nil {
		return nil, fmt.Errorf("sessions for %s: %w", entityID, err)
	}
	var out []string
	for _, row := range rows {
		if !rng.contains(timeOf(row["at"])) {
			continue
		}
		out = append(out, strOf(row["sessionId"]))
	}
	return out, nil
}

// GetChangesForSession lists a change set's records with a limit.
func (s *Service) GetChangesForSession(ctx context.Context, sessionID string, limit int) ([]SessionChange, error) {
	changes, err := s.GetSessionTimeline(ctx, sessionID, Range{})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(changes) > limit {
		changes = changes[:limit]
	}
	return changes, nil
}

// GetHistoryMetrics counts stored history: version edges, checkpoints,
// open vs closed temporal edges, and checkpoint membership stats.
func (s *Service) GetHistoryMetrics(ctx context.Context) (*HistoryMetrics, error) {
	m := &HistoryMetrics{LastPrune: s.lastPrune}

	rows, err := s.exec.Execute(ctx, `
		MATCH ()-[r]->()
		WHERE r.validFrom IS NOT NULL
		RETURN type(r) = 'PREVIOUS_VERSION' AS isVersion,
		       r.validTo IS NULL AS open, count(r) AS total`,
		nil, cypher.Options{AccessMode: cypher.Read, Retryable: true})
	if err != nil {
		return nil, fmt.Errorf("history metrics: %w", err)
	}
	for _, row := range rows {
		n := intOf(row["total"])
		if boolOf(row["isVersion"]) {
			m.VersionEdges += n
		}
		if boolOf(row["open"]) {
			m.OpenEdges += n
		} else {
			m.ClosedEdges += n
		}
	}

	rows, err = s.exec.Execute(ctx, `
		MATCH (c:Checkpoint)
		OPTIONAL MATCH (c)-[:INCLUDES]->(m:Entity)
		WITH c, count(m) AS members
		RETURN count(c) AS checkpoints,
		       avg(members) AS avgMembers,
		       min(members) AS minMembers,
		       max(members) AS maxMembers`,
		nil, cypher.Options{AccessMode: cypher.Read, Retryable: true})
	if err != nil {
		return nil, fmt.Errorf("checkpoint metrics: %w", err)
	}
	if len(rows) > 0 {
		m.Checkpoints = intOf(rows[0]["checkpoints"])
		m.CheckpointMembers = MemberStats{
			Avg: floatOf(rows[0]["avgMembers"]),
			Min: intOf(rows[0]["minMembers"]),
			Max: intOf(rows[0]["maxMembers"]),
		}
	}
	return m, nil
}

// Prune removes closed temporal edges and checkpoints older than the
// retention window, recording a snapshot for GetHistoryMetrics.
func (s *Service) Prune(ctx context.Context, retention time.Duration) (*PruneSnapshot, error) {
	cutoff := time.Now().UTC().Add(-retention)
	snap := &PruneSnapshot{RanAt: time.Now().UTC()}

	rows, err := s.exec.Execute(ctx, `
		MATCH ()-[r]->()
		WHERE r.validTo IS NOT NULL AND r.validTo < $cutoff
		DELETE r
		RETURN count(r) AS pruned`,
		map[string]any{"cutoff": cutoff}, cypher.Options{})
	if err != nil {
		return nil, fmt.Errorf("prune edges: %w", err)
	}
	if len(rows) > 0 {
		snap.PrunedEdges = intOf(rows[0]["pruned"])
	}

	rows, err = s.exec.Execute(ctx, `
		MATCH (c:Checkpoint)
		WHERE c.created < $cutoff
		DETACH DELETE c
		RETURN count(c) AS pruned`,
		map[string]any{"cutoff": cutoff}, cypher.Options{})
	if err != nil {
		return nil, fmt.Errorf("prune checkpoints: %w", err)
	}
	if len(rows) > 0 {
		snap.PrunedCheckpoints = intOf(rows[0]["pruned"])
	}

	s.lastPrune = snap
	s.logger.Info("history pruned",
		zap.Int("edges", snap.PrunedEdges),
		zap.Int("checkpoints", snap.PrunedCheckpoints),
		zap.Duration("retention", retention))
	return snap, nil
}

// relTypePattern renders the relationship-type whitelist for a pattern,
// e.g. ":CALLS|IMPORTS". Empty input matches every type.
func relTypePattern(types []graph.RelType) (string, error) {
	if len(types) == 0 {
		return "", nil
	}
	names := make([]string, 0, len(types))
	for _, t := range types {
		if !graph.ValidRelType(t) {
			return "", cypher.NewError(cypher.KindValidation, "time travel",
				fmt.Errorf("unknown relationship type %q", t))
		}
		names = append(names, string(t))
	}
	return ":" + strings.Join(names, "|"), nil
}

func depthOf(v any) int { return intOf(v) }

func strOf(v any) string {
	s, _ := v.(string)
	return s
}

func boolOf(v any) bool {
	b, _ := v.(bool)
	return b
}

func intOf(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func floatOf(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}

func timeOf(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err == nil {
			return parsed
		}
	}
	return time.Time{}
}
