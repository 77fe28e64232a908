// Package mcp exposes the knowledge graph to AI agents over the Model
// Context Protocol: search, similarity, impact analysis, and engine
// status as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/anthropics/ckg/internal/cypher"
	"github.com/anthropics/ckg/internal/embeddings"
	"github.com/anthropics/ckg/internal/graph"
	"github.com/anthropics/ckg/internal/monitor"
	"github.com/anthropics/ckg/internal/search"
	"github.com/anthropics/ckg/internal/syncd"
	"github.com/anthropics/ckg/internal/vector"
)

// impactEdgeTypes are the dependency edges traversed when computing a
// change's blast radius.
const impactEdgeTypes = "CALLS|IMPORTS|REFERENCES|DEPENDS_ON|EXTENDS|IMPLEMENTS|TYPE_USES|PARAM_TYPE|RETURNS_TYPE"

// DefaultTools is the default tool set.
var DefaultTools = []string{"ckg_search", "ckg_similar", "ckg_impact", "ckg_status"}

// Config holds server configuration.
type Config struct {
	Tools   []string      // which tools to expose (empty = all)
	Timeout time.Duration // inactivity timeout (0 = no timeout)
}

// Deps are the engine collaborators tools answer from. Monitor and
// SyncStatus are optional.
type Deps struct {
	Exec       cypher.Executor
	Search     *search.Service
	Embeddings *embeddings.Service
	Monitor    *monitor.Monitor
	SyncStatus func() syncd.Status
}

// Server wraps the MCP server with graph-backed tools.
type Server struct {
	mcpServer *server.MCPServer
	deps      Deps
	logger    *zap.Logger

	tools        map[string]bool
	timeout      time.Duration
	mu           sync.RWMutex
	lastActivity time.Time
}

// New creates the MCP server and registers the configured tools.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if deps.Exec == nil || deps.Search == nil {
		return nil, fmt.Errorf("mcp: executor and search service required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		mcpServer: server.NewMCPServer(
			"ckg",
			"1.0.0",
			server.WithToolCapabilities(false),
		),
		deps:         deps,
		logger:       logger.Named("mcp"),
		tools:        map[string]bool{},
		timeout:      cfg.Timeout,
		lastActivity: time.Now(),
	}

	toRegister := cfg.Tools
	if len(toRegister) == 0 {
		toRegister = DefaultTools
	}
	for _, name := range toRegister {
		if err := s.registerTool(name); err != nil {
			return nil, err
		}
		s.tools[name] = true
	}
	return s, nil
}

func (s *Server) registerTool(name string) error {
	switch name {
	case "ckg_search":
		tool := mcp.NewTool("ckg_search",
			mcp.WithDescription("Search the code knowledge graph. Structural matching by default; set mode to semantic or hybrid for embedding-based search."),
			mcp.WithString("query",
				mcp.Required(),
				mcp.Description("Search text: a symbol name, file path fragment, or natural-language description"),
			),
			mcp.WithString("mode",
				mcp.Description("Search strategy: structural, semantic, or hybrid (default: structural)"),
			),
			mcp.WithString("kind",
				mcp.Description("Restrict to one entity kind, e.g. symbol or file"),
			),
			mcp.WithBoolean("fuzzy",
				mcp.Description("Tolerate small spelling differences in structural matching"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum results (default: 20)"),
			),
		)
		s.mcpServer.AddTool(tool, s.handleSearch)
	case "ckg_similar":
		tool := mcp.NewTool("ckg_similar",
			mcp.WithDescription("Find entities semantically similar to a given entity via its embedding."),
			mcp.WithString("entity_id",
				mcp.Required(),
				mcp.Description("Entity id to find neighbors of"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum results (default: 10)"),
			),
			mcp.WithNumber("min_score",
				mcp.Description("Minimum cosine similarity (default: 0)"),
			),
		)
		s.mcpServer.AddTool(tool, s.handleSimilar)
	case "ckg_impact":
		tool := mcp.NewTool("ckg_impact",
			mcp.WithDescription("Analyze the blast radius of changing an entity: everything that depends on it, transitively."),
			mcp.WithString("target",
				mcp.Required(),
				mcp.Description("Entity id or symbol name to analyze"),
			),
			mcp.WithNumber("depth",
				mcp.Description("Transitive depth (default: 3, max: 10)"),
			),
		)
		s.mcpServer.AddTool(tool, s.handleImpact)
	case "ckg_status":
		tool := mcp.NewTool("ckg_status",
			mcp.WithDescription("Report engine status: graph population, sync activity, and health."),
		)
		s.mcpServer.AddTool(tool, s.handleStatus)
	default:
		return fmt.Errorf("unknown tool: %s", name)
	}
	return nil
}

// ServeStdio runs the server on stdio until the client disconnects.
func (s *Server) ServeStdio() error {
	if s.timeout > 0 {
		go s.timeoutChecker()
	}
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) timeoutChecker() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.RLock()
		elapsed := time.Since(s.lastActivity)
		s.mu.RUnlock()
		if elapsed > s.timeout {
			fmt.Fprintf(os.Stderr, "ckg mcp: timeout after %v of inactivity\n", s.timeout)
			os.Exit(0)
		}
	}
}

func (s *Server) updateActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// ListTools returns the registered tool names.
func (s *Server) ListTools() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tools))
	for name := range s.tools {
		out = append(out, name)
	}
	return out
}

// CallTool dispatches a tool by name, outside an MCP session. Used by
// the CLI's direct invocation path and by tests.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	s.mu.RLock()
	registered := s.tools[name]
	s.mu.RUnlock()
	if !registered {
		return "", fmt.Errorf("unknown tool: %s", name)
	}

	switch name {
	case "ckg_search":
		query, _ := args["query"].(string)
		if query == "" {
			return "", fmt.Errorf("query parameter is required")
		}
		mode, _ := args["mode"].(string)
		kind, _ := args["kind"].(string)
		fuzzy, _ := args["fuzzy"].(bool)
		limit := 20
		if l, ok := args["limit"].(float64); ok {
			limit = int(l)
		}
		return s.executeSearch(ctx, query, mode, kind, fuzzy, limit)
	case "ckg_similar":
		entityID, _ := args["entity_id"].(string)
		if entityID == "" {
			return "", fmt.Errorf("entity_id parameter is required")
		}
		limit := 10
		if l, ok := args["limit"].(float64); ok {
			limit = int(l)
		}
		minScore := 0.0
		if v, ok := args["min_score"].(float64); ok {
			minScore = v
		}
		return s.executeSimilar(ctx, entityID, limit, minScore)
	case "ckg_impact":
		target, _ := args["target"].(string)
		if target == "" {
			return "", fmt.Errorf("target parameter is required")
		}
		depth := 3
		if d, ok := args["depth"].(float64); ok {
			depth = int(d)
		}
		return s.executeImpact(ctx, target, depth)
	case "ckg_status":
		return s.executeStatus(ctx)
	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

func (s *Server) handleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.updateActivity()
	result, err := s.CallTool(ctx, "ckg_search", req.GetArguments())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(result), nil
}

func (s *Server) handleSimilar(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.updateActivity()
	result, err := s.CallTool(ctx, "ckg_similar", req.GetArguments())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(result), nil
}

func (s *Server) handleImpact(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.updateActivity()
	result, err := s.CallTool(ctx, "ckg_impact", req.GetArguments())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(result), nil
}

func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.updateActivity()
	result, err := s.CallTool(ctx, "ckg_status", req.GetArguments())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(result), nil
}

func (s *Server) executeSearch(ctx context.Context, query, mode, kind string, fuzzy bool, limit int) (string, error) {
	req := search.Request{
		Query: query,
		Fuzzy: fuzzy,
		Limit: limit,
	}
	switch mode {
	case "semantic":
		req.SearchType = search.Semantic
	case "hybrid":
		req.SearchType = search.Hybrid
	case "", "structural":
		req.SearchType = search.Structural
	default:
		return "", fmt.Errorf("unknown search mode %q", mode)
	}
	if kind != "" {
		k := graph.EntityKind(kind)
		if !graph.ValidKind(k) {
			return "", fmt.Errorf("unknown entity kind %q", kind)
		}
		req.EntityTypes = []graph.EntityKind{k}
	}
	results, err := s.deps.Search.Search(ctx, req)
	if err != nil {
		return "", err
	}
	return marshal(map[string]any{
		"query":   query,
		"mode":    string(req.SearchType),
		"count":   len(results),
		"results": results,
	})
}

func (s *Server) executeSimilar(ctx context.Context, entityID string, limit int, minScore float64) (string, error) {
	if s.deps.Embeddings == nil {
		return "", fmt.Errorf("embeddings are not enabled")
	}
	results, err := s.deps.Embeddings.FindSimilar(ctx, entityID, vector.SearchOptions{
		Limit:    limit,
		MinScore: minScore,
	})
	if err != nil {
		return "", err
	}
	return marshal(map[string]any{
		"entityId": entityID,
		"count":    len(results),
		"results":  results,
	})
}

// executeImpact walks dependency edges backwards from the target and
// reports every entity that could be affected by changing it.
func (s *Server) executeImpact(ctx context.Context, target string, depth int) (string, error) {
	if depth <= 0 {
		depth = 3
	}
	if depth > 10 {
		depth = 10
	}
	query := fmt.Sprintf(`
		MATCH (t:Entity)
		WHERE t.id = $target OR t.name = $target
		WITH t ORDER BY t.id LIMIT 1
		OPTIONAL MATCH p = (m:Entity)-[:%s*1..%d]->(t)
		WHERE m.id <> t.id
		WITH t, m, min(length(p)) AS distance
		RETURN t.id AS targetId, t.name AS targetName,
		       m.id AS id, m.name AS name, m.type AS kind,
		       m.path AS path, distance
		ORDER BY distance ASC, id ASC
		LIMIT 200`, impactEdgeTypes, depth)
	rows, err := s.deps.Exec.Execute(ctx, query,
		map[string]any{"target": target},
		cypher.Options{AccessMode: cypher.Read, Retryable: true})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("no entity matches %q", target)
	}

	type affected struct {
		ID       string `json:"id"`
		Name     string `json:"name,omitempty"`
		Kind     string `json:"kind,omitempty"`
		Path     string `json:"path,omitempty"`
		Distance int    `json:"distance"`
	}
	var list []affected
	for _, row := range rows {
		id, _ := row["id"].(string)
		if id == "" {
			continue
		}
		dist := 0
		if d, ok := row["distance"].(int64); ok {
			dist = int(d)
		}
		name, _ := row["name"].(string)
		kind, _ := row["kind"].(string)
		path, _ := row["path"].(string)
		list = append(list, affected{ID: id, Name: name, Kind: kind, Path: path, Distance: dist})
	}
	targetID, _ := rows[0]["targetId"].(string)
	targetName, _ := rows[0]["targetName"].(string)
	return marshal(map[string]any{
		"target":   map[string]any{"id": targetID, "name": targetName},
		"depth":    depth,
		"count":    len(list),
		"affected": list,
	})
}

func (s *Server) executeStatus(ctx context.Context) (string, error) {
	status := map[string]any{}

	rows, err := s.deps.Exec.Execute(ctx, `
		MATCH (n:Entity)
		WITH count(n) AS entities
		OPTIONAL MATCH ()-[r]->()
		RETURN entities, count(r) AS relationships`,
		nil, cypher.Options{AccessMode: cypher.Read, Retryable: true})
	if err != nil {
		return "", err
	}
	if len(rows) > 0 {
		status["graph"] = map[string]any{
			"entities":      rows[0]["entities"],
			"relationships": rows[0]["relationships"],
		}
	}
	if s.deps.SyncStatus != nil {
		status["sync"] = s.deps.SyncStatus()
	}
	if s.deps.Monitor != nil {
		status["health"] = s.deps.Monitor.Health()
		status["stats"] = s.deps.Monitor.GetStats()
	}
	return marshal(status)
}

func marshal(v any) (string, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(out), nil
}
