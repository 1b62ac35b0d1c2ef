// Package neo4j implements the memops GraphStore over a Neo4j database.
package neo4j

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/memgrid/memsched/internal/config"
	"github.com/memgrid/memsched/internal/domain"
	"github.com/memgrid/memsched/internal/memops"
)

// GraphStore persists memory nodes and relationships in Neo4j. Nodes
// are scoped to their cube via a cube_id property, which every query is
// constrained by.
type GraphStore struct {
	driver neo4j.DriverWithContext
	logger *slog.Logger
}

// New connects to Neo4j and verifies connectivity.
func New(ctx context.Context, cfg config.GraphConfig, logger *slog.Logger) (*GraphStore, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("%w: neo4j URI cannot be empty", domain.ErrConfiguration)
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create neo4j driver: %v", domain.ErrConfiguration, err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("%w: neo4j unreachable: %v", domain.ErrBackendUnavailable, err)
	}

	return &GraphStore{
		driver: driver,
		logger: logger.With(slog.String("component", "neo4j")),
	}, nil
}

// Close releases the driver's connection pool.
func (g *GraphStore) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// validLabel accepts plain alphanumeric node labels; labels are
// interpolated into Cypher and cannot be parameterized.
func validLabel(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// WriteNode upserts a node keyed by its id, merging labels and
// properties.
func (g *GraphStore) WriteNode(ctx context.Context, node *memops.GraphNode) error {
	if node.ID == "" {
		return fmt.Errorf("%w: graph node id cannot be empty", domain.ErrValidation)
	}

	labels := node.Labels
	if len(labels) == 0 {
		labels = []string{"Memory"}
	}
	for _, label := range labels {
		if !validLabel(label) {
			return fmt.Errorf("%w: invalid node label %q", domain.ErrValidation, label)
		}
	}

	cypher := fmt.Sprintf(
		"MERGE (n:%s {id: $id}) SET n.cube_id = $cube_id, n += $props",
		strings.Join(labels, ":"))
	params := map[string]any{
		"id":      node.ID,
		"cube_id": node.CubeID,
		"props":   node.Properties,
	}
	if node.Properties == nil {
		params["props"] = map[string]any{}
	}

	return g.write(ctx, cypher, params)
}

// WriteEdge upserts a relationship between two existing nodes.
func (g *GraphStore) WriteEdge(ctx context.Context, edge *memops.GraphEdge) error {
	if edge.FromID == "" || edge.ToID == "" {
		return fmt.Errorf("%w: graph edge endpoints cannot be empty", domain.ErrValidation)
	}
	if !validLabel(edge.Kind) {
		return fmt.Errorf("%w: invalid edge kind %q", domain.ErrValidation, edge.Kind)
	}

	cypher := fmt.Sprintf(`
		MATCH (a {id: $from_id}), (b {id: $to_id})
		MERGE (a)-[r:%s]->(b)
		SET r += $props`, edge.Kind)
	params := map[string]any{
		"from_id": edge.FromID,
		"to_id":   edge.ToID,
		"props":   edge.Properties,
	}
	if edge.Properties == nil {
		params["props"] = map[string]any{}
	}

	return g.write(ctx, cypher, params)
}

func (g *GraphStore) write(ctx context.Context, cypher string, params map[string]any) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer func() { _ = session.Close(ctx) }()

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return nil, result.Err()
	})
	if err != nil {
		return fmt.Errorf("graph write failed: %w", err)
	}
	return nil
}

// Query runs a read query constrained to the cube and returns one map
// per result row. The cube scope is enforced by rewriting node patterns
// to carry the cube_id property, so callers express queries without it.
// Caller values arrive through params and are bound as Cypher
// parameters; the cube_id parameter is reserved for the scope rewrite.
func (g *GraphStore) Query(ctx context.Context, cubeID, query string, params map[string]any) ([]map[string]any, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer func() { _ = session.Close(ctx) }()

	bound := map[string]any{"cube_id": cubeID}
	for k, v := range params {
		if k == "cube_id" {
			return nil, fmt.Errorf("%w: cube_id parameter is reserved", domain.ErrValidation)
		}
		bound[k] = v
	}

	scoped := scopeToCube(query)
	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, scoped, bound)
		if err != nil {
			return nil, err
		}

		var rows []map[string]any
		for result.Next(ctx) {
			record := result.Record()
			row := make(map[string]any, len(record.Keys))
			for i, key := range record.Keys {
				row[key] = record.Values[i]
			}
			rows = append(rows, row)
		}
		return rows, result.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("graph query failed: %w", err)
	}
	rows, _ := out.([]map[string]any)
	return rows, nil
}

// scopeToCube injects the cube_id constraint into node property maps.
// "{norm_key: $norm_key}" becomes "{cube_id: $cube_id, norm_key:
// $norm_key}" and a bare "(m:Memory)" becomes
// "(m:Memory {cube_id: $cube_id})".
func scopeToCube(query string) string {
	if strings.Contains(query, "{") {
		return strings.Replace(query, "{", "{cube_id: $cube_id, ", 1)
	}
	if i := strings.Index(query, ")"); i >= 0 {
		return query[:i] + " {cube_id: $cube_id}" + query[i:]
	}
	return query
}
