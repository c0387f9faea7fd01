// Package knowledge mirrors bot and source ownership into neo4j. The graph
// is an optional read model: when no driver is configured the rest of the
// system runs without it.
package knowledge

import (
	"context"
	"fmt"
	"net/url"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fabfab/botkb/store"
)

type Graph struct {
	driver neo4j.DriverWithContext
}

func NewGraph(driver neo4j.DriverWithContext) *Graph {
	return &Graph{driver: driver}
}

// SyncSource upserts (Bot)-[:OWNS]->(Source) after a source completes, and
// links URL-backed sources to their domain so siblings can be related.
func (g *Graph) SyncSource(ctx context.Context, bot store.Bot, src store.Source, chunkCount int) error {
	if g == nil || g.driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	params := map[string]any{
		"bot_id":      bot.ID.String(),
		"bot_name":    bot.Name,
		"source_id":   src.ID.String(),
		"source_name": src.Name,
		"source_type": src.Type,
		"url":         src.URL,
		"chunk_count": chunkCount,
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (b:Bot {id: $bot_id})
			SET b.name = $bot_name
			MERGE (s:Source {id: $source_id})
			SET s.name = $source_name,
			    s.type = $source_type,
			    s.chunk_count = $chunk_count,
			    s.updated_at = datetime()
			MERGE (b)-[:OWNS]->(s)
		`, params); err != nil {
			return nil, fmt.Errorf("upsert source node: %w", err)
		}

		if host := hostOf(src.URL); host != "" {
			params["domain"] = host
			if _, err := tx.Run(ctx, `
				MATCH (s:Source {id: $source_id})
				MERGE (d:Domain {host: $domain})
				MERGE (s)-[:ON_DOMAIN]->(d)
			`, params); err != nil {
				return nil, fmt.Errorf("upsert domain relation: %w", err)
			}
		}

		return nil, nil
	})

	return err
}

// RemoveSource drops a deleted source's node, then any domain node left
// without sources.
func (g *Graph) RemoveSource(ctx context.Context, sourceID string) error {
	if g == nil || g.driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MATCH (s:Source {id: $id})
			OPTIONAL MATCH (s)-[:ON_DOMAIN]->(d:Domain)
			DETACH DELETE s
			WITH d
			WHERE d IS NOT NULL AND NOT (d)<-[:ON_DOMAIN]-(:Source)
			DETACH DELETE d
		`, map[string]any{"id": sourceID}); err != nil {
			return nil, fmt.Errorf("remove source node: %w", err)
		}
		return nil, nil
	})
	return err
}

type SourceInsight struct {
	ChunkCount     int             `json:"chunk_count"`
	Domain         string          `json:"domain,omitempty"`
	RelatedSources []RelatedSource `json:"related_sources,omitempty"`
}

type RelatedSource struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SourceInsights reports chunk counts and same-domain sibling sources for
// the given source IDs.
func (g *Graph) SourceInsights(ctx context.Context, sourceIDs []string) (map[string]SourceInsight, error) {
	if g == nil || g.driver == nil {
		return nil, fmt.Errorf("neo4j driver is nil")
	}
	if len(sourceIDs) == 0 {
		return map[string]SourceInsight{}, nil
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	records, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MATCH (s:Source)
			WHERE s.id IN $ids
			OPTIONAL MATCH (s)-[:ON_DOMAIN]->(d:Domain)
			OPTIONAL MATCH (d)<-[:ON_DOMAIN]-(sibling:Source)
			WHERE sibling.id <> s.id
			RETURN s.id AS id,
			       s.chunk_count AS chunk_count,
			       d.host AS domain,
			       collect(DISTINCT {id: sibling.id, name: sibling.name}) AS siblings
		`, map[string]any{"ids": sourceIDs})
		if err != nil {
			return nil, fmt.Errorf("query source insights: %w", err)
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}

	insights := make(map[string]SourceInsight)
	for _, record := range records.([]*neo4j.Record) {
		id, _ := record.Get("id")
		idStr, ok := id.(string)
		if !ok {
			continue
		}

		insight := SourceInsight{}
		if count, ok := record.Get("chunk_count"); ok {
			if n, ok := count.(int64); ok {
				insight.ChunkCount = int(n)
			}
		}
		if domain, ok := record.Get("domain"); ok {
			if host, ok := domain.(string); ok {
				insight.Domain = host
			}
		}
		if raw, ok := record.Get("siblings"); ok {
			if list, ok := raw.([]any); ok {
				for _, item := range list {
					entry, ok := item.(map[string]any)
					if !ok {
						continue
					}
					sibID, _ := entry["id"].(string)
					sibName, _ := entry["name"].(string)
					if sibID != "" {
						insight.RelatedSources = append(insight.RelatedSources, RelatedSource{ID: sibID, Name: sibName})
					}
				}
			}
		}

		insights[idStr] = insight
	}

	return insights, nil
}

func hostOf(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Host
}
