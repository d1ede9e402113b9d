package weaviate

import (
	"context"
	"fmt"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"paperscope/internal/paper"
	"paperscope/internal/vector"
)

const scrollPage = 500

type Store struct {
	client *weaviate.Client
}

func NewStore(client *weaviate.Client) *Store {
	return &Store{client: client}
}

// EnsureCollection creates the paper class. Weaviate fixes the vector length
// on first insert, so dim is checked by callers.
func (s *Store) EnsureCollection(ctx context.Context, name string, _ int, distance vector.Distance) error {
	return vector.EnsureSchema(ctx, s, name, distance)
}

func (s *Store) Upsert(ctx context.Context, collection string, points ...vector.Point) error {
	className := vector.ClassName(collection)
	objects := make([]*models.Object, 0, len(points))
	for _, p := range points {
		objects = append(objects, &models.Object{
			Class:      className,
			ID:         strfmt.UUID(p.ID),
			Properties: properties(p.Payload),
			Vector:     p.Vector,
		})
	}

	// Batch writes replace objects that share an id.
	res, err := s.client.Batch().ObjectsBatcher().
		WithObjects(objects...).
		Do(ctx)
	if err != nil {
		return err
	}
	for _, r := range res {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			return fmt.Errorf("upsert %s: %s", r.ID, r.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

func (s *Store) Search(ctx context.Context, collection string, query []float32, k int, withVectors bool) ([]vector.Match, error) {
	className := vector.ClassName(collection)
	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(query)

	res, err := s.client.GraphQL().Get().
		WithClassName(className).
		WithNearVector(nearVector).
		WithLimit(k).
		WithFields(fields(withVectors)...).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %v", res.Errors[0].Message)
	}

	return parseObjects(res.Data["Get"], className, withVectors), nil
}

// Scroll walks the class with cursor pagination.
func (s *Store) Scroll(ctx context.Context, collection string, limit int) ([]vector.Match, error) {
	className := vector.ClassName(collection)
	var (
		out   []vector.Match
		after string
	)
	for limit <= 0 || len(out) < limit {
		page := scrollPage
		if limit > 0 && limit-len(out) < page {
			page = limit - len(out)
		}

		get := s.client.GraphQL().Get().
			WithClassName(className).
			WithLimit(page).
			WithFields(fields(true)...)
		if after != "" {
			get = get.WithAfter(after)
		}
		res, err := get.Do(ctx)
		if err != nil {
			return nil, err
		}
		if len(res.Errors) > 0 {
			return nil, fmt.Errorf("graphql error: %v", res.Errors[0].Message)
		}

		batch := parseObjects(res.Data["Get"], className, true)
		out = append(out, batch...)
		if len(batch) < page {
			break
		}
		after = batch[len(batch)-1].ID
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	className := vector.ClassName(collection)
	meta := graphql.Field{
		Name:   "meta",
		Fields: []graphql.Field{{Name: "count"}},
	}

	res, err := s.client.GraphQL().Aggregate().
		WithClassName(className).
		WithFields(meta).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("graphql error: %v", res.Errors[0].Message)
	}

	if agg, ok := res.Data["Aggregate"].(map[string]interface{}); ok {
		if rows, ok := agg[className].([]interface{}); ok && len(rows) > 0 {
			if row, ok := rows[0].(map[string]interface{}); ok {
				if m, ok := row["meta"].(map[string]interface{}); ok {
					if count, ok := m["count"].(float64); ok {
						return int(count), nil
					}
				}
			}
		}
	}
	return 0, nil
}

func (s *Store) Close() error { return nil }

func properties(p paper.Payload) map[string]interface{} {
	authors := p.Authors
	if authors == nil {
		authors = []string{}
	}
	return map[string]interface{}{
		"paperId":   p.PaperID,
		"title":     p.Title,
		"authors":   authors,
		"abstract":  p.Abstract,
		"published": p.Published,
		"link":      p.Link,
	}
}

func fields(withVectors bool) []graphql.Field {
	additional := []graphql.Field{{Name: "id"}, {Name: "distance"}}
	if withVectors {
		additional = append(additional, graphql.Field{Name: "vector"})
	}
	return []graphql.Field{
		{Name: "paperId"},
		{Name: "title"},
		{Name: "authors"},
		{Name: "abstract"},
		{Name: "published"},
		{Name: "link"},
		{Name: "_additional", Fields: additional},
	}
}

func parseObjects(data interface{}, className string, withVectors bool) []vector.Match {
	var matches []vector.Match
	get, ok := data.(map[string]interface{})
	if !ok {
		return matches
	}
	objects, ok := get[className].([]interface{})
	if !ok {
		return matches
	}

	for _, o := range objects {
		props, ok := o.(map[string]interface{})
		if !ok {
			continue
		}
		m := vector.Match{Payload: payloadFrom(props)}

		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			if id, ok := additional["id"].(string); ok {
				m.ID = id
			}
			// Cosine distance is 1 - similarity.
			if d, ok := additional["distance"].(float64); ok {
				m.Score = 1 - d
			}
			if withVectors {
				if raw, ok := additional["vector"].([]interface{}); ok {
					m.Vector = make([]float32, 0, len(raw))
					for _, v := range raw {
						if f, ok := v.(float64); ok {
							m.Vector = append(m.Vector, float32(f))
						}
					}
				}
			}
		}
		if m.ID == "" {
			m.ID = m.Payload.PaperID
		}
		matches = append(matches, m)
	}
	return matches
}

func payloadFrom(props map[string]interface{}) paper.Payload {
	var p paper.Payload
	if v, ok := props["paperId"].(string); ok {
		p.PaperID = v
	}
	if v, ok := props["title"].(string); ok {
		p.Title = v
	}
	if v, ok := props["abstract"].(string); ok {
		p.Abstract = v
	}
	if v, ok := props["published"].(string); ok {
		p.Published = v
	}
	if v, ok := props["link"].(string); ok {
		p.Link = v
	}
	if raw, ok := props["authors"].([]interface{}); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				p.Authors = append(p.Authors, s)
			}
		}
	}
	return p
}
