// Package qdrant stores paper vectors in a Qdrant collection over gRPC.
package qdrant

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"paperscope/internal/paper"
	"paperscope/internal/vector"
)

const scrollPage = 256

type Config struct {
	Host   string
	Port   int
	APIKey string
}

type Store struct {
	client *qdrant.Client
}

func NewStore(cfg Config) (*Store, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant client: %w", err)
	}
	return &Store{client: client}, nil
}

func (s *Store) EnsureCollection(ctx context.Context, name string, dim int, distance vector.Distance) error {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		info, err := s.client.GetCollectionInfo(ctx, name)
		if err != nil {
			return err
		}
		size := info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()
		if size != 0 && int(size) != dim {
			return fmt.Errorf("%w: collection %s has %d, want %d", vector.ErrDimensionMismatch, name, size, dim)
		}
		return nil
	}

	return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: toDistance(distance),
		}),
	})
}

func (s *Store) Upsert(ctx context.Context, collection string, points ...vector.Point) error {
	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		payload, err := qdrant.TryValueMap(payloadMap(p.Payload))
		if err != nil {
			return fmt.Errorf("point %s payload: %w", p.ID, err)
		}
		structs = append(structs, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID),
			Vectors: qdrant.NewVectorsDense(p.Vector),
			Payload: payload,
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points:         structs,
	})
	return err
}

func (s *Store) Search(ctx context.Context, collection string, query []float32, k int, withVectors bool) ([]vector.Match, error) {
	hits, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQueryDense(query),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(withVectors),
	})
	if err != nil {
		return nil, err
	}

	matches := make([]vector.Match, 0, len(hits))
	for _, h := range hits {
		m := vector.Match{
			ID:      h.GetId().GetUuid(),
			Score:   float64(h.GetScore()),
			Payload: payloadFrom(h.GetPayload()),
		}
		if withVectors {
			m.Vector = denseVector(h.GetVectors())
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// Scroll pages through the collection until limit points have been read.
func (s *Store) Scroll(ctx context.Context, collection string, limit int) ([]vector.Match, error) {
	var (
		out    []vector.Match
		offset *qdrant.PointId
	)
	for limit <= 0 || len(out) < limit {
		page := scrollPage
		if limit > 0 && limit-len(out) < page {
			page = limit - len(out)
		}
		points, next, err := s.client.ScrollAndOffset(ctx, &qdrant.ScrollPoints{
			CollectionName: collection,
			Offset:         offset,
			Limit:          qdrant.PtrOf(uint32(page)),
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		if err != nil {
			return nil, err
		}
		for _, p := range points {
			out = append(out, vector.Match{
				ID:      p.GetId().GetUuid(),
				Payload: payloadFrom(p.GetPayload()),
				Vector:  denseVector(p.GetVectors()),
			})
		}
		if next == nil || len(points) == 0 {
			break
		}
		offset = next
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func toDistance(d vector.Distance) qdrant.Distance {
	switch d {
	case vector.DistanceCosine:
		return qdrant.Distance_Cosine
	default:
		return qdrant.Distance_Cosine
	}
}

func payloadMap(p paper.Payload) map[string]any {
	authors := make([]any, len(p.Authors))
	for i, a := range p.Authors {
		authors[i] = a
	}
	return map[string]any{
		"paper_id":  p.PaperID,
		"title":     p.Title,
		"authors":   authors,
		"abstract":  p.Abstract,
		"published": p.Published,
		"link":      p.Link,
	}
}

func payloadFrom(m map[string]*qdrant.Value) paper.Payload {
	p := paper.Payload{
		PaperID:   m["paper_id"].GetStringValue(),
		Title:     m["title"].GetStringValue(),
		Abstract:  m["abstract"].GetStringValue(),
		Published: m["published"].GetStringValue(),
		Link:      m["link"].GetStringValue(),
	}
	for _, v := range m["authors"].GetListValue().GetValues() {
		p.Authors = append(p.Authors, v.GetStringValue())
	}
	return p
}

func denseVector(v *qdrant.VectorsOutput) []float32 {
	return v.GetVector().GetDenseVector().GetData()
}
