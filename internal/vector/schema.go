package vector

import (
	"context"
	"strings"

	"github.com/weaviate/weaviate/entities/models"
)

// SchemaClient defines the interface for Weaviate schema operations
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
}

// ClassName maps a collection name onto a Weaviate class name, which must
// start with an upper case letter.
func ClassName(collection string) string {
	if collection == "" {
		return ""
	}
	return strings.ToUpper(collection[:1]) + collection[1:]
}

func paperProperties() []*models.Property {
	return []*models.Property{
		{
			Name:     "paperId",
			DataType: []string{"text"},
		},
		{
			Name:     "title",
			DataType: []string{"text"},
		},
		{
			Name:     "authors",
			DataType: []string{"text[]"},
		},
		{
			Name:     "abstract",
			DataType: []string{"text"},
		},
		{
			Name:     "published",
			DataType: []string{"text"},
		},
		{
			Name:     "link",
			DataType: []string{"text"},
		},
	}
}

// EnsureSchema creates the paper class if it is missing and adds any paper
// properties an older class lacks. Vectors are supplied by the caller.
func EnsureSchema(ctx context.Context, client SchemaClient, collection string, distance Distance) error {
	className := ClassName(collection)
	exists, err := client.ClassExists(ctx, className)
	if err != nil {
		return err
	}

	properties := paperProperties()

	if !exists {
		class := &models.Class{
			Class:       className,
			Description: "An indexed academic paper",
			Vectorizer:  "none",
			VectorIndexConfig: map[string]interface{}{
				"distance": string(distance),
			},
			Properties: properties,
		}
		return client.CreateClass(ctx, class)
	}

	class, err := client.GetClass(ctx, className)
	if err != nil {
		return err
	}

	existingProps := make(map[string]bool)
	for _, p := range class.Properties {
		existingProps[p.Name] = true
	}

	for _, p := range properties {
		if !existingProps[p.Name] {
			if err := client.AddProperty(ctx, className, p); err != nil {
				return err
			}
		}
	}

	return nil
}
