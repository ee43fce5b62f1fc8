package bundle

import (
	"context"

	"github.com/example/harvest/api-go/internal/model"
)

// Builder assembles the artifact for one job and returns its blob key.
type Builder interface {
	Build(ctx context.Context, job model.BuildJob) (artifactRef string, err error)
}

// BuilderFunc adapts a function to Builder.
type BuilderFunc func(ctx context.Context, job model.BuildJob) (string, error)

func (f BuilderFunc) Build(ctx context.Context, job model.BuildJob) (string, error) {
	return f(ctx, job)
}

// ArtifactRemover deletes an artifact that no record points at any more.
type ArtifactRemover interface {
	Remove(relPath string) error
}
