// Package store hands idea content over to the hosted relational database.
// Collaboration never persists on its own: content is loaded once to seed a
// room and saved when a collaborator asks for it.
package store

import (
	"context"
	"fmt"

	apperrors "ideasync/pkg/errors"
)

// IdeaStore reads and writes the content column of ideas. Both methods
// return a NOT_FOUND AppError when the idea has no row.
type IdeaStore interface {
	LoadContent(ctx context.Context, ideaID string) (string, error)
	SaveContent(ctx context.Context, ideaID, content string) error
}

func notFound(ideaID string) error {
	return apperrors.NewNotFound(fmt.Sprintf("idea %s not found", ideaID))
}
