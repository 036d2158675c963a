package taskstore

import "context"

// Store provides CRUD operations for task definitions.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves a task definition by ID. Returns [ErrNotFound] if no task
	// with the given ID exists.
	Get(ctx context.Context, id string) (*TaskDefinition, error)

	// List returns all task definitions.
	List(ctx context.Context) ([]TaskDefinition, error)

	// Upsert creates or replaces a task definition (used for YAML seed
	// import). The definition is validated before persistence.
	Upsert(ctx context.Context, def *TaskDefinition) error

	// Delete removes a task definition by ID. Deleting a non-existent task is
	// not an error.
	Delete(ctx context.Context, id string) error
}
