package job

import "context"

// Repository persists job records. Implementations must be safe for
// concurrent use and must report failures with apperrors kinds:
// NotFound for unknown ids, AlreadyExists on Create collisions and
// InvalidState when the persisted status does not match the caller's
// expectation.
type Repository interface {
	// Init prepares the backing storage. It is idempotent.
	Init(ctx context.Context) error
	// Clear removes every record.
	Clear(ctx context.Context) error
	// Create stores a new record without overwriting an existing one.
	Create(ctx context.Context, job *Job) error
	// Get loads a record by id.
	Get(ctx context.Context, id string) (*Job, error)
	// Update rewrites a record whose persisted status equals job.Status.
	Update(ctx context.Context, job *Job) error
	// Transition moves a record from status from to job.Status and stores
	// job in one step. It fails with InvalidState if the record is no
	// longer in from.
	Transition(ctx context.Context, job *Job, from Status) error
	// Delete removes a record.
	Delete(ctx context.Context, id string) error
	// List returns records in the given status, or every record when
	// status is empty, ordered by creation time and then id.
	List(ctx context.Context, status Status) ([]*Job, error)
	// Claim marks id as being run. It fails with InvalidState while another
	// caller, in this process or another one sharing the storage, holds the
	// claim. A claim is not tied to the record and survives its deletion.
	Claim(ctx context.Context, id string) error
	// Release drops the claim on id. Releasing an unclaimed id is a no-op.
	Release(ctx context.Context, id string) error
	// Ready reports whether the storage can serve requests.
	Ready(ctx context.Context) error
}
