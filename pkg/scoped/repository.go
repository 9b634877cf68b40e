package scoped

import (
	"context"
	"errors"
	"fmt"

	"github.com/platinummonkey/tenancy/pkg/tenancy"
	"github.com/sirupsen/logrus"
)

// CheckFunc validates a record after its tenant has been stamped and before
// it is persisted
type CheckFunc[T Model] func(ctx context.Context, v T) error

// Options configures a Repository
type Options[T Model] struct {
	Check  CheckFunc[T]
	Logger *logrus.Logger
}

// Repository scopes a Store to the current or pinned tenant
type Repository[T Model] struct {
	store  Store[T]
	check  CheckFunc[T]
	pinned int64
	log    *logrus.Logger
}

// NewRepository wraps store
func NewRepository[T Model](store Store[T], opts ...Options[T]) *Repository[T] {
	r := &Repository[T]{store: store}
	if len(opts) > 0 {
		r.check = opts[0].Check
		r.log = opts[0].Logger
	}
	if r.log == nil {
		r.log = logrus.New()
	}
	return r
}

// Pin returns a copy of the repository bound to tenantID. The pinned tenant
// takes precedence over whatever tenant the context carries.
func (r *Repository[T]) Pin(tenantID int64) *Repository[T] {
	pinned := *r
	pinned.pinned = tenantID
	return &pinned
}

// TenantID returns the tenant reads are filtered by, 0 when unfiltered
func (r *Repository[T]) TenantID(ctx context.Context) int64 {
	if r.pinned != 0 {
		return r.pinned
	}
	return tenancy.CurrentTenantID(ctx)
}

// List returns the records visible to the scoped tenant
func (r *Repository[T]) List(ctx context.Context) ([]T, error) {
	return r.ListPage(ctx, 0, 0)
}

// ListPage returns at most limit records after skipping offset; a zero limit
// returns everything
func (r *Repository[T]) ListPage(ctx context.Context, limit, offset uint64) ([]T, error) {
	items, err := r.store.List(ctx, Filter{TenantID: r.TenantID(ctx), Limit: limit, Offset: offset})
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return items, nil
}

// Get returns the record with id. A record owned by another tenant is
// reported as ErrNotFound.
func (r *Repository[T]) Get(ctx context.Context, id int64) (T, error) {
	var zero T
	v, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return zero, ErrNotFound
		}
		return zero, fmt.Errorf("failed to get record %d: %w", id, err)
	}
	if tid := r.TenantID(ctx); tid != 0 && v.GetTenantID() != tid {
		r.log.WithFields(logrus.Fields{
			"id":        id,
			"tenant_id": tid,
			"owner_id":  v.GetTenantID(),
		}).Debug("record belongs to another tenant")
		return zero, ErrNotFound
	}
	return v, nil
}

// Create persists v. When v has no tenant it is stamped with the pinned or
// current tenant; a tenant already set on v is kept as is.
func (r *Repository[T]) Create(ctx context.Context, v T) error {
	if err := r.stamp(ctx, v); err != nil {
		return err
	}
	if err := r.runCheck(ctx, v); err != nil {
		return err
	}
	if err := r.store.Insert(ctx, v); err != nil {
		return fmt.Errorf("failed to create record: %w", err)
	}
	return nil
}

// Update persists changes to v. The existing record must be visible to the
// scoped tenant.
func (r *Repository[T]) Update(ctx context.Context, v T) error {
	if _, err := r.Get(ctx, v.GetID()); err != nil {
		return err
	}
	if err := r.stamp(ctx, v); err != nil {
		return err
	}
	if err := r.runCheck(ctx, v); err != nil {
		return err
	}
	if err := r.store.Update(ctx, v); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update record %d: %w", v.GetID(), err)
	}
	return nil
}

// Delete removes the record with id if it is visible to the scoped tenant
func (r *Repository[T]) Delete(ctx context.Context, id int64) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete record %d: %w", id, err)
	}
	return nil
}

func (r *Repository[T]) stamp(ctx context.Context, v T) error {
	if v.GetTenantID() != 0 {
		return nil
	}
	tid := r.TenantID(ctx)
	if tid == 0 {
		return ErrTenantRequired
	}
	v.SetTenantID(tid)
	return nil
}

func (r *Repository[T]) runCheck(ctx context.Context, v T) error {
	if r.check == nil {
		return nil
	}
	return r.check(ctx, v)
}
