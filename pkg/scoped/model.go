package scoped

import (
	"context"
	"errors"

	"github.com/platinummonkey/tenancy/pkg/tenancy"
)

var (
	// ErrNotFound is returned when a record does not exist or belongs to a
	// tenant other than the one the repository is scoped to
	ErrNotFound = tenancy.ErrNotFound

	// ErrTenantRequired is returned by Create when the record has no tenant
	// and none is pinned or bound to the context
	ErrTenantRequired = errors.New("record has no tenant and no tenant is bound to the request")
)

// Model is a record owned by exactly one tenant
type Model interface {
	GetID() int64
	SetID(id int64)
	GetTenantID() int64
	SetTenantID(id int64)
}

// TenantOwned provides the tenant half of Model for embedding
type TenantOwned struct {
	TenantID int64 `json:"tenant_id"`
}

// GetTenantID returns the owning tenant, 0 when unset
func (o *TenantOwned) GetTenantID() int64 {
	return o.TenantID
}

// SetTenantID sets the owning tenant
func (o *TenantOwned) SetTenantID(id int64) {
	o.TenantID = id
}

// Filter narrows a Store listing
type Filter struct {
	// TenantID restricts results to one tenant; 0 lists every tenant
	TenantID int64
	Limit    uint64
	Offset   uint64
}

// Store persists one record type. Implementations do no tenant inference of
// their own; Repository supplies the tenant through Filter and the record.
type Store[T Model] interface {
	List(ctx context.Context, filter Filter) ([]T, error)
	// Get returns ErrNotFound when no record has the id
	Get(ctx context.Context, id int64) (T, error)
	// Insert assigns the record id
	Insert(ctx context.Context, v T) error
	// Update returns ErrNotFound when no record has the id
	Update(ctx context.Context, v T) error
	// Delete returns ErrNotFound when no record has the id
	Delete(ctx context.Context, id int64) error
}
