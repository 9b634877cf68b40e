// Package scoped applies tenant ownership to arbitrary record types.
//
// A record opts in by implementing Model, usually by embedding TenantOwned
// and exposing its primary key. Repository wraps any Store for that type and
// filters every read to the tenant bound to the request context (see
// tenancy.WithTenant). Without a bound tenant reads are unfiltered, which is
// what system and root-level code paths expect.
//
// Writes stamp the owning tenant when the record does not carry one yet:
//
//	repo := scoped.NewRepository[*Note](scoped.NewMemoryStore[*Note]())
//	err := repo.Create(ctx, &Note{Body: "hello"}) // TenantID taken from ctx
//
// Administrative and batch jobs that must act on a specific tenant regardless
// of the request use Pin:
//
//	notes, err := repo.Pin(tenantID).List(ctx)
package scoped
