// Package testutil provides test helpers shared across packages:
//   - miniredis servers, clients and held locks (miniredis.go)
//   - an in-memory blob store (blobs.go)
//   - an in-memory warehouse that records statements (warehouse.go)
//
// None of the helpers need Docker or network access.
package testutil
