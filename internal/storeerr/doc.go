// Package storeerr defines the error kinds shared by every layer of the store.
//
// Each kind is a sentinel that callers match with [errors.Is]. Lower layers
// attach context (operation, file, position, chunk) by wrapping the kind in an
// [*Error], which keeps the kind reachable through [errors.Unwrap].
package storeerr
