// Package storage provides interfaces and record types for the broker's
// transient protocol state.
//
// The package defines three contracts used throughout the broker:
//   - TransactionStore: pending authorizations and one-time authorization codes
//   - ClientStore: dynamically registered OAuth client metadata
//   - ValidationStore: cached token-validation results
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development and testing
//   - storage/redis: Redis-backed distributed storage for production
package storage
