// Package storage defines the persistence contract of the engine, so that different persistence layers can be implemented.
//
// Interfaces in this package must:
//   - return ErrNotFound if the method is looking for one exact item in the database and it is not found
//   - return empty array for methods that can return multiple results and no result is found
//   - apply every change to an existing process instance through ApplyTransition, atomically per instance
//   - reject ApplyTransition with ErrConcurrencyConflict when the stored version differs from the expected one
package storage
