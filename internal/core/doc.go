// Package core provides the reconciliation engine that syncs a CSV file into a
// remote tabular database.
//
// The package holds all domain logic independent of any transport. The CLI
// drives it through [Service.Run]; the reference server reuses its schema
// types and value codec.
//
// # Pipeline
//
// A run is split into single-threaded preparation and concurrent execution:
//
//  1. Every CSV column is sampled and typed by [Infer] (or an explicit override).
//  2. [Reconcile] builds the target [Schema], either fresh for a new table or
//     add-only against the live remote schema.
//  3. [BuildPlan] converts every cell, matches rows by key against the existing
//     remote rows and emits one Create, Update or Skip entry per CSV row.
//  4. [Orchestrator.Execute] applies the plan with bounded concurrency, uploads
//     media, retries transient failures and patches relation columns in a
//     second pass.
//
// The [Plan] is immutable once execution starts. Only the orchestrator writes
// to the remote, and all of its writes go through the [Remote] interface.
//
// # Error Handling
//
// Errors are classified into four kinds (see [ErrorKind]):
//
//   - fatal_config: bad options or schema conflicts, the run aborts before any write
//   - fatal_remote: the target table cannot be reached or created
//   - row_failure: one row failed, the run continues
//   - cell_warning: one cell degraded to empty, the row continues
//
// Remote failures carry a [RemoteErrorKind]; only transient ones are retried.
// Technical errors are mapped to coded user messages by [MapError].
package core
