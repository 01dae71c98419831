// Package service provides the application-level operations for
// generation tasks: submission with retry, status lookup, cancellation,
// and webhook ingestion. It composes the store, the provider client, the
// translator, and the task reconciler; transport concerns stay in the
// api package.
package service
