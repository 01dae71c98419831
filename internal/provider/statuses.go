package provider

import (
	"fmt"
	"strings"
)

// statusTable enumerates every status string the provider is known to
// emit, in lowercase. The provider's API is loose about these values, so
// the table is deliberately exhaustive; anything absent surfaces as
// ErrUnmappedStatus rather than defaulting.
var statusTable = map[string]Status{
	"pending":    StatusWorking,
	"queued":     StatusWorking,
	"running":    StatusWorking,
	"generating": StatusWorking,
	"processing": StatusWorking,
	"text":       StatusWorking,
	"first":      StatusWorking,

	"complete":  StatusCompleted,
	"completed": StatusCompleted,
	"success":   StatusCompleted,
	"done":      StatusCompleted,

	"failed":  StatusFailed,
	"error":   StatusFailed,
	"failure": StatusFailed,
}

// MapStatus normalizes a provider status string onto one of the defined
// Status values. The match is case-insensitive. Returns ErrUnmappedStatus
// (wrapping the offending string) for anything outside the table.
func MapStatus(raw string) (Status, error) {
	s, ok := statusTable[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnmappedStatus, raw)
	}
	return s, nil
}
