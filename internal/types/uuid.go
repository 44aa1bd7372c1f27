package types

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// Prefixes for generated identifiers, one per persisted entity.
const (
	UUIDPrefixCustomer             = "cus"
	UUIDPrefixEntity               = "ent"
	UUIDPrefixFeature              = "feat"
	UUIDPrefixProduct              = "prod"
	UUIDPrefixPrice                = "price"
	UUIDPrefixEntitlement          = "entl"
	UUIDPrefixCustomerProduct      = "cusprod"
	UUIDPrefixCustomerEntitlement  = "cusentl"
	UUIDPrefixCustomerPrice        = "cusprice"
	UUIDPrefixReplaceable          = "repl"
	UUIDPrefixRollover             = "roll"
	UUIDPrefixInvoiceItem          = "invitem"
	UUIDPrefixScheduledChange      = "schchg"
	UUIDPrefixWebhookEvent         = "whevt"
	UUIDPrefixRequest              = "req"
	UUIDPrefixGuardLease           = "lease"
	UUIDPrefixBalanceTransaction   = "baltxn"
	UUIDPrefixProcessorIdempotency = "idem"
)

// GenerateUUID returns a k-sortable unique identifier
func GenerateUUID() string {
	return ulid.Make().String()
}

// GenerateUUIDWithPrefix returns a k-sortable unique identifier
// with a prefix ex cusprod_0ujsswThIGTUYm2K8FjOOfXtY1K
func GenerateUUIDWithPrefix(prefix string) string {
	if prefix == "" {
		return GenerateUUID()
	}
	return fmt.Sprintf("%s_%s", prefix, GenerateUUID())
}
