package config

import (
	"os"
	"strings"
)

// AutoRepairEnabled gates the Consistency Auditor's writes. When disabled the
// auditor only reports; high-confidence mismatches are never corrected.
//
// Set via env:
// - AUDIT_AUTO_REPAIR=true
func AutoRepairEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("AUDIT_AUTO_REPAIR")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// PushEndpointEnabled controls the Pub/Sub push consumer route.
//
// Set via env:
// - ENABLE_CRM_PUBSUB_PUSH_ENDPOINT=false (default true)
func PushEndpointEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("ENABLE_CRM_PUBSUB_PUSH_ENDPOINT")))
	switch v {
	case "false", "0", "no", "n", "off":
		return false
	default:
		return true
	}
}
