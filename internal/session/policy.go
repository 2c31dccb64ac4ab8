package session

import (
	"fmt"
	"strings"
)

// SingleDevicePolicy limits a principal to one concurrently active refresh
// chain. It applies only at login, after credential verification (so account
// existence does not leak) and before token creation (so a rejection leaves
// no orphaned row).
type SingleDevicePolicy string

const (
	// SingleDeviceOff disables the policy.
	SingleDeviceOff SingleDevicePolicy = ""
	// SingleDeviceRevokeOld revokes every active token for the principal,
	// then proceeds with issuance.
	SingleDeviceRevokeOld SingleDevicePolicy = "REVOKE_OLD"
	// SingleDeviceRejectNew refuses the new login outright.
	SingleDeviceRejectNew SingleDevicePolicy = "REJECT_NEW"
)

// ParseSingleDevicePolicy parses the configuration value, case-insensitively.
func ParseSingleDevicePolicy(v string) (SingleDevicePolicy, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "", "OFF", "DISABLED":
		return SingleDeviceOff, nil
	case "REVOKE_OLD":
		return SingleDeviceRevokeOld, nil
	case "REJECT_NEW":
		return SingleDeviceRejectNew, nil
	default:
		return SingleDeviceOff, fmt.Errorf("unknown single-device policy %q", v)
	}
}
