package api

import "context"

// PermissionGate answers whether automation may touch a web origin.
// Only http and https origins are ever asked about; opaque and local
// schemes bypass the gate entirely.
type PermissionGate interface {
	Allowed(ctx context.Context, origin string) bool
	Set(origin string, allowed bool)
}
