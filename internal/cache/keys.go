package cache

import "time"

// Storage keys shared by the catalog, workspace and status components.
const (
	KeyCatalog           = "catalog"
	KeyCatalogBackup     = "catalog_backup"
	KeyComparisonState   = "comparison_state"
	KeyLastBackendCheck  = "last_backend_check"
	KeyLastSessionSync   = "last_session_sync"
	KeyLastCatalogUpdate = "last_catalog_update"
)

// Route describes where a key's data class lives and how long it stays live.
type Route struct {
	Tier Tier
	TTL  time.Duration
	Type string
	// NoMemory keeps the value out of Tier-1; used for large values that are
	// read rarely, such as the catalog backup.
	NoMemory bool
}

// DefaultRoutes returns the routing table for the well-known keys.
func DefaultRoutes() map[string]Route {
	return map[string]Route{
		KeyCatalog:           {Tier: TierObject, TTL: 24 * time.Hour, Type: "catalog"},
		KeyCatalogBackup:     {Tier: TierObject, TTL: 7 * 24 * time.Hour, Type: "catalog", NoMemory: true},
		KeyComparisonState:   {Tier: TierObject, TTL: time.Hour, Type: "comparison"},
		KeyLastBackendCheck:  {Tier: TierKey, TTL: 5 * time.Minute, Type: "timestamp"},
		KeyLastSessionSync:   {Tier: TierKey, TTL: 10 * time.Minute, Type: "timestamp"},
		KeyLastCatalogUpdate: {Tier: TierKey, TTL: 12 * time.Hour, Type: "timestamp"},
	}
}
