//go:build !windows

package rstore

// Default locations on non-Windows systems.
const (
	DefaultRecordPath   = "$HOME/.config/rdpcred/servers.conf"
	DefaultArtifactPath = "$HOME/.config/rdpcred/master.salt"
	DefaultBoltPath     = "$HOME/.config/rdpcred/servers.db"
)
