//go:build windows

package rstore

// Default locations on Windows, under the roaming profile.
const (
	DefaultRecordPath   = `${APPDATA}\rdpcred\servers.conf`
	DefaultArtifactPath = `${APPDATA}\rdpcred\master.salt`
	DefaultBoltPath     = `${APPDATA}\rdpcred\servers.db`
)
