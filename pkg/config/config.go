// Package config holds the spec-fixed constants and small runtime
// configuration structs shared by cmd/webpub's subcommands. Nothing here
// is tunable via a config file: chunking and sharding parameters are fixed
// by the format (spec.md §4.1), and the server/client knobs that are
// tunable are ordinary CLI flags, not config-file entries.
package config

import (
	"os"

	"github.com/walnutgeek/webpub/pkg/chunk"
	"github.com/walnutgeek/webpub/pkg/store"
)

// Chunking and sharding parameters re-exported from the packages that own
// them (pkg/chunk, pkg/store), so callers that only need the numbers don't
// have to import the implementation packages to name them.
const (
	MinChunkSize = chunk.MinSize
	AvgChunkSize = chunk.AvgSize
	MaxChunkSize = chunk.MaxSize
	ShardCount   = store.ShardCount
)

// Default network ports, matching pkg/transport/quic and pkg/transport/tcp's
// DefaultPort.
const (
	DefaultSyncPort = 7940
	DefaultHTTPPort = 8080
)

// DefaultKeep is the number of snapshots retained per hostname when a
// subcommand doesn't override it with --keep.
const DefaultKeep = 10

// ServeConfig holds the `serve` subcommand's runtime configuration.
type ServeConfig struct {
	HTTPPort int
	SyncPort int
	DataDir  string
	Keep     int
}

// TokenEnvVar is the environment variable the push client reads its sync
// token from (spec.md §6).
const TokenEnvVar = "WEBPUB_TOKEN"

// TokenFromEnv returns the token the client should use, and whether one
// was set at all (an unset token is a client-side Unauthorized condition,
// not a zero value to silently send).
func TokenFromEnv() (string, bool) {
	v, ok := os.LookupEnv(TokenEnvVar)
	return v, ok
}
