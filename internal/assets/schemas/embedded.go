// Package schemasassets provides embedded JSON schemas so validation works
// regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// WatchManifestSchema is the embedded watch-manifest JSON schema.
//
//go:embed watch-manifest.schema.json
var WatchManifestSchema []byte
