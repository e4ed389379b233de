// Package web contains the embedded control-panel assets.
package web

import "embed"

// FS holds the static assets served by the HTTP layer.
//
//go:embed index.html bundle.css bundle.js favicon.png
var FS embed.FS
