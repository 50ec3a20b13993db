// Package assets holds the files storylined serves itself rather than
// fetching from the origin.
package assets

import (
	"embed"
)

//go:embed fs/*
var FS embed.FS

// OfflinePage is shown when the origin can't be reached and nothing cached
// can stand in.
const OfflinePage = "fs/offline.html"
