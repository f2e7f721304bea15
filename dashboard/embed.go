// Package dashboard provides the embedded web UI assets for PipeWatch.
//
// The page loads the stored snapshot, follows the live event stream and
// re-reads the snapshot every minute. Whichever copy of a repository has
// the later lastUpdated is the one shown.
//
// The embedded assets are served by the server package at the root path ("/").
// Users of the pipewatch library should not need to interact with this
// package directly.
package dashboard

import "embed"

// Assets is an embedded filesystem containing the dashboard web UI.
//
// The filesystem structure is:
//
//	assets/
//	  index.html    - Main dashboard page with inline CSS and JavaScript
//
//go:embed assets/*
var Assets embed.FS
