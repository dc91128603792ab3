// Package web holds the browser client served at the root route.
package web

import _ "embed"

// Index is the single-page webcam client.
//
//go:embed index.html
var Index []byte
