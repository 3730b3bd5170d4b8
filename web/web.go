// Package web embeds the operator dashboard HTML served by the HTTP server.
package web

import _ "embed"

//go:embed dashboard.html
var DashboardHTML string
