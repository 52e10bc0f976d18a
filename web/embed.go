// Package web holds the HTML templates and static assets compiled into the
// gatekeeper binary.
package web

import "embed"

// Templates holds layouts, pages, partials, error pages and emails.
//
//go:embed templates/**/*.html
var Templates embed.FS

// Static is served under /static/.
//
//go:embed static/**/*
var Static embed.FS
