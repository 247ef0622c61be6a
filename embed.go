package geniewebui

import "embed"

// TemplateFS contains the embedded HTML templates used for rendering the Genie web client. These templates
// are organized in a directory structure that separates layouts, pages, and partial views.
//
//go:embed templates/*
var TemplateFS embed.FS

// StaticFS contains the embedded static assets (stylesheet and the small script that subscribes to
// server-sent events) served under /static/.
//
//go:embed static/*
var StaticFS embed.FS
