package workflow

import "embed"

// builtinTemplates embeds the declarative YAML definition of every
// built-in workflow template.
//
//go:embed templates/*.yaml
var builtinTemplates embed.FS
