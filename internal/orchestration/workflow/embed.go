package workflow

import (
	"embed"
	"io/fs"
)

// builtinPrompts embeds the prompt templates for the built-in workflow
// phases.
//
//go:embed templates/*
var builtinPrompts embed.FS

// BuiltinPromptsFS returns the templates subdirectory as a filesystem, so
// prompts can be listed and read without the "templates/" prefix.
func BuiltinPromptsFS() (fs.FS, error) {
	return fs.Sub(builtinPrompts, "templates")
}
