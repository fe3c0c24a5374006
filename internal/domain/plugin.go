package domain

import "context"

// CommandContext is handed to plugins along with the parsed arguments.
type CommandContext struct {
	Command string
	Args    []string
	Raw     string
	Message Message
	// Source is "chat", "api" or "scheduler".
	Source string
}

// Plugin executes named commands. An empty result means nothing to send back.
type Plugin interface {
	Execute(ctx context.Context, name string, args []string, cc CommandContext) (string, error)
}
