// Package command routes "/command" chat text to plugins and sends their text
// results back as replies.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"wxhelper/internal/domain"
)

// Func executes a command.
type Func func(ctx context.Context, cc domain.CommandContext) (string, error)

// Command is one entry of the registry.
type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	// Source is "builtin" or the name of the YAML pack that declared it.
	Source string
	Hidden bool
	Run    Func
}

var validName = regexp.MustCompile(`^[a-z0-9_][a-z0-9_\-]*$|^\?$`)

type table struct {
	byName   map[string]*Command
	commands []*Command
}

// Registry is an immutable command table swapped atomically. Lookups never
// block behind a reload.
type Registry struct {
	cur      atomic.Pointer[table]
	prefixes []string
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. prefixes defaults to "/".
func NewRegistry(prefixes []string, logger *slog.Logger) *Registry {
	if len(prefixes) == 0 {
		prefixes = []string{"/"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{prefixes: prefixes, logger: logger}
	r.cur.Store(&table{byName: map[string]*Command{}})
	return r
}

// Prefixes returns the configured command prefixes.
func (r *Registry) Prefixes() []string { return r.prefixes }

// Swap replaces the whole table. On a name clash the later command wins.
func (r *Registry) Swap(cmds []Command) error {
	t := &table{byName: make(map[string]*Command, len(cmds))}
	for i := range cmds {
		c := cmds[i]
		c.Name = strings.ToLower(c.Name)
		if !validName.MatchString(c.Name) {
			return fmt.Errorf("%w: command name %q", domain.ErrInvalidParameter, c.Name)
		}
		if c.Run == nil {
			return fmt.Errorf("%w: command %q has no handler", domain.ErrInvalidParameter, c.Name)
		}
		cp := &c
		for _, key := range append([]string{c.Name}, c.Aliases...) {
			key = strings.ToLower(key)
			if prev, ok := t.byName[key]; ok && prev.Name != c.Name {
				r.logger.Warn("command name overridden", "name", key, "previous", prev.Source, "now", c.Source)
			}
			t.byName[key] = cp
		}
	}
	seen := make(map[*Command]bool)
	for _, c := range t.byName {
		if !seen[c] {
			seen[c] = true
			t.commands = append(t.commands, c)
		}
	}
	sort.Slice(t.commands, func(i, j int) bool { return t.commands[i].Name < t.commands[j].Name })
	r.cur.Store(t)
	return nil
}

// Lookup resolves a name or alias.
func (r *Registry) Lookup(name string) (Command, bool) {
	c, ok := r.cur.Load().byName[strings.ToLower(name)]
	if !ok {
		return Command{}, false
	}
	return *c, true
}

// Commands lists registered commands sorted by name, hidden ones included.
func (r *Registry) Commands() []Command {
	t := r.cur.Load()
	out := make([]Command, len(t.commands))
	for i, c := range t.commands {
		out[i] = *c
	}
	return out
}

var _ domain.Plugin = (*Registry)(nil)

// Execute implements domain.Plugin.
func (r *Registry) Execute(ctx context.Context, name string, args []string, cc domain.CommandContext) (string, error) {
	c, ok := r.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrUnknownCommand, name)
	}
	cc.Command = c.Name
	cc.Args = args
	return c.Run(ctx, cc)
}

// ExecuteText parses text as a command and executes it.
func (r *Registry) ExecuteText(ctx context.Context, text string, cc domain.CommandContext) (string, error) {
	cmd := ParseCommand(text, r.prefixes)
	if cmd == nil {
		return "", fmt.Errorf("%w: %q is not a command", domain.ErrInvalidParameter, text)
	}
	cc.Raw = cmd.Raw
	return r.Execute(ctx, cmd.Name, cmd.Args, cc)
}

// ChatCommand is a parsed command line.
type ChatCommand struct {
	Name string
	Args []string
	Raw  string
}

// ParseCommand returns nil when text does not start with one of prefixes. The
// name is lower-cased and a "@botname" suffix is dropped.
func ParseCommand(text string, prefixes []string) *ChatCommand {
	text = strings.TrimSpace(text)
	for _, p := range prefixes {
		if p == "" || !strings.HasPrefix(text, p) {
			continue
		}
		parts := strings.Fields(strings.TrimPrefix(text, p))
		if len(parts) == 0 {
			return nil
		}
		name := strings.ToLower(parts[0])
		if at := strings.IndexByte(name, '@'); at > 0 {
			name = name[:at]
		}
		var args []string
		if len(parts) > 1 {
			args = parts[1:]
		}
		return &ChatCommand{Name: name, Args: args, Raw: text}
	}
	return nil
}
