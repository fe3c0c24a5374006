package command

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/constant"
	"go/parser"
	"go/token"
	"net"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"wxhelper/internal/domain"
	"wxhelper/internal/updates"
)

// SessionView is the part of the session manager the status command reads.
type SessionView interface {
	Snapshot() domain.Session
}

// TaskManager is the part of the scheduler the task command drives.
type TaskManager interface {
	List(ctx context.Context) ([]domain.Task, error)
	Add(ctx context.Context, schedule, command, description string) (domain.Task, error)
	Remove(ctx context.Context, id string) error
	RunNow(ctx context.Context, id string) (string, error)
}

// Deps wires the builtin commands to the rest of the process. Nil members
// disable the commands that need them.
type Deps struct {
	Registry *Registry
	Catalog  *Catalog
	Session  SessionView
	Log      *updates.Log
	Files    domain.FileStore
	Sender   Sender
	Tasks    TaskManager
	Chat     *Chat
	// HTTP is used by httpget; HTTPAllow lists the hosts it may reach.
	HTTP      *resty.Client
	HTTPAllow []string
	Version   string
	StartedAt time.Time
	Now       func() time.Time
}

// Builtins returns the builtin command set.
func Builtins(d Deps) []Command {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.StartedAt.IsZero() {
		d.StartedAt = d.Now()
	}
	b := &builtins{d: d}
	cmds := []Command{
		{Name: "ping", Description: "Check that the bot is alive", Run: b.ping},
		{Name: "help", Aliases: []string{"h", "?"}, Description: "List commands or show one command's usage", Usage: "help [command]", Run: b.help},
		{Name: "echo", Description: "Repeat the given text", Usage: "echo <text>", Run: b.echo},
		{Name: "status", Aliases: []string{"stat", "info"}, Description: "Show session and delivery status", Run: b.status},
		{Name: "time", Aliases: []string{"now", "date"}, Description: "Show the server time", Run: b.time},
		{Name: "calc", Description: "Evaluate an arithmetic expression", Usage: "calc <expr>", Run: b.calc},
		{Name: "uuid", Description: "Generate a random UUID", Run: b.uuid},
		{Name: "ip", Description: "Show the server's network addresses", Run: b.ip},
	}
	if d.HTTP != nil && len(d.HTTPAllow) > 0 {
		cmds = append(cmds, Command{Name: "httpget", Description: "Fetch a URL from an allowed host", Usage: "httpget <url>", Run: b.httpget})
	}
	if d.Files != nil && d.Sender != nil {
		cmds = append(cmds, Command{Name: "sendfile", Description: "Send a stored file back to the chat", Usage: "sendfile <file_id>", Run: b.sendfile})
	}
	if d.Tasks != nil {
		cmds = append(cmds, Command{Name: "task", Aliases: []string{"tasks"}, Description: "Manage scheduled tasks",
			Usage: "task list | task add <HH:MM|cron> <command> | task del <id> | task run <id>", Run: b.task})
	}
	if d.Chat != nil {
		cmds = append(cmds,
			Command{Name: "chat", Description: "Turn chat mode on or off", Usage: "chat on|off|status", Run: b.chat},
			Command{Name: "ask", Description: "Ask the chat endpoint a question", Usage: "ask <question>", Run: b.ask},
		)
	}
	if d.Catalog != nil {
		cmds = append(cmds,
			Command{Name: "plugins", Aliases: []string{"plugin"}, Description: "List loaded command packs", Run: b.plugins},
			Command{Name: "reload", Description: "Reload command packs", Hidden: true, Run: b.reload},
		)
	}
	for i := range cmds {
		cmds[i].Source = "builtin"
	}
	return cmds
}

type builtins struct{ d Deps }

func (b *builtins) ping(context.Context, domain.CommandContext) (string, error) {
	return "pong", nil
}

func (b *builtins) help(_ context.Context, cc domain.CommandContext) (string, error) {
	reg := b.d.Registry
	if reg == nil {
		return "", nil
	}
	prefix := reg.Prefixes()[0]
	if len(cc.Args) > 0 {
		c, ok := reg.Lookup(strings.TrimPrefix(cc.Args[0], prefix))
		if !ok {
			return fmt.Sprintf("Unknown command: %s", cc.Args[0]), nil
		}
		usage := c.Usage
		if usage == "" {
			usage = c.Name
		}
		s := fmt.Sprintf("%s%s\n%s", prefix, usage, c.Description)
		if len(c.Aliases) > 0 {
			s += "\nAliases: " + strings.Join(c.Aliases, ", ")
		}
		return s, nil
	}

	var sb strings.Builder
	sb.WriteString("Commands:\n")
	for _, c := range reg.Commands() {
		if c.Hidden {
			continue
		}
		fmt.Fprintf(&sb, "%s%s", prefix, c.Name)
		if len(c.Aliases) > 0 {
			fmt.Fprintf(&sb, " (%s)", strings.Join(c.Aliases, ", "))
		}
		if c.Description != "" {
			sb.WriteString(" - " + c.Description)
		}
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (b *builtins) echo(_ context.Context, cc domain.CommandContext) (string, error) {
	if len(cc.Args) == 0 {
		return "Usage: echo <text>", nil
	}
	return strings.Join(cc.Args, " "), nil
}

func (b *builtins) status(context.Context, domain.CommandContext) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "wxhelper %s (%s/%s, %s)\n", b.d.Version, runtime.GOOS, runtime.GOARCH, runtime.Version())
	fmt.Fprintf(&sb, "Uptime: %s\n", b.d.Now().Sub(b.d.StartedAt).Round(time.Second))
	if b.d.Session != nil {
		s := b.d.Session.Snapshot()
		fmt.Fprintf(&sb, "Session: %s\n", s.State)
		if !s.ConnectedSince.IsZero() && s.State == domain.StateConnected {
			fmt.Fprintf(&sb, "Connected for: %s\n", b.d.Now().Sub(s.ConnectedSince).Round(time.Second))
		}
		if s.ReconnectAttempts > 0 {
			fmt.Fprintf(&sb, "Reconnect attempts: %d\n", s.ReconnectAttempts)
		}
	}
	if b.d.Log != nil {
		fmt.Fprintf(&sb, "Updates: last id %d, %d retained\n", b.d.Log.LastID(), b.d.Log.Len())
	}
	if b.d.Registry != nil {
		fmt.Fprintf(&sb, "Commands: %d\n", len(b.d.Registry.Commands()))
	}
	if b.d.Chat != nil {
		fmt.Fprintf(&sb, "Chat mode: %s\n", onOff(b.d.Chat.Enabled()))
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func (b *builtins) chat(_ context.Context, cc domain.CommandContext) (string, error) {
	if len(cc.Args) == 0 {
		return b.d.Chat.Status(), nil
	}
	switch strings.ToLower(cc.Args[0]) {
	case "on", "enable", "1":
		b.d.Chat.SetEnabled(true)
		return "Chat mode enabled", nil
	case "off", "disable", "0":
		b.d.Chat.SetEnabled(false)
		return "Chat mode disabled", nil
	case "status", "state":
		return b.d.Chat.Status(), nil
	}
	return "Usage: chat on|off|status", nil
}

func (b *builtins) ask(ctx context.Context, cc domain.CommandContext) (string, error) {
	question := strings.TrimSpace(strings.Join(cc.Args, " "))
	if question == "" {
		return "Usage: ask <question>", nil
	}
	answer, err := b.d.Chat.Reply(ctx, question, cc.Message)
	if errors.Is(err, ErrChatNotConfigured) {
		return "Chat endpoint is not configured (commands.chatURL)", nil
	}
	return answer, err
}

func (b *builtins) time(context.Context, domain.CommandContext) (string, error) {
	now := b.d.Now()
	return fmt.Sprintf("%s (%s)", now.Format("2006-01-02 15:04:05 MST"), now.Weekday()), nil
}

func (b *builtins) calc(_ context.Context, cc domain.CommandContext) (string, error) {
	if len(cc.Args) == 0 {
		return "Usage: calc <expr>", nil
	}
	expr := strings.Join(cc.Args, " ")
	v, err := Eval(expr)
	if err != nil {
		return fmt.Sprintf("Cannot evaluate %q: %v", expr, err), nil
	}
	return fmt.Sprintf("%s = %s", expr, v), nil
}

// Eval evaluates an arithmetic expression of numeric literals, parentheses and
// + - * / %. Division is exact; non-integral results are printed as decimals.
func Eval(expr string) (string, error) {
	node, err := parser.ParseExpr(expr)
	if err != nil {
		return "", fmt.Errorf("syntax error")
	}
	v, err := evalNode(node)
	if err != nil {
		return "", err
	}
	if v.Kind() == constant.Int {
		return v.ExactString(), nil
	}
	if i := constant.ToInt(v); i.Kind() == constant.Int {
		return i.ExactString(), nil
	}
	f, _ := constant.Float64Val(v)
	return fmt.Sprintf("%.10g", f), nil
}

func evalNode(n ast.Expr) (constant.Value, error) {
	switch e := n.(type) {
	case *ast.BasicLit:
		if e.Kind != token.INT && e.Kind != token.FLOAT {
			return nil, fmt.Errorf("unsupported literal %s", e.Value)
		}
		return constant.MakeFromLiteral(e.Value, e.Kind, 0), nil
	case *ast.ParenExpr:
		return evalNode(e.X)
	case *ast.UnaryExpr:
		x, err := evalNode(e.X)
		if err != nil {
			return nil, err
		}
		if e.Op != token.SUB && e.Op != token.ADD {
			return nil, fmt.Errorf("unsupported operator %s", e.Op)
		}
		return constant.UnaryOp(e.Op, x, 0), nil
	case *ast.BinaryExpr:
		x, err := evalNode(e.X)
		if err != nil {
			return nil, err
		}
		y, err := evalNode(e.Y)
		if err != nil {
			return nil, err
		}
		switch e.Op {
		case token.ADD, token.SUB, token.MUL:
			return constant.BinaryOp(x, e.Op, y), nil
		case token.QUO:
			if constant.Sign(y) == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return constant.BinaryOp(constant.ToFloat(x), token.QUO, constant.ToFloat(y)), nil
		case token.REM:
			if x.Kind() != constant.Int || y.Kind() != constant.Int {
				return nil, fmt.Errorf("%% needs integers")
			}
			if constant.Sign(y) == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return constant.BinaryOp(x, token.REM, y), nil
		}
		return nil, fmt.Errorf("unsupported operator %s", e.Op)
	}
	return nil, fmt.Errorf("unsupported expression")
}

func (b *builtins) uuid(context.Context, domain.CommandContext) (string, error) {
	return uuid.NewString(), nil
}

func (b *builtins) ip(context.Context, domain.CommandContext) (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}
	var out []string
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.IsLinkLocalUnicast() {
			continue
		}
		out = append(out, ipnet.IP.String())
	}
	if len(out) == 0 {
		return "No external addresses", nil
	}
	return strings.Join(out, "\n"), nil
}

func (b *builtins) httpget(ctx context.Context, cc domain.CommandContext) (string, error) {
	if len(cc.Args) == 0 {
		return "Usage: httpget <url>", nil
	}
	u, err := url.Parse(cc.Args[0])
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "Invalid URL", nil
	}
	if !hostAllowed(u.Hostname(), b.d.HTTPAllow) {
		return fmt.Sprintf("Host %s is not allowed", u.Hostname()), nil
	}
	resp, err := b.d.HTTP.R().SetContext(ctx).Get(u.String())
	if err != nil {
		return "", fmt.Errorf("httpget %s: %w", u.Host, err)
	}
	return fmt.Sprintf("HTTP %d\n%s", resp.StatusCode(), clip(resp.String(), 1000)), nil
}

func hostAllowed(host string, allow []string) bool {
	host = strings.ToLower(host)
	for _, a := range allow {
		a = strings.ToLower(a)
		if a == "*" || host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}
	return false
}

func (b *builtins) sendfile(ctx context.Context, cc domain.CommandContext) (string, error) {
	if len(cc.Args) == 0 {
		return "Usage: sendfile <file_id>", nil
	}
	f, err := b.d.Files.Resolve(ctx, cc.Args[0])
	if err != nil {
		return fmt.Sprintf("File not found: %s", cc.Args[0]), nil
	}
	caption := strings.Join(cc.Args[1:], " ")
	if _, err := b.d.Sender.SendStored(ctx, f, caption, cc.Message.MessageID); err != nil {
		return "", fmt.Errorf("sendfile: %w", err)
	}
	return "", nil
}

func (b *builtins) task(ctx context.Context, cc domain.CommandContext) (string, error) {
	args := cc.Args
	sub := "list"
	if len(args) > 0 {
		sub, args = strings.ToLower(args[0]), args[1:]
	}
	tm := b.d.Tasks
	switch sub {
	case "list", "ls":
		tasks, err := tm.List(ctx)
		if err != nil {
			return "", err
		}
		if len(tasks) == 0 {
			return "No scheduled tasks.", nil
		}
		var sb strings.Builder
		for _, t := range tasks {
			state := "on"
			if !t.Enabled {
				state = "off"
			}
			fmt.Fprintf(&sb, "%s [%s] %s -> %s\n", t.ID, state, t.Schedule, t.Command)
		}
		return strings.TrimRight(sb.String(), "\n"), nil

	case "add":
		schedule, rest, ok := SplitSchedule(args)
		if !ok || len(rest) == 0 {
			return "Usage: task add <HH:MM|cron expression> <command>", nil
		}
		t, err := tm.Add(ctx, schedule, strings.Join(rest, " "), "")
		if err != nil {
			return fmt.Sprintf("Cannot add task: %v", err), nil
		}
		return fmt.Sprintf("Task %s scheduled (%s)", t.ID, t.Schedule), nil

	case "del", "rm", "remove":
		if len(args) == 0 {
			return "Usage: task del <id>", nil
		}
		if err := tm.Remove(ctx, args[0]); err != nil {
			return fmt.Sprintf("Cannot remove task: %v", err), nil
		}
		return fmt.Sprintf("Task %s removed", args[0]), nil

	case "run":
		if len(args) == 0 {
			return "Usage: task run <id>", nil
		}
		return tm.RunNow(ctx, args[0])
	}
	return "Usage: task list | task add <HH:MM|cron> <command> | task del <id> | task run <id>", nil
}

// SplitSchedule takes the schedule off the front of args: a single HH:MM or
// @macro token, or the five fields of a cron expression.
func SplitSchedule(args []string) (schedule string, rest []string, ok bool) {
	if len(args) == 0 {
		return "", nil, false
	}
	first := args[0]
	if strings.HasPrefix(first, "@") || (len(first) <= 5 && strings.Count(first, ":") == 1) {
		return first, args[1:], true
	}
	if len(args) < 5 {
		return "", nil, false
	}
	return strings.Join(args[:5], " "), args[5:], true
}

func (b *builtins) plugins(context.Context, domain.CommandContext) (string, error) {
	packs := b.d.Catalog.Packs()
	if len(packs) == 0 {
		return "No command packs loaded.", nil
	}
	var sb strings.Builder
	for _, p := range packs {
		fmt.Fprintf(&sb, "%s (%d commands)", p.Name, len(p.Commands))
		if p.Description != "" {
			sb.WriteString(" - " + p.Description)
		}
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (b *builtins) reload(context.Context, domain.CommandContext) (string, error) {
	res, err := b.d.Catalog.Reload()
	if err != nil {
		return fmt.Sprintf("Reload failed: %v", err), nil
	}
	return fmt.Sprintf("Reloaded %d packs, %d commands", res.Packs, res.Commands), nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
