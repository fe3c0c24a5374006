package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"wxhelper/internal/bus"
	"wxhelper/internal/delivery"
	"wxhelper/internal/domain"
	"wxhelper/internal/metrics"
	"wxhelper/internal/updates"
)

const (
	dispatcherConsumer  = "dispatcher"
	keyDispatcherCursor = "cursor.dispatcher"
)

// Sender delivers command results back to the chat.
type Sender interface {
	SendText(ctx context.Context, text, replyTo string) (domain.Message, error)
	SendStored(ctx context.Context, f domain.StoredFile, caption, replyTo string) (domain.Message, error)
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Log      *updates.Log
	Registry *Registry
	Sender   Sender
	// State persists the dispatcher cursor so answered commands are not re-run
	// after a restart. Optional.
	State  domain.StateStore
	Events *bus.EventBus
	// Chat answers plain text while chat mode is on. Optional.
	Chat *Chat
	// Concurrency bounds commands executing at once (default 5).
	Concurrency int
	// Timeout bounds a single command including its reply (default 60s).
	Timeout time.Duration
	Logger  *slog.Logger
}

// Dispatcher follows inbound messages and runs the commands in them. Execution
// is asynchronous, so a slow command never holds up the log.
type Dispatcher struct {
	cfg DispatcherConfig
	sem chan struct{}
	wg  sync.WaitGroup
}

// NewDispatcher creates a dispatcher; Run starts it.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{cfg: cfg, sem: make(chan struct{}, cfg.Concurrency)}
}

// Run follows the log until ctx is cancelled, then waits for in-flight commands.
func (d *Dispatcher) Run(ctx context.Context) error {
	var start int64
	if d.cfg.State != nil {
		c, err := delivery.LoadCursor(ctx, d.cfg.State, keyDispatcherCursor)
		if err != nil {
			d.cfg.Logger.Warn("dispatcher cursor unreadable", "err", err)
		}
		start = c
	}
	if start <= 0 {
		// Never replay history into command execution on first start.
		start = d.cfg.Log.LastID() + 1
	}
	f := updates.NewFollower(updates.FollowerConfig{
		Name:    dispatcherConsumer,
		Log:     d.cfg.Log,
		Start:   start,
		Allowed: []string{domain.UpdateTypeMessage},
		Handle:  d.handle,
		OnAdvance: func(ctx context.Context, cursor int64) {
			if d.cfg.State == nil {
				return
			}
			if err := delivery.SaveCursor(ctx, d.cfg.State, keyDispatcherCursor, cursor); err != nil {
				d.cfg.Logger.Warn("persist dispatcher cursor failed", "err", err)
			}
		},
		Logger: d.cfg.Logger,
	})
	err := f.Run(ctx)
	d.wg.Wait()
	return err
}

func (d *Dispatcher) handle(ctx context.Context, u domain.Update) error {
	m := u.Message
	if m == nil || m.Direction != domain.DirectionInbound || m.Text == "" {
		return nil
	}
	cmd := ParseCommand(m.Text, d.cfg.Registry.Prefixes())
	if cmd == nil {
		if d.cfg.Chat != nil && d.cfg.Chat.Enabled() {
			return d.spawn(ctx, func(ctx context.Context) { d.chat(ctx, *m) })
		}
		return nil
	}
	if _, ok := d.cfg.Registry.Lookup(cmd.Name); !ok {
		d.cfg.Logger.Info("unknown command ignored", "command", cmd.Name, "update_id", u.UpdateID)
		metrics.CommandsExecuted.WithLabelValues("unknown").Inc()
		return nil
	}
	return d.spawn(ctx, func(ctx context.Context) { d.execute(ctx, cmd, *m) })
}

// spawn runs fn in a goroutine once a concurrency slot is free.
func (d *Dispatcher) spawn(ctx context.Context, fn func(context.Context)) error {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.sem }()
		// In-flight work finishes its reply even during shutdown.
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.Timeout)
		defer cancel()
		fn(runCtx)
	}()
	return nil
}

func (d *Dispatcher) chat(ctx context.Context, msg domain.Message) {
	answer, err := d.cfg.Chat.Reply(ctx, msg.Text, msg)
	if errors.Is(err, ErrChatNotConfigured) {
		d.cfg.Logger.Debug("chat mode on without an endpoint", "message_id", msg.MessageID)
		return
	}
	if err != nil {
		d.cfg.Logger.Warn("chat reply failed", "message_id", msg.MessageID, "err", err)
		d.emit(bus.EventCommandError, map[string]any{"command": "chat", "error": err.Error()})
		return
	}
	if answer == "" {
		return
	}
	if _, err := d.cfg.Sender.SendText(ctx, answer, msg.MessageID); err != nil {
		d.cfg.Logger.Warn("chat reply not sent", "err", err)
		d.emit(bus.EventCommandError, map[string]any{"command": "chat", "error": "reply: " + err.Error()})
	}
}

func (d *Dispatcher) execute(ctx context.Context, cmd *ChatCommand, msg domain.Message) {
	start := time.Now()
	result, err := d.safeExecute(ctx, cmd, msg)
	metrics.CommandLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.CommandsExecuted.WithLabelValues("error").Inc()
		d.cfg.Logger.Warn("command failed", "command", cmd.Name, "message_id", msg.MessageID, "err", err)
		d.emit(bus.EventCommandError, map[string]any{"command": cmd.Name, "error": err.Error()})
		return
	}
	metrics.CommandsExecuted.WithLabelValues("ok").Inc()
	d.emit(bus.EventCommandExecuted, map[string]any{
		"command":  cmd.Name,
		"duration": time.Since(start).String(),
	})
	if result == "" {
		return
	}
	if _, err := d.cfg.Sender.SendText(ctx, result, msg.MessageID); err != nil {
		d.cfg.Logger.Warn("command reply not sent", "command", cmd.Name, "err", err)
		d.emit(bus.EventCommandError, map[string]any{"command": cmd.Name, "error": "reply: " + err.Error()})
	}
}

func (d *Dispatcher) safeExecute(ctx context.Context, cmd *ChatCommand, msg domain.Message) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.cfg.Logger.Error("command panicked", "command", cmd.Name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("command %s panicked: %v", cmd.Name, r)
		}
	}()
	result, err = d.cfg.Registry.Execute(ctx, cmd.Name, cmd.Args, domain.CommandContext{
		Raw:     cmd.Raw,
		Message: msg,
		Source:  "chat",
	})
	if errors.Is(err, domain.ErrUnknownCommand) {
		// The registry was swapped between lookup and execution.
		return "", nil
	}
	return result, err
}

func (d *Dispatcher) emit(typ string, payload map[string]any) {
	if d.cfg.Events != nil {
		d.cfg.Events.Emit(bus.Event{Type: typ, Source: dispatcherConsumer, Payload: payload})
	}
}
