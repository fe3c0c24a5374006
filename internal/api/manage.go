package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/vincent-petithory/dataurl"

	"wxhelper/internal/bus"
	"wxhelper/internal/command"
	"wxhelper/internal/domain"
)

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil {
		return fmt.Errorf("%w: empty body", domain.ErrInvalidParameter)
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxUpload))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json: %v", domain.ErrInvalidParameter, err)
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return n
}

// Health reports liveness and the session state. It is open to everyone.
func (s *Server) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"status":  "ok",
			"version": s.cfg.Version,
			"uptime":  time.Since(s.cfg.StartedAt).Round(time.Second).String(),
		}
		if s.cfg.Session != nil {
			resp["session"] = s.cfg.Session.State()
		}
		if s.cfg.Log != nil {
			resp["last_update_id"] = s.cfg.Log.LastID()
		}
		s.Respond(w, r, http.StatusOK, resp)
	}
}

// --- wechat session ---

// QRCode returns the live challenge as a PNG, or as JSON with ?format=json.
// POST always starts a fresh login.
func (s *Server) QRCode() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			ch  domain.Challenge
			err error
		)
		if r.Method == http.MethodPost {
			ch, err = s.cfg.Session.RequestQR(r.Context())
		} else {
			ch, err = s.cfg.Session.CurrentChallenge()
			if errors.Is(err, domain.ErrLoginRequired) || errors.Is(err, domain.ErrChallengeExpired) {
				ch, err = s.cfg.Session.RequestQR(r.Context())
			}
		}
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if r.URL.Query().Get("format") == "json" {
			s.Respond(w, r, http.StatusOK, map[string]any{
				"id":         ch.ID,
				"content":    ch.Content,
				"png":        base64.StdEncoding.EncodeToString(ch.PNG),
				"issued_at":  ch.IssuedAt,
				"expires_at": ch.ExpiresAt,
			})
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Challenge-Id", ch.ID)
		w.Write(ch.PNG)
	}
}

func (s *Server) LoginStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := s.cfg.Session.Snapshot()
		s.Respond(w, r, http.StatusOK, map[string]any{
			"logged_in": snap.State == domain.StateConnected,
			"session":   snap,
			"backend":   s.cfg.Session.Backend().Name(),
		})
	}
}

func (s *Server) Logout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.cfg.Session.Logout(r.Context()); err != nil {
			s.fail(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]string{"status": "logged_out"})
	}
}

func (s *Server) SaveSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.cfg.Session.SaveState(r.Context()); err != nil {
			s.fail(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]string{"status": "saved"})
	}
}

// LoopbackScan accepts the current challenge on the loopback backend.
func (s *Server) LoopbackScan() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Loopback == nil {
			s.fail(w, r, fmt.Errorf("%w: backend is not loopback", domain.ErrUnsupported))
			return
		}
		var req struct {
			ID string `json:"id"`
		}
		if r.ContentLength > 0 {
			if err := s.decode(w, r, &req); err != nil {
				s.fail(w, r, err)
				return
			}
		}
		if err := s.cfg.Loopback.Scan(req.ID); err != nil {
			s.fail(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusAccepted, map[string]string{"status": "scanned"})
	}
}

type injectRequest struct {
	Kind     string `json:"kind"`
	Text     string `json:"text"`
	FileName string `json:"file_name"`
	// Data is a data: URL or plain base64.
	Data string `json:"data"`
}

// LoopbackInject queues an inbound message as if typed in the chat.
func (s *Server) LoopbackInject() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Loopback == nil {
			s.fail(w, r, fmt.Errorf("%w: backend is not loopback", domain.ErrUnsupported))
			return
		}
		var req injectRequest
		if err := s.decode(w, r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
		ev, err := req.event()
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.cfg.Loopback.Inject(ev)
		s.Respond(w, r, http.StatusAccepted, map[string]string{"status": "queued"})
	}
}

func (req injectRequest) event() (domain.RawEvent, error) {
	ev := domain.RawEvent{Text: req.Text, FileName: req.FileName}
	if req.Data != "" {
		if strings.HasPrefix(req.Data, "data:") {
			du, err := dataurl.DecodeString(req.Data)
			if err != nil {
				return ev, fmt.Errorf("%w: bad data url: %v", domain.ErrInvalidParameter, err)
			}
			ev.Data = du.Data
			ev.MimeType = du.ContentType()
		} else {
			raw, err := base64.StdEncoding.DecodeString(req.Data)
			if err != nil {
				return ev, fmt.Errorf("%w: data is neither a data url nor base64", domain.ErrInvalidParameter)
			}
			ev.Data = raw
		}
	}
	switch req.Kind {
	case "", "text":
		ev.Kind = domain.RawText
		if len(ev.Data) > 0 {
			ev.Kind = domain.RawFile
		}
	case "file":
		ev.Kind = domain.RawFile
	case "image":
		ev.Kind = domain.RawImage
	case "system":
		ev.Kind = domain.RawSystem
	default:
		return ev, fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidParameter, req.Kind)
	}
	if (ev.Kind == domain.RawFile || ev.Kind == domain.RawImage) && len(ev.Data) == 0 {
		return ev, fmt.Errorf("%w: %s events need data", domain.ErrInvalidParameter, req.Kind)
	}
	if ev.Kind == domain.RawText && strings.TrimSpace(ev.Text) == "" {
		return ev, fmt.Errorf("%w: text is required", domain.ErrInvalidParameter)
	}
	return ev, nil
}

// --- files and history ---

func (s *Server) ListFiles() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.History == nil {
			s.fail(w, r, fmt.Errorf("%w: no message store", domain.ErrUnsupported))
			return
		}
		recs, err := s.cfg.History.ListFiles(r.Context(), queryInt(r, "limit", 100))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]any{"files": recs, "count": len(recs)})
	}
}

// CleanupFiles sweeps blobs older than ?days= (default: the configured retention).
func (s *Server) CleanupFiles() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ttl := s.cfg.FileRetention
		if d := queryInt(r, "days", -1); d >= 0 {
			ttl = time.Duration(d) * 24 * time.Hour
		}
		if ttl <= 0 {
			s.fail(w, r, fmt.Errorf("%w: retention is disabled; pass ?days=", domain.ErrInvalidParameter))
			return
		}
		removed, err := s.cfg.Files.Sweep(r.Context(), ttl)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if s.cfg.Events != nil {
			s.cfg.Events.Emit(bus.Event{Type: bus.EventFilesSwept, Source: "api", Payload: map[string]any{"removed": removed}})
		}
		s.Respond(w, r, http.StatusOK, map[string]any{"removed": removed})
	}
}

func (s *Server) DeleteFile() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		sf, err := s.cfg.Files.Resolve(r.Context(), id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if err := s.cfg.Files.Delete(r.Context(), id); err != nil {
			s.fail(w, r, err)
			return
		}
		if s.cfg.History != nil {
			if err := s.cfg.History.ForgetFile(r.Context(), sf.UniqueID); err != nil {
				s.logger.Warn("forget file failed", "unique_id", sf.UniqueID, "err", err)
			}
		}
		s.Respond(w, r, http.StatusOK, map[string]string{"deleted": sf.UniqueID})
	}
}

func (s *Server) StoreStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.History == nil {
			s.fail(w, r, fmt.Errorf("%w: no message store", domain.ErrUnsupported))
			return
		}
		st, err := s.cfg.History.Stats(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, st)
	}
}

// StoreMessages queries history: ?direction=&kind=&since=<unix>&offset=&limit=.
func (s *Server) StoreMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.History == nil {
			s.fail(w, r, fmt.Errorf("%w: no message store", domain.ErrUnsupported))
			return
		}
		q := r.URL.Query()
		f := domain.MessageFilter{
			Direction: domain.Direction(q.Get("direction")),
			Kind:      q.Get("kind"),
			Offset:    queryInt(r, "offset", 0),
			Limit:     queryInt(r, "limit", 50),
		}
		if since := queryInt(r, "since", 0); since > 0 {
			f.Since = time.Unix(int64(since), 0)
		}
		ups, err := s.cfg.History.QueryMessages(r.Context(), f)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]any{"messages": ups, "count": len(ups)})
	}
}

// --- framework ---

type commandView struct {
	Name        string   `json:"name"`
	Aliases     []string `json:"aliases,omitempty"`
	Description string   `json:"description,omitempty"`
	Usage       string   `json:"usage,omitempty"`
	Source      string   `json:"source"`
}

func viewCommands(cmds []command.Command) []commandView {
	out := make([]commandView, 0, len(cmds))
	for _, c := range cmds {
		if c.Hidden {
			continue
		}
		out = append(out, commandView{c.Name, c.Aliases, c.Description, c.Usage, c.Source})
	}
	return out
}

// FrameworkState summarizes everything an operator dashboard shows.
func (s *Server) FrameworkState() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"version":       s.cfg.Version,
			"uptime":        time.Since(s.cfg.StartedAt).Round(time.Second).String(),
			"session":       s.cfg.Session.Snapshot(),
			"webhook":       s.cfg.Delivery.WebhookInfo(),
			"event_clients": s.hub.count(),
		}
		if s.cfg.Log != nil {
			resp["updates"] = map[string]any{
				"last_update_id":   s.cfg.Log.LastID(),
				"min_retained_id":  s.cfg.Log.MinRetainedID(),
				"retained":         s.cfg.Log.Len(),
				"consumer_cursors": s.cfg.Log.Consumers(),
			}
		}
		if s.cfg.Registry != nil {
			resp["commands"] = viewCommands(s.cfg.Registry.Commands())
			resp["prefixes"] = s.cfg.Registry.Prefixes()
		}
		if s.cfg.Chat != nil {
			resp["chat_mode"] = s.cfg.Chat.Enabled()
		}
		s.Respond(w, r, http.StatusOK, resp)
	}
}

// SetChatMode switches forwarding of plain chat text: {"enabled": true}.
func (s *Server) SetChatMode() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Chat == nil {
			s.fail(w, r, fmt.Errorf("%w: chat mode is not available", domain.ErrUnsupported))
			return
		}
		var req struct {
			Enabled *bool `json:"enabled"`
		}
		if err := s.decode(w, r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
		if req.Enabled == nil {
			s.fail(w, r, fmt.Errorf("%w: enabled is required", domain.ErrInvalidParameter))
			return
		}
		s.cfg.Chat.SetEnabled(*req.Enabled)
		s.Respond(w, r, http.StatusOK, map[string]any{"enabled": *req.Enabled, "configured": s.cfg.Chat.Configured()})
	}
}

// FrameworkExecute runs command text as the "api" source. With "send": true the
// result is also posted to the chat.
func (s *Server) FrameworkExecute() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Command string `json:"command"`
			Send    bool   `json:"send"`
		}
		if err := s.decode(w, r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
		start := time.Now()
		out, err := s.cfg.Registry.ExecuteText(r.Context(), req.Command, domain.CommandContext{Source: "api"})
		if errors.Is(err, domain.ErrUnknownCommand) {
			s.Respond(w, r, http.StatusNotFound, err)
			return
		}
		if err != nil {
			s.fail(w, r, err)
			return
		}
		resp := map[string]any{"result": out, "duration_ms": time.Since(start).Milliseconds()}
		if req.Send && out != "" {
			msg, err := s.cfg.Bot.SendText(r.Context(), out, "")
			if err != nil {
				s.fail(w, r, err)
				return
			}
			resp["message_id"] = msg.MessageID
		}
		s.Respond(w, r, http.StatusOK, resp)
	}
}

func (s *Server) ListPlugins() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"commands": viewCommands(s.cfg.Registry.Commands())}
		if s.cfg.Catalog != nil {
			resp["packs"] = s.cfg.Catalog.Packs()
			resp["dir"] = s.cfg.Catalog.Dir()
		}
		s.Respond(w, r, http.StatusOK, resp)
	}
}

func (s *Server) ReloadPlugins() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Catalog == nil {
			s.fail(w, r, fmt.Errorf("%w: no command catalog", domain.ErrUnsupported))
			return
		}
		res, err := s.cfg.Catalog.Reload()
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if s.cfg.Events != nil {
			s.cfg.Events.Emit(bus.Event{Type: bus.EventPluginsReloaded, Source: "api", Payload: map[string]any{
				"packs": res.Packs, "commands": res.Commands,
			}})
		}
		s.Respond(w, r, http.StatusOK, res)
	}
}

// --- tasks ---

type taskRequest struct {
	Schedule    string `json:"schedule"`
	Command     string `json:"command"`
	Description string `json:"description"`
	Enabled     *bool  `json:"enabled"`
}

func (s *Server) tasksEnabled(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.Scheduler == nil {
		s.fail(w, r, fmt.Errorf("%w: scheduler is disabled", domain.ErrUnsupported))
		return false
	}
	return true
}

func (s *Server) ListTasks() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.tasksEnabled(w, r) {
			return
		}
		tasks, err := s.cfg.Scheduler.List(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]any{"tasks": tasks})
	}
}

func (s *Server) CreateTask() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.tasksEnabled(w, r) {
			return
		}
		var req taskRequest
		if err := s.decode(w, r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
		t, err := s.cfg.Scheduler.Add(r.Context(), req.Schedule, req.Command, req.Description)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if req.Enabled != nil && !*req.Enabled {
			t.Enabled = false
			if t, err = s.cfg.Scheduler.Update(r.Context(), t); err != nil {
				s.fail(w, r, err)
				return
			}
		}
		s.Respond(w, r, http.StatusCreated, t)
	}
}

// UpdateTask patches the fields present in the body.
func (s *Server) UpdateTask() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.tasksEnabled(w, r) {
			return
		}
		cur, err := s.cfg.Scheduler.Get(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		var req taskRequest
		if err := s.decode(w, r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
		if req.Schedule != "" {
			cur.Schedule = req.Schedule
		}
		if req.Command != "" {
			cur.Command = req.Command
		}
		if req.Description != "" {
			cur.Description = req.Description
		}
		if req.Enabled != nil {
			cur.Enabled = *req.Enabled
		}
		t, err := s.cfg.Scheduler.Update(r.Context(), cur)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, t)
	}
}

func (s *Server) DeleteTask() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.tasksEnabled(w, r) {
			return
		}
		id := mux.Vars(r)["id"]
		if _, err := s.cfg.Scheduler.Get(r.Context(), id); err != nil {
			s.fail(w, r, err)
			return
		}
		if err := s.cfg.Scheduler.Remove(r.Context(), id); err != nil {
			s.fail(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]string{"deleted": id})
	}
}

func (s *Server) RunTask() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.tasksEnabled(w, r) {
			return
		}
		out, err := s.cfg.Scheduler.RunNow(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]string{"result": out})
	}
}

// Stability reports recent failures across components and reconnect state.
func (s *Server) Stability() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := s.cfg.Session.Snapshot()
		resp := map[string]any{
			"state":              snap.State,
			"reconnect_attempts": snap.ReconnectAttempts,
			"last_heartbeat_at":  snap.LastHeartbeatAt,
			"last_error":         snap.LastError,
			"webhook":            s.cfg.Delivery.WebhookInfo(),
		}
		if snap.State == domain.StateConnected {
			resp["connected_for"] = time.Since(snap.ConnectedSince).Round(time.Second).String()
		}
		if s.cfg.Events != nil {
			resp["recent_errors"] = s.cfg.Events.Recent(bus.ErrorSuffix, queryInt(r, "limit", 20))
		}
		s.Respond(w, r, http.StatusOK, resp)
	}
}
