package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"wxhelper/internal/delivery"
	"wxhelper/internal/domain"
)

type botHandler func(ctx context.Context, p *params) (any, error)

// unsupportedMethods are Bot API methods outside this chat's capabilities.
var unsupportedMethods = map[string]bool{
	"forwardmessage": true, "forwardmessages": true, "copymessage": true, "copymessages": true,
	"editmessagetext": true, "editmessagecaption": true, "editmessagemedia": true,
	"editmessagereplymarkup": true, "deletemessage": true, "deletemessages": true,
	"sendpoll": true, "stoppoll": true, "senddice": true, "sendlocation": true,
	"sendvenue": true, "sendcontact": true, "sendinvoice": true, "sendgame": true,
	"answerinlinequery": true, "answercallbackquery": true, "sendsticker": true,
	"sendvideo": true, "sendaudio": true, "sendvoice": true, "sendanimation": true,
	"sendvideonote": true, "sendmediagroup": true, "sendchataction": true,
	"setmycommands": true, "getmycommands": true, "pinchatmessage": true,
}

// envelope is the Bot API response body.
type envelope struct {
	OK          bool   `json:"ok"`
	Result      any    `json:"result,omitempty"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

func (s *Server) botMethods() map[string]botHandler {
	return map[string]botHandler{
		"getme":          s.getMe,
		"getupdates":     s.getUpdates,
		"sendmessage":    s.sendMessage,
		"senddocument":   s.sendDocument,
		"sendphoto":      s.sendPhoto,
		"getfile":        s.getFile,
		"getchat":        s.getChat,
		"setwebhook":     s.setWebhook,
		"deletewebhook":  s.deleteWebhook,
		"getwebhookinfo": s.getWebhookInfo,
		"logout":         s.logOut,
		"close":          s.closeBot,
	}
}

func (s *Server) tokenOK(token string) bool {
	if s.cfg.BotToken == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.BotToken)) == 1
}

// BotMethod dispatches /bot{token}/{method}. Method names are case-insensitive.
func (s *Server) BotMethod() http.HandlerFunc {
	methods := s.botMethods()
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		if !s.tokenOK(vars["token"]) {
			s.botReply(w, r, envelope{ErrorCode: http.StatusUnauthorized, Description: "Unauthorized"})
			return
		}
		name := strings.ToLower(vars["method"])
		h, ok := methods[name]
		if !ok {
			if unsupportedMethods[name] {
				s.botError(w, r, fmt.Errorf("%w: %s", domain.ErrUnsupported, vars["method"]))
				return
			}
			s.botReply(w, r, envelope{ErrorCode: http.StatusNotFound, Description: "Not Found: method not found"})
			return
		}
		p, err := s.parseParams(w, r)
		if err != nil {
			s.botError(w, r, err)
			return
		}
		p.caller = vars["token"]
		result, err := h(r.Context(), p)
		if err != nil {
			s.botError(w, r, err)
			return
		}
		s.botReply(w, r, envelope{OK: true, Result: result})
	}
}

func (s *Server) botError(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("bot api method failed", "path", redactToken(r.URL.Path), "err", err)
	}
	s.botReply(w, r, envelope{ErrorCode: code, Description: describe(code, err)})
}

func (s *Server) botReply(w http.ResponseWriter, r *http.Request, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	status := http.StatusOK
	if !env.OK {
		status = env.ErrorCode
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		s.logger.Debug("write response failed", "err", err)
	}
}

// describe prefixes the message the way Bot API descriptions read.
func describe(code int, err error) string {
	prefix := map[int]string{
		http.StatusBadRequest:          "Bad Request",
		http.StatusUnauthorized:        "Unauthorized",
		http.StatusForbidden:           "Forbidden",
		http.StatusNotFound:            "Not Found",
		http.StatusConflict:            "Conflict",
		http.StatusGone:                "Gone",
		http.StatusNotImplemented:      "Not Implemented",
		http.StatusServiceUnavailable:  "Service Unavailable",
		http.StatusGatewayTimeout:      "Gateway Timeout",
		http.StatusInternalServerError: "Internal Server Error",
	}[code]
	if prefix == "" {
		return err.Error()
	}
	return prefix + ": " + err.Error()
}

// --- methods ---

func (s *Server) getMe(ctx context.Context, p *params) (any, error) {
	if me, ok := s.cache.Get("getMe"); ok {
		return me, nil
	}
	me := s.cfg.Bot.GetMe()
	s.cache.SetDefault("getMe", me)
	return me, nil
}

func (s *Server) getUpdates(ctx context.Context, p *params) (any, error) {
	offset, err := p.int64("offset")
	if err != nil {
		return nil, err
	}
	limit, err := p.intOr("limit", 100)
	if err != nil {
		return nil, err
	}
	timeout, err := p.intOr("timeout", 0)
	if err != nil {
		return nil, err
	}
	allowed, err := p.list("allowed_updates")
	if err != nil {
		return nil, err
	}
	return s.cfg.Delivery.GetUpdates(ctx, p.caller, delivery.PollRequest{
		Offset:         offset,
		Limit:          limit,
		Timeout:        time.Duration(timeout) * time.Second,
		AllowedUpdates: allowed,
	})
}

func (s *Server) sendMessage(ctx context.Context, p *params) (any, error) {
	if err := s.cfg.Bot.CheckChat(p.str("chat_id")); err != nil {
		return nil, err
	}
	return s.cfg.Bot.SendText(ctx, p.raw("text"), p.replyTo())
}

func (s *Server) sendDocument(ctx context.Context, p *params) (any, error) {
	if err := s.cfg.Bot.CheckChat(p.str("chat_id")); err != nil {
		return nil, err
	}
	in, err := s.fileInput(ctx, p, "document")
	if err != nil {
		return nil, err
	}
	return s.cfg.Bot.SendDocument(ctx, in)
}

func (s *Server) sendPhoto(ctx context.Context, p *params) (any, error) {
	if err := s.cfg.Bot.CheckChat(p.str("chat_id")); err != nil {
		return nil, err
	}
	in, err := s.fileInput(ctx, p, "photo")
	if err != nil {
		return nil, err
	}
	return s.cfg.Bot.SendPhoto(ctx, in)
}

func (s *Server) getFile(ctx context.Context, p *params) (any, error) {
	return s.cfg.Bot.GetFile(ctx, p.str("file_id"))
}

func (s *Server) getChat(ctx context.Context, p *params) (any, error) {
	return s.cfg.Bot.GetChat(p.str("chat_id"))
}

func (s *Server) setWebhook(ctx context.Context, p *params) (any, error) {
	allowed, err := p.list("allowed_updates")
	if err != nil {
		return nil, err
	}
	maxConn, err := p.intOr("max_connections", 0)
	if err != nil {
		return nil, err
	}
	secret := p.str("secret_token")
	if len(secret) > 256 {
		return nil, fmt.Errorf("%w: secret_token is too long", domain.ErrInvalidParameter)
	}
	target := delivery.WebhookTarget{
		URL:            p.str("url"),
		SecretToken:    secret,
		AllowedUpdates: allowed,
		MaxConnections: maxConn,
	}
	if err := s.cfg.Delivery.SetWebhook(ctx, target, p.bool("drop_pending_updates")); err != nil {
		return nil, err
	}
	return true, nil
}

func (s *Server) deleteWebhook(ctx context.Context, p *params) (any, error) {
	if err := s.cfg.Delivery.DeleteWebhook(ctx, p.bool("drop_pending_updates")); err != nil {
		return nil, err
	}
	return true, nil
}

func (s *Server) getWebhookInfo(ctx context.Context, p *params) (any, error) {
	return s.cfg.Delivery.WebhookInfo(), nil
}

func (s *Server) logOut(ctx context.Context, p *params) (any, error) {
	if err := s.cfg.Session.Logout(ctx); err != nil {
		return nil, err
	}
	return true, nil
}

// closeBot exists for client compatibility; there is no per-instance state to release.
func (s *Server) closeBot(ctx context.Context, p *params) (any, error) {
	return true, nil
}

// FileDownload serves /file/bot{token}/{path}, where path is getFile's file_path.
func (s *Server) FileDownload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		if !s.tokenOK(vars["token"]) {
			s.botReply(w, r, envelope{ErrorCode: http.StatusUnauthorized, Description: "Unauthorized"})
			return
		}
		ref := vars["path"]
		rc, err := s.cfg.Files.Open(r.Context(), ref)
		if err != nil {
			if errors.Is(err, domain.ErrFileNotFound) {
				s.botReply(w, r, envelope{ErrorCode: http.StatusNotFound, Description: "Not Found: file not found"})
				return
			}
			s.botError(w, r, err)
			return
		}
		defer rc.Close()
		name := path.Base(ref)
		if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
			w.Header().Set("Content-Type", ct)
		} else {
			w.Header().Set("Content-Type", "application/octet-stream")
		}
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
		if _, err := io.Copy(w, rc); err != nil {
			s.logger.Debug("file download interrupted", "ref", ref, "err", err)
		}
	}
}
