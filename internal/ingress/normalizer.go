// Package ingress turns raw backend events into Bot API messages and appends them
// to the update log.
package ingress

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/patrickmn/go-cache"

	"wxhelper/internal/domain"
	"wxhelper/internal/files"
	"wxhelper/internal/updates"
)

// ChatID is the id of the single filehelper chat.
const ChatID int64 = 1

// Config configures a Normalizer.
type Config struct {
	Log   *updates.Log
	Files domain.FileStore
	// DeliverSystemNotices maps backend system events to system_notice updates
	// instead of discarding them.
	DeliverSystemNotices bool
	// SuppressEchoes drops inbound texts matching something this process just sent.
	// Backends that scrape their own outgoing bubbles need it.
	SuppressEchoes bool
	DedupTTL       time.Duration
	EchoTTL        time.Duration
	// Bot is the sender of outbound messages, Peer of inbound ones.
	Bot    domain.User
	Peer   domain.User
	Logger *slog.Logger
	Now    func() time.Time
}

// Normalizer is the single writer of chat messages into the update log.
type Normalizer struct {
	cfg    Config
	chat   domain.Chat
	seen   *cache.Cache
	echoes *cache.Cache
}

// New creates a Normalizer.
func New(cfg Config) *Normalizer {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 30 * time.Minute
	}
	if cfg.EchoTTL <= 0 {
		cfg.EchoTTL = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Normalizer{
		cfg:    cfg,
		chat:   domain.Chat{ID: ChatID, Type: "private", FirstName: "File Transfer", Username: "filehelper"},
		seen:   cache.New(cfg.DedupTTL, 5*time.Minute),
		echoes: cache.New(cfg.EchoTTL, time.Minute),
	}
}

// Chat is the chat object every message carries.
func (n *Normalizer) Chat() domain.Chat { return n.chat }

// Ingest normalizes one backend event. Accepted events are appended exactly once;
// duplicates, echoes and (unless enabled) system events are dropped silently.
func (n *Normalizer) Ingest(ctx context.Context, ev domain.RawEvent) error {
	key := dedupKey(ev)
	if key != "" {
		if err := n.seen.Add(key, struct{}{}, cache.DefaultExpiration); err != nil {
			n.cfg.Logger.Debug("duplicate event dropped", "key", key)
			return nil
		}
	}

	msg, keep, err := n.normalize(ctx, ev)
	if err != nil {
		if key != "" {
			// Let a later re-scrape retry the event.
			n.seen.Delete(key)
		}
		return err
	}
	if !keep {
		return nil
	}
	n.Record(msg)
	return nil
}

func (n *Normalizer) normalize(ctx context.Context, ev domain.RawEvent) (domain.Message, bool, error) {
	at := ev.At
	if at.IsZero() {
		at = n.cfg.Now()
	}
	peer := n.cfg.Peer
	msg := domain.Message{
		MessageID: ev.BackendID,
		Date:      at.Unix(),
		From:      &peer,
		Direction: domain.DirectionInbound,
	}

	switch ev.Kind {
	case domain.RawText:
		if n.cfg.SuppressEchoes {
			if _, ok := n.echoes.Get(ev.Text); ok {
				n.echoes.Delete(ev.Text)
				return msg, false, nil
			}
		}
		msg.Text = ev.Text
		return msg, ev.Text != "", nil

	case domain.RawSystem:
		if !n.cfg.DeliverSystemNotices {
			n.cfg.Logger.Debug("system event discarded", "text", ev.Text)
			return msg, false, nil
		}
		msg.Direction = domain.DirectionSystem
		msg.From = nil
		msg.Text = ev.Text
		return msg, true, nil

	case domain.RawFile, domain.RawImage:
		data := ev.Data
		if data == nil {
			if ev.Fetch == nil {
				return msg, false, fmt.Errorf("%s event %q has no content", ev.Kind, ev.FileName)
			}
			var err error
			if data, err = ev.Fetch(ctx); err != nil {
				return msg, false, fmt.Errorf("fetch %s: %w", ev.FileName, err)
			}
		}
		doc, photo, err := Attach(ctx, n.cfg.Files, data, ev.FileName, ev.Kind == domain.RawImage, at)
		if err != nil {
			return msg, false, err
		}
		msg.Caption = ev.Text
		msg.Document = doc
		msg.Photo = photo
		return msg, true, nil

	default:
		return msg, false, fmt.Errorf("%w: event kind %q", domain.ErrUnsupported, ev.Kind)
	}
}

// Record appends msg to the log as the next update, filling in chat, date, sender
// and a message id when missing. Outbound messages go through here too, so every
// message is appended exactly once.
func (n *Normalizer) Record(msg domain.Message) domain.Update {
	msg.Chat = n.chat
	if msg.Date == 0 {
		msg.Date = n.cfg.Now().Unix()
	}
	if msg.Direction == "" {
		msg.Direction = domain.DirectionInbound
	}
	if msg.From == nil && msg.Direction == domain.DirectionOutbound {
		bot := n.cfg.Bot
		msg.From = &bot
	}
	if msg.MessageID == "" {
		msg.MessageID = NewMessageID(time.Unix(msg.Date, 0))
	}
	return n.cfg.Log.Append(msg)
}

// RememberSent registers an outbound text so its scraped echo is not ingested.
func (n *Normalizer) RememberSent(text string) {
	if n.cfg.SuppressEchoes && text != "" {
		n.echoes.SetDefault(text, struct{}{})
	}
}

// ForgetSent drops an echo registration for a send that failed.
func (n *Normalizer) ForgetSent(text string) {
	n.echoes.Delete(text)
}

// Notice appends a system_notice update when notices are enabled.
func (n *Normalizer) Notice(text string) (domain.Update, bool) {
	if !n.cfg.DeliverSystemNotices {
		return domain.Update{}, false
	}
	return n.Record(domain.Message{Direction: domain.DirectionSystem, Text: text}), true
}

// Attach stores data in fs and builds the document (and, for images, photo
// sizes) that reference it.
func Attach(ctx context.Context, fs domain.FileStore, data []byte, name string, image bool, now time.Time) (*domain.Document, []domain.PhotoSize, error) {
	sf, err := fs.Store(ctx, data, name)
	if err != nil {
		return nil, nil, fmt.Errorf("store %s: %w", name, err)
	}
	fileID, err := files.NewFileID(sf.UniqueID, now)
	if err != nil {
		return nil, nil, err
	}
	doc := &domain.Document{
		FileID:       fileID,
		FileUniqueID: sf.UniqueID,
		FileName:     sf.Name,
		MimeType:     sf.MimeType,
		FileSize:     sf.Size,
		StorageRef:   sf.Ref,
	}
	if !image {
		return doc, nil, nil
	}

	info, err := files.Thumbnail(data, files.ThumbnailSize)
	if err != nil {
		// Not decodable as an image; deliver as a plain document.
		return doc, nil, nil
	}
	original := domain.PhotoSize{
		FileID: fileID, FileUniqueID: sf.UniqueID,
		Width: info.Width, Height: info.Height, FileSize: sf.Size,
	}
	if info.Width == info.ThumbWidth && info.Height == info.ThumbHeight {
		return doc, []domain.PhotoSize{original}, nil
	}
	tf, err := fs.Store(ctx, info.Thumb, "thumb_"+files.SafeName(sf.Name, sf.UniqueID)+".jpg")
	if err != nil {
		return doc, []domain.PhotoSize{original}, nil
	}
	thumbID, err := files.NewFileID(tf.UniqueID, now)
	if err != nil {
		return doc, []domain.PhotoSize{original}, nil
	}
	thumb := domain.PhotoSize{
		FileID: thumbID, FileUniqueID: tf.UniqueID,
		Width: info.ThumbWidth, Height: info.ThumbHeight, FileSize: tf.Size,
	}
	return doc, []domain.PhotoSize{thumb, original}, nil
}

// NewMessageID synthesizes a message id for events the backend did not number.
func NewMessageID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return ulid.Make().String()
	}
	return id.String()
}

func dedupKey(ev domain.RawEvent) string {
	switch {
	case ev.BackendID != "":
		return "id:" + ev.BackendID
	case !ev.At.IsZero():
		return fmt.Sprintf("%s|%d|%s|%s", ev.Kind, ev.At.UnixNano(), ev.FileName, ev.Text)
	default:
		return ""
	}
}
