// Package bot implements the Bot API methods that act on the chat: sending
// messages and files, file lookup, getMe and getChat.
package bot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"wxhelper/internal/domain"
	"wxhelper/internal/files"
	"wxhelper/internal/ingress"
)

// Session is the outbound side of the session manager.
type Session interface {
	SendText(ctx context.Context, text string) (string, error)
	SendFile(ctx context.Context, path string) (string, error)
}

// Config configures a Service.
type Config struct {
	Session Session
	Ingress *ingress.Normalizer
	Files   domain.FileStore
	Me      domain.User
	Logger  *slog.Logger
	Now     func() time.Time
}

// Service is shared by the HTTP surface, the command dispatcher and the scheduler.
type Service struct {
	cfg Config
}

// New creates a Service.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{cfg: cfg}
}

// GetMe describes the bot account.
func (s *Service) GetMe() domain.User { return s.cfg.Me }

// GetChat returns the single chat.
func (s *Service) GetChat(chatID string) (domain.Chat, error) {
	if err := s.CheckChat(chatID); err != nil {
		return domain.Chat{}, err
	}
	return s.cfg.Ingress.Chat(), nil
}

// CheckChat accepts the chat's numeric id or its username, with or without "@".
func (s *Service) CheckChat(chatID string) error {
	chat := s.cfg.Ingress.Chat()
	id := strings.TrimPrefix(strings.TrimSpace(chatID), "@")
	if id == strconv.FormatInt(chat.ID, 10) || strings.EqualFold(id, chat.Username) {
		return nil
	}
	return fmt.Errorf("%w: chat not found", domain.ErrInvalidParameter)
}

// SendText sends text and records it as an outbound update.
func (s *Service) SendText(ctx context.Context, text, replyTo string) (domain.Message, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Message{}, fmt.Errorf("%w: message text is empty", domain.ErrInvalidParameter)
	}
	s.cfg.Ingress.RememberSent(text)
	id, err := s.cfg.Session.SendText(ctx, text)
	if err != nil {
		s.cfg.Ingress.ForgetSent(text)
		return domain.Message{}, err
	}
	u := s.cfg.Ingress.Record(domain.Message{
		MessageID:        id,
		Direction:        domain.DirectionOutbound,
		Text:             text,
		ReplyToMessageID: replyTo,
	})
	return *u.Message, nil
}

// FileInput is the payload of sendDocument/sendPhoto: either new content or a
// file_id of something already stored.
type FileInput struct {
	FileID   string
	Data     []byte
	FileName string
	Caption  string
	ReplyTo  string
}

// SendDocument stores (or resolves) the file, uploads it and records it.
func (s *Service) SendDocument(ctx context.Context, in FileInput) (domain.Message, error) {
	return s.sendFile(ctx, in, false)
}

// SendPhoto is SendDocument plus photo sizes on the recorded message.
func (s *Service) SendPhoto(ctx context.Context, in FileInput) (domain.Message, error) {
	return s.sendFile(ctx, in, true)
}

// SendStored sends a file already in the store.
func (s *Service) SendStored(ctx context.Context, f domain.StoredFile, caption, replyTo string) (domain.Message, error) {
	return s.sendFile(ctx, FileInput{FileID: f.UniqueID, Caption: caption, ReplyTo: replyTo}, false)
}

func (s *Service) sendFile(ctx context.Context, in FileInput, photo bool) (domain.Message, error) {
	var (
		sf   domain.StoredFile
		data = in.Data
		err  error
	)
	switch {
	case in.FileID != "":
		if sf, err = s.cfg.Files.Resolve(ctx, in.FileID); err != nil {
			return domain.Message{}, err
		}
		if photo {
			if data, err = s.readAll(ctx, sf); err != nil {
				return domain.Message{}, err
			}
		}
	case len(in.Data) > 0:
	default:
		return domain.Message{}, fmt.Errorf("%w: no file given", domain.ErrInvalidParameter)
	}

	var (
		doc   *domain.Document
		sizes []domain.PhotoSize
	)
	if data != nil {
		name := in.FileName
		if name == "" {
			name = sf.Name
		}
		if doc, sizes, err = ingress.Attach(ctx, s.cfg.Files, data, name, photo, s.cfg.Now()); err != nil {
			return domain.Message{}, err
		}
		if sf, err = s.cfg.Files.Resolve(ctx, doc.FileUniqueID); err != nil {
			return domain.Message{}, err
		}
	} else {
		fileID, err := files.NewFileID(sf.UniqueID, s.cfg.Now())
		if err != nil {
			return domain.Message{}, err
		}
		doc = &domain.Document{
			FileID: fileID, FileUniqueID: sf.UniqueID, FileName: sf.Name,
			MimeType: sf.MimeType, FileSize: sf.Size, StorageRef: sf.Ref,
		}
	}

	path, cleanup, err := files.Materialize(ctx, s.cfg.Files, sf)
	if err != nil {
		return domain.Message{}, err
	}
	defer cleanup()
	id, err := s.cfg.Session.SendFile(ctx, path)
	if err != nil {
		return domain.Message{}, err
	}
	if in.Caption != "" {
		// The chat has no captions; the caption follows as its own text.
		s.cfg.Ingress.RememberSent(in.Caption)
		if _, err := s.cfg.Session.SendText(ctx, in.Caption); err != nil {
			s.cfg.Ingress.ForgetSent(in.Caption)
			s.cfg.Logger.Warn("caption not sent", "file", sf.Name, "err", err)
		}
	}

	msg := domain.Message{
		MessageID:        id,
		Direction:        domain.DirectionOutbound,
		Caption:          in.Caption,
		Document:         doc,
		ReplyToMessageID: in.ReplyTo,
	}
	if photo {
		msg.Photo = sizes
	}
	u := s.cfg.Ingress.Record(msg)
	return *u.Message, nil
}

func (s *Service) readAll(ctx context.Context, sf domain.StoredFile) ([]byte, error) {
	rc, err := s.cfg.Files.Open(ctx, sf.Ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", sf.Name, err)
	}
	return data, nil
}

// GetFile resolves a file_id for download. FilePath is relative to the file
// download route.
func (s *Service) GetFile(ctx context.Context, fileID string) (domain.File, error) {
	if fileID == "" {
		return domain.File{}, fmt.Errorf("%w: file_id is required", domain.ErrInvalidParameter)
	}
	sf, err := s.cfg.Files.Resolve(ctx, fileID)
	if err != nil {
		return domain.File{}, err
	}
	return domain.File{
		FileID:       fileID,
		FileUniqueID: sf.UniqueID,
		FileSize:     sf.Size,
		FilePath:     sf.Ref,
	}, nil
}
