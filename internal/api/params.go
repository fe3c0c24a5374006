package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/vincent-petithory/dataurl"

	"wxhelper/internal/bot"
	"wxhelper/internal/domain"
)

// params collects Bot API parameters from the query string, url-encoded or
// multipart forms, and JSON bodies. Later sources override earlier ones.
type params struct {
	values map[string]string
	files  map[string]*multipart.FileHeader
	// caller identifies the Bot API client for per-caller poll offsets.
	caller string
}

func (s *Server) parseParams(w http.ResponseWriter, r *http.Request) (*params, error) {
	p := &params{values: map[string]string{}, files: map[string]*multipart.FileHeader{}}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			p.values[k] = v[0]
		}
	}
	if r.Method == http.MethodGet || r.Body == nil {
		return p, nil
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUpload)

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/json":
		var body map[string]any
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&body); err != nil && err != io.EOF {
			return nil, fmt.Errorf("%w: can't parse JSON body: %v", domain.ErrInvalidParameter, err)
		}
		for k, v := range body {
			p.values[k] = jsonString(v)
		}
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxFormSize); err != nil {
			return nil, fmt.Errorf("%w: can't parse multipart form: %v", domain.ErrInvalidParameter, err)
		}
		for k, v := range r.MultipartForm.Value {
			if len(v) > 0 {
				p.values[k] = v[0]
			}
		}
		for k, v := range r.MultipartForm.File {
			if len(v) > 0 {
				p.files[k] = v[0]
			}
		}
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("%w: can't parse form: %v", domain.ErrInvalidParameter, err)
		}
		for k, v := range r.PostForm {
			if len(v) > 0 {
				p.values[k] = v[0]
			}
		}
	}
	return p, nil
}

// jsonString flattens a decoded JSON value to the string form form fields use.
func jsonString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		raw, _ := json.Marshal(t)
		return string(raw)
	}
}

func (p *params) str(key string) string { return strings.TrimSpace(p.values[key]) }

func (p *params) raw(key string) string { return p.values[key] }

// int64 returns the parameter, or nil when absent.
func (p *params) int64(key string) (*int64, error) {
	v := p.str(key)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be an integer", domain.ErrInvalidParameter, key)
	}
	return &n, nil
}

func (p *params) intOr(key string, def int) (int, error) {
	n, err := p.int64(key)
	if err != nil || n == nil {
		return def, err
	}
	return int(*n), nil
}

func (p *params) bool(key string) bool {
	b, _ := strconv.ParseBool(p.str(key))
	return b
}

// list accepts a JSON array or a comma-separated string.
func (p *params) list(key string) ([]string, error) {
	v := p.str(key)
	if v == "" {
		return nil, nil
	}
	if strings.HasPrefix(v, "[") {
		var out []string
		if err := json.Unmarshal([]byte(v), &out); err != nil {
			return nil, fmt.Errorf("%w: %s must be an array of strings", domain.ErrInvalidParameter, key)
		}
		return out, nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out, nil
}

// replyTo reads reply_to_message_id, or message_id inside reply_parameters.
func (p *params) replyTo() string {
	if v := p.str("reply_to_message_id"); v != "" {
		return v
	}
	if v := p.str("reply_parameters"); v != "" {
		var rp struct {
			MessageID json.RawMessage `json:"message_id"`
		}
		if json.Unmarshal([]byte(v), &rp) == nil && len(rp.MessageID) > 0 {
			var id any
			json.Unmarshal(rp.MessageID, &id)
			return jsonString(id)
		}
	}
	return ""
}

// fileInput resolves the document/photo parameter: a multipart upload, a data:
// URL, an http(s) URL to fetch, or a file_id.
func (s *Server) fileInput(ctx context.Context, p *params, key string) (bot.FileInput, error) {
	in := bot.FileInput{Caption: p.raw("caption"), ReplyTo: p.replyTo()}

	if fh, ok := p.files[key]; ok {
		if fh.Size > s.cfg.MaxUpload {
			return in, fmt.Errorf("%w: file is too big", domain.ErrInvalidParameter)
		}
		f, err := fh.Open()
		if err != nil {
			return in, fmt.Errorf("open upload: %w", err)
		}
		defer f.Close()
		if in.Data, err = io.ReadAll(f); err != nil {
			return in, fmt.Errorf("read upload: %w", err)
		}
		in.FileName = fh.Filename
		return in, nil
	}

	v := p.str(key)
	switch {
	case v == "":
		return in, fmt.Errorf("%w: %s is required", domain.ErrInvalidParameter, key)
	case strings.HasPrefix(v, "data:"):
		du, err := dataurl.DecodeString(v)
		if err != nil {
			return in, fmt.Errorf("%w: bad data url: %v", domain.ErrInvalidParameter, err)
		}
		in.Data = du.Data
		in.FileName = p.str("filename")
		if in.FileName == "" {
			in.FileName = key + extensionFor(du.MediaType.Type+"/"+du.MediaType.Subtype)
		}
	case strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://"):
		data, name, err := s.download(ctx, v)
		if err != nil {
			return in, err
		}
		in.Data, in.FileName = data, name
	default:
		in.FileID = v
	}
	if int64(len(in.Data)) > s.cfg.MaxUpload {
		return in, fmt.Errorf("%w: file is too big", domain.ErrInvalidParameter)
	}
	return in, nil
}

func (s *Server) download(ctx context.Context, raw string) ([]byte, string, error) {
	resp, err := s.cfg.HTTP.R().SetContext(ctx).Get(raw)
	if err != nil {
		return nil, "", fmt.Errorf("%w: failed to get HTTP URL content: %v", domain.ErrInvalidParameter, err)
	}
	if resp.IsError() {
		return nil, "", fmt.Errorf("%w: failed to get HTTP URL content: HTTP %d", domain.ErrInvalidParameter, resp.StatusCode())
	}
	name := "file"
	if u, err := url.Parse(raw); err == nil {
		if base := path.Base(u.Path); base != "/" && base != "." && base != "" {
			name = base
		}
	}
	if path.Ext(name) == "" {
		name += extensionFor(resp.Header().Get("Content-Type"))
	}
	return resp.Body(), name, nil
}

func extensionFor(contentType string) string {
	mt, _, _ := mime.ParseMediaType(contentType)
	switch mt {
	case "image/jpeg":
		return ".jpg"
	case "text/plain":
		return ".txt"
	}
	if exts, _ := mime.ExtensionsByType(mt); len(exts) > 0 {
		return exts[0]
	}
	return ""
}
