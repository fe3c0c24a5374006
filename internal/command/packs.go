package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/go-resty/resty/v2"
	"gopkg.in/yaml.v3"

	"wxhelper/internal/domain"
)

// Pack is a YAML command pack.
//
//	name: greetings
//	description: Friendly replies
//	commands:
//	  - name: hello
//	    aliases: [hi]
//	    reply: "Hello {{arg 0 | default \"friend\"}}!"
//	  - name: joke
//	    http:
//	      url: https://icanhazdadjoke.com/
//	      headers: {Accept: text/plain}
//	    reply: "{{.Body}}"
type Pack struct {
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description" json:"description,omitempty"`
	File        string        `yaml:"-" json:"file"`
	Commands    []PackCommand `yaml:"commands" json:"commands"`
}

// PackCommand declares one command of a pack.
type PackCommand struct {
	Name        string      `yaml:"name" json:"name"`
	Aliases     []string    `yaml:"aliases" json:"aliases,omitempty"`
	Description string      `yaml:"description" json:"description,omitempty"`
	Usage       string      `yaml:"usage" json:"usage,omitempty"`
	Reply       string      `yaml:"reply" json:"reply,omitempty"`
	HTTP        *HTTPAction `yaml:"http" json:"http,omitempty"`
}

// HTTPAction is a request made before rendering the reply. URL, body and header
// values are templates too.
type HTTPAction struct {
	Method  string            `yaml:"method" json:"method,omitempty"`
	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`
	Body    string            `yaml:"body" json:"body,omitempty"`
	Timeout time.Duration     `yaml:"timeout" json:"timeout,omitempty"`
}

// LoadPacks reads every .yaml/.yml file in dir. A missing dir yields no packs;
// unreadable files are logged and skipped.
func LoadPacks(dir string, logger *slog.Logger) ([]Pack, error) {
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("plugins directory does not exist, skipping", "dir", dir)
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read plugins dir: %w", err)
	}

	var packs []Pack
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read command pack", "path", path, "err", err)
			continue
		}

		var p Pack
		if err := yaml.Unmarshal(data, &p); err != nil {
			logger.Warn("cannot parse command pack", "path", path, "err", err)
			continue
		}
		if p.Name == "" {
			p.Name = strings.TrimSuffix(name, filepath.Ext(name))
		}
		p.File = path

		logger.Info("loaded command pack", "name", p.Name, "commands", len(p.Commands), "path", path)
		packs = append(packs, p)
	}
	sort.Slice(packs, func(i, j int) bool { return packs[i].Name < packs[j].Name })
	return packs, nil
}

// Compile turns the pack's declarations into registry commands.
func (p Pack) Compile(client *resty.Client) ([]Command, error) {
	out := make([]Command, 0, len(p.Commands))
	for _, pc := range p.Commands {
		if pc.Name == "" {
			return nil, fmt.Errorf("pack %s: command without a name", p.Name)
		}
		if pc.Reply == "" && pc.HTTP == nil {
			return nil, fmt.Errorf("pack %s: command %s needs reply or http", p.Name, pc.Name)
		}
		run, err := pc.compile(client)
		if err != nil {
			return nil, fmt.Errorf("pack %s: command %s: %w", p.Name, pc.Name, err)
		}
		out = append(out, Command{
			Name:        pc.Name,
			Aliases:     pc.Aliases,
			Description: pc.Description,
			Usage:       pc.Usage,
			Source:      p.Name,
			Run:         run,
		})
	}
	return out, nil
}

// TemplateData is what reply and http templates render against.
type TemplateData struct {
	Command string
	Args    []string
	Text    string
	Raw     string
	Now     time.Time
	// Set after an http action.
	Status int
	Body   string
	JSON   any
}

func (pc PackCommand) compile(client *resty.Client) (Func, error) {
	// arg is rebound per execution; the placeholder lets Parse resolve calls.
	funcs := template.FuncMap{
		"arg":     func(int) string { return "" },
		"default": defaultValue,
		"upper":   strings.ToUpper,
		"lower":   strings.ToLower,
		"join":    strings.Join,
		"trim":    strings.TrimSpace,
	}
	parse := func(name, text string) (*template.Template, error) {
		if text == "" {
			return nil, nil
		}
		return template.New(name).Funcs(funcs).Option("missingkey=zero").Parse(text)
	}

	reply, err := parse("reply", pc.Reply)
	if err != nil {
		return nil, err
	}
	var urlT, bodyT *template.Template
	headerT := map[string]*template.Template{}
	if h := pc.HTTP; h != nil {
		if h.URL == "" {
			return nil, fmt.Errorf("http action without url")
		}
		if urlT, err = parse("url", h.URL); err != nil {
			return nil, err
		}
		if bodyT, err = parse("body", h.Body); err != nil {
			return nil, err
		}
		for k, v := range h.Headers {
			if headerT[k], err = parse("header", v); err != nil {
				return nil, err
			}
		}
		if client == nil {
			return nil, fmt.Errorf("http action needs an http client")
		}
	}

	return func(ctx context.Context, cc domain.CommandContext) (string, error) {
		data := &TemplateData{
			Command: cc.Command,
			Args:    cc.Args,
			Text:    strings.Join(cc.Args, " "),
			Raw:     cc.Raw,
			Now:     time.Now(),
		}
		bound := template.FuncMap{"arg": func(i int) string {
			if i < 0 || i >= len(cc.Args) {
				return ""
			}
			return cc.Args[i]
		}}

		if h := pc.HTTP; h != nil {
			req := client.R().SetContext(ctx)
			for k, t := range headerT {
				v, err := render(t, bound, data)
				if err != nil {
					return "", err
				}
				req.SetHeader(k, v)
			}
			if bodyT != nil {
				body, err := render(bodyT, bound, data)
				if err != nil {
					return "", err
				}
				req.SetBody(body)
			}
			target, err := render(urlT, bound, data)
			if err != nil {
				return "", err
			}
			if h.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, h.Timeout)
				defer cancel()
				req.SetContext(ctx)
			}
			method := strings.ToUpper(h.Method)
			if method == "" {
				method = "GET"
			}
			resp, err := req.Execute(method, target)
			if err != nil {
				return "", fmt.Errorf("%s %s: %w", method, target, err)
			}
			data.Status = resp.StatusCode()
			data.Body = resp.String()
			var parsed any
			if json.Unmarshal(resp.Body(), &parsed) == nil {
				data.JSON = parsed
			}
			if reply == nil {
				return clip(data.Body, 2000), nil
			}
		}
		return render(reply, bound, data)
	}, nil
}

func render(t *template.Template, funcs template.FuncMap, data *TemplateData) (string, error) {
	clone, err := t.Clone()
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := clone.Funcs(funcs).Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return sb.String(), nil
}

func defaultValue(def string, v any) string {
	if s := fmt.Sprint(v); v != nil && s != "" {
		return s
	}
	return def
}

// ReloadResult summarizes a catalog reload.
type ReloadResult struct {
	Packs    int `json:"packs"`
	Commands int `json:"commands"`
}

// Catalog owns the registry contents: builtins plus YAML packs from a directory.
type Catalog struct {
	registry *Registry
	dir      string
	client   *resty.Client
	logger   *slog.Logger

	mu       sync.Mutex
	builtins []Command
	packs    []Pack
}

// NewCatalog creates a catalog feeding registry.
func NewCatalog(registry *Registry, dir string, client *resty.Client, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{registry: registry, dir: dir, client: client, logger: logger}
}

// SetBuiltins sets the commands every reload starts from.
func (c *Catalog) SetBuiltins(cmds []Command) {
	c.mu.Lock()
	c.builtins = cmds
	c.mu.Unlock()
}

// Dir is the pack directory.
func (c *Catalog) Dir() string { return c.dir }

// Packs returns the packs of the last successful reload.
func (c *Catalog) Packs() []Pack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Pack(nil), c.packs...)
}

// Reload re-reads the pack directory and swaps the registry. A pack that fails
// to compile is skipped; the previous table stays live if the swap itself fails.
func (c *Catalog) Reload() (ReloadResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	packs, err := LoadPacks(c.dir, c.logger)
	if err != nil {
		return ReloadResult{}, err
	}
	cmds := append([]Command(nil), c.builtins...)
	var loaded []Pack
	for _, p := range packs {
		compiled, err := p.Compile(c.client)
		if err != nil {
			c.logger.Warn("command pack skipped", "pack", p.Name, "err", err)
			continue
		}
		cmds = append(cmds, compiled...)
		loaded = append(loaded, p)
	}
	if err := c.registry.Swap(cmds); err != nil {
		return ReloadResult{}, err
	}
	c.packs = loaded
	return ReloadResult{Packs: len(loaded), Commands: len(c.registry.Commands())}, nil
}
