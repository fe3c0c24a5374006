package backend

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/patrickmn/go-cache"

	"wxhelper/internal/domain"
)

const (
	// DefaultURL is the WeChat file transfer helper web page.
	DefaultURL = "https://filehelper.weixin.qq.com/"

	inputSelector = "div[contenteditable='true']"
	fileSelector  = "input[type='file']"
	qrSelector    = "img[src*='qrcode'], .qrcode img, canvas"

	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

// scrapeJS lists message bubbles. Files and images carry the URL to fetch them from.
const scrapeJS = `(() => {
	const els = Array.from(document.querySelectorAll('.message, .js_message_bubble, .bubble'));
	return els.slice(-50).map((el, i) => {
		const img = el.querySelector('img');
		const link = el.querySelector('a[href], a[download]');
		return {
			id: el.getAttribute('id') || el.getAttribute('data-id') || el.getAttribute('data-cmid') || '',
			text: (el.innerText || '').trim(),
			cls: el.className || '',
			img: img ? img.src : '',
			href: link ? link.href : '',
			name: link ? (link.getAttribute('download') || link.innerText || '').trim() : '',
			pos: i,
		};
	});
})()`

// fetchJS downloads a URL inside the page (so the session cookies apply) and
// resolves to base64.
const fetchJS = `(async (u) => {
	const r = await fetch(u, {credentials: 'include'});
	if (!r.ok) throw new Error('HTTP ' + r.status);
	const b = new Uint8Array(await r.arrayBuffer());
	let s = '';
	for (let i = 0; i < b.length; i += 0x8000) s += String.fromCharCode.apply(null, b.subarray(i, i + 0x8000));
	return btoa(s);
})(%q)`

type bubble struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	Cls  string `json:"cls"`
	Img  string `json:"img"`
	Href string `json:"href"`
	Name string `json:"name"`
	Pos  int    `json:"pos"`
}

// BrowserConfig configures the chromedp backend.
type BrowserConfig struct {
	URL string
	// ProfileDir is the Chrome user data directory; it keeps the login cookies.
	ProfileDir string
	Headless   bool
	// OpTimeout bounds a single page operation (default 20s).
	OpTimeout time.Duration
	Logger    *slog.Logger
}

// Browser drives the filehelper web page in headless Chrome.
type Browser struct {
	cfg BrowserConfig

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	seen     *cache.Cache
	baseline bool
}

// seenTTL is how long a bubble key is remembered after it was last on screen.
const seenTTL = 30 * time.Minute

// NewBrowser creates the backend. Chrome starts lazily on first use.
func NewBrowser(cfg BrowserConfig) *Browser {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.ProfileDir == "" {
		home, _ := os.UserHomeDir()
		cfg.ProfileDir = filepath.Join(home, ".wxhelper", "chrome-profile")
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 20 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Browser{cfg: cfg, seen: cache.New(seenTTL, 5*time.Minute)}
}

func (b *Browser) Name() string { return "browser" }

// pageLocked starts Chrome with the persistent profile if needed.
func (b *Browser) pageLocked() (context.Context, error) {
	if b.ctx != nil && b.ctx.Err() == nil {
		return b.ctx, nil
	}
	if err := os.MkdirAll(b.cfg.ProfileDir, 0o755); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(b.cfg.ProfileDir),
		chromedp.NoSandbox,
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.UserAgent(userAgent),
		chromedp.WindowSize(1280, 800),
	)
	if b.cfg.Headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	b.ctx = taskCtx
	b.cancel = func() {
		taskCancel()
		allocCancel()
	}
	b.seen.Flush()
	b.baseline = false

	b.cfg.Logger.Info("starting browser", "url", b.cfg.URL, "profile", b.cfg.ProfileDir, "headless", b.cfg.Headless)
	if err := b.runLocked(context.Background(), 60*time.Second,
		chromedp.Navigate(b.cfg.URL),
		chromedp.WaitReady("body"),
	); err != nil {
		b.closeLocked()
		return nil, fmt.Errorf("open %s: %w", b.cfg.URL, err)
	}
	return b.ctx, nil
}

// runLocked runs actions on the page, bounded by timeout and by the caller's ctx.
func (b *Browser) runLocked(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(b.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (b *Browser) run(ctx context.Context, actions ...chromedp.Action) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.pageLocked(); err != nil {
		return err
	}
	return b.runLocked(ctx, b.cfg.OpTimeout, actions...)
}

func (b *Browser) closeLocked() {
	if b.cancel != nil {
		b.cancel()
	}
	b.ctx, b.cancel = nil, nil
}

func (b *Browser) loggedIn(ctx context.Context) (bool, error) {
	var ok bool
	err := b.run(ctx, chromedp.Evaluate(
		fmt.Sprintf(`(() => { const el = document.querySelector(%q); return !!el && el.offsetParent !== null; })()`, inputSelector),
		&ok,
	))
	return ok, err
}

// RequestChallenge reloads the page and captures the login QR code.
func (b *Browser) RequestChallenge(ctx context.Context) (domain.Challenge, error) {
	var png []byte
	err := b.run(ctx,
		chromedp.Navigate(b.cfg.URL),
		chromedp.WaitVisible(qrSelector, chromedp.ByQuery),
		chromedp.Sleep(time.Second),
		chromedp.Screenshot(qrSelector, &png, chromedp.ByQuery),
	)
	if err != nil {
		b.cfg.Logger.Warn("qr element not captured, falling back to a page screenshot", "err", err)
		if err := b.run(ctx, chromedp.CaptureScreenshot(&png)); err != nil {
			return domain.Challenge{}, fmt.Errorf("capture qr: %w", err)
		}
	}
	return domain.Challenge{ID: fmt.Sprintf("qr-%d", time.Now().UnixNano()), PNG: png, IssuedAt: time.Now()}, nil
}

// AwaitLogin polls until the chat input appears. The returned token names the
// profile directory, where Chrome keeps the session cookies.
func (b *Browser) AwaitLogin(ctx context.Context, _ domain.Challenge) (string, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			ok, err := b.loggedIn(ctx)
			if err != nil {
				b.cfg.Logger.Debug("login check failed", "err", err)
				continue
			}
			if ok {
				return "profile:" + b.cfg.ProfileDir, nil
			}
		}
	}
}

// Restore reopens the page with the stored profile and checks the session is live.
func (b *Browser) Restore(ctx context.Context, token string) error {
	if token != "profile:"+b.cfg.ProfileDir {
		return fmt.Errorf("%w: token belongs to another profile", domain.ErrLoginRequired)
	}
	b.mu.Lock()
	b.closeLocked()
	b.mu.Unlock()

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		ok, err := b.loggedIn(ctx)
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("%w: stored session no longer valid", domain.ErrLoginRequired)
}

func (b *Browser) Ping(ctx context.Context) error {
	ok, err := b.loggedIn(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBackendDisconnected, err)
	}
	if !ok {
		return fmt.Errorf("%w: chat input gone", domain.ErrBackendDisconnected)
	}
	return nil
}

// Poll scrapes the chat and returns bubbles not seen before. The first poll
// after (re)starting only records what is already on screen.
func (b *Browser) Poll(ctx context.Context) ([]domain.RawEvent, error) {
	var bubbles []bubble
	if err := b.run(ctx, chromedp.Evaluate(scrapeJS, &bubbles)); err != nil {
		return nil, fmt.Errorf("%w: scrape: %v", domain.ErrBackendDisconnected, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	first := !b.baseline
	b.baseline = true
	var out []domain.RawEvent
	now := time.Now()
	for _, m := range bubbles {
		key := m.ID
		if key == "" {
			key = fmt.Sprintf("%s|%s|%s", m.Text, m.Img, m.Href)
		}
		if !b.markSeen(key) || first {
			continue
		}
		ev := domain.RawEvent{BackendID: m.ID, Text: m.Text, At: now}
		switch {
		case strings.Contains(m.Cls, "system") || strings.Contains(m.Cls, "tips"):
			ev.Kind = domain.RawSystem
		case m.Href != "":
			ev.Kind, ev.FileName, ev.Text = domain.RawFile, m.Name, ""
			ev.Fetch = b.fetcher(m.Href)
		case m.Img != "":
			ev.Kind, ev.FileName, ev.Text = domain.RawImage, "image.jpg", ""
			ev.Fetch = b.fetcher(m.Img)
		case m.Text != "":
			ev.Kind = domain.RawText
		default:
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// markSeen reports whether key is new. Every sighting extends its lifetime, so a
// bubble still on screen is never reported twice.
func (b *Browser) markSeen(key string) bool {
	_, dup := b.seen.Get(key)
	b.seen.SetDefault(key, struct{}{})
	return !dup
}

func (b *Browser) fetcher(url string) func(ctx context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		var encoded string
		err := b.run(ctx, chromedp.Evaluate(fmt.Sprintf(fetchJS, url), &encoded,
			func(p *runtime.EvaluateParams) *runtime.EvaluateParams { return p.WithAwaitPromise(true) }))
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", url, err)
		}
		return base64.StdEncoding.DecodeString(encoded)
	}
}

// SendText types text into the chat input and presses Enter. The page does not
// expose message ids, so the id is left for ingress to synthesize.
func (b *Browser) SendText(ctx context.Context, text string) (string, error) {
	err := b.run(ctx,
		chromedp.WaitVisible(inputSelector, chromedp.ByQuery),
		chromedp.Click(inputSelector, chromedp.ByQuery),
		chromedp.SendKeys(inputSelector, text, chromedp.ByQuery),
		chromedp.SendKeys(inputSelector, kb.Enter, chromedp.ByQuery),
	)
	if err != nil {
		return "", b.sendErr("send text", err)
	}
	return "", nil
}

// SendFile hands the file to the page's upload input and confirms.
func (b *Browser) SendFile(ctx context.Context, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	err = b.run(ctx,
		chromedp.SetUploadFiles(fileSelector, []string{abs}, chromedp.ByQuery),
		chromedp.Sleep(time.Second),
		chromedp.SendKeys(inputSelector, kb.Enter, chromedp.ByQuery),
	)
	if err != nil {
		return "", b.sendErr("send file", err)
	}
	return "", nil
}

func (b *Browser) sendErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		// A missing input usually means the page logged out.
		return fmt.Errorf("%w: %s: %v", domain.ErrBackendDisconnected, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// SaveState is a no-op: Chrome flushes cookies into the profile directory itself.
func (b *Browser) SaveState(ctx context.Context) error { return nil }

// Logout closes the browser and deletes the profile, forgetting the session.
func (b *Browser) Logout(ctx context.Context) error {
	b.mu.Lock()
	b.closeLocked()
	b.mu.Unlock()
	if err := os.RemoveAll(b.cfg.ProfileDir); err != nil {
		return fmt.Errorf("remove profile: %w", err)
	}
	return nil
}

func (b *Browser) Close() error {
	b.mu.Lock()
	b.closeLocked()
	b.mu.Unlock()
	return nil
}
