// Package browser runs account surfaces as isolated chromium instances driven
// over the DevTools protocol.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/performance"
	"github.com/chromedp/chromedp"

	"pkt.systems/accountdeck/core"
	"pkt.systems/accountdeck/internal/logx"
	"pkt.systems/accountdeck/schema"
	"pkt.systems/pslog"
)

// Options configures the chromium backend.
type Options struct {
	// RemoteURL attaches to an already running browser. Partitions then share
	// that browser's profile, so it is meant for debugging only.
	RemoteURL  string
	ExecPath   string
	Headless   bool
	UserAgent  string
	ExtraFlags []string
	Logger     pslog.Logger
}

// Factory creates one browser per account surface.
type Factory struct {
	opts Options
}

// NewFactory validates the options and returns a factory.
func NewFactory(opts Options) (*Factory, error) {
	for _, raw := range opts.ExtraFlags {
		if _, _, err := parseFlag(raw); err != nil {
			return nil, err
		}
	}
	if opts.Logger == nil {
		opts.Logger = pslog.Ctx(context.Background())
	}
	return &Factory{opts: opts}, nil
}

// Create implements core.SurfaceFactory.
func (f *Factory) Create(ctx context.Context, req core.CreateRequest) (core.Surface, error) {
	log := logx.WithPartition(logx.WithSurface(f.opts.Logger.With("account", req.AccountID), req.SurfaceID, schema.SurfaceCreating), req.Partition)
	flags, err := launchFlags(f.opts, req)
	if err != nil {
		return nil, err
	}

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if f.opts.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), f.opts.RemoteURL)
	} else {
		allocOpts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
		for name, value := range flags {
			allocOpts = append(allocOpts, chromedp.Flag(name, value))
		}
		allocOpts = append(allocOpts,
			chromedp.UserDataDir(req.Partition.Path),
			chromedp.WindowSize(req.Bounds.Width, req.Bounds.Height),
		)
		if f.opts.ExecPath != "" {
			allocOpts = append(allocOpts, chromedp.ExecPath(f.opts.ExecPath))
		}
		if f.opts.UserAgent != "" {
			allocOpts = append(allocOpts, chromedp.UserAgent(f.opts.UserAgent))
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), allocOpts...)
	}
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) { log.Trace("chromedp", "msg", fmt.Sprintf(format, args...)) }),
		chromedp.WithErrorf(func(format string, args ...any) { log.Debug("chromedp error", "msg", fmt.Sprintf(format, args...)) }),
	)

	s := &Surface{
		id:          req.AccountID,
		startURL:    req.Config.StartURL,
		ctx:         tabCtx,
		cancel:      tabCancel,
		allocCancel: allocCancel,
		log:         log,
	}
	chromedp.ListenTarget(tabCtx, func(ev any) {
		if _, ok := ev.(*inspector.EventTargetCrashed); ok {
			s.crashed.Store(true)
			log.Warn("browser renderer crashed")
		}
	})

	start := req.Config.StartURL
	if start == "" {
		start = "about:blank"
	}
	if err := s.run(ctx,
		performance.Enable(),
		chromedp.Navigate(start),
	); err != nil {
		_ = s.Close(context.Background())
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	if err := s.SetBounds(ctx, req.Bounds); err != nil {
		log.Debug("browser initial bounds failed", "err", err)
	}
	log.Info("browser surface started", "remote", f.opts.RemoteURL != "")
	return s, nil
}

// launchFlags computes the chromium command-line switches for a surface.
func launchFlags(opts Options, req core.CreateRequest) (map[string]any, error) {
	flags := map[string]any{
		"headless":                 opts.Headless,
		"hide-scrollbars":          opts.Headless,
		"mute-audio":               !req.Config.Features.BackgroundAudio,
		"disable-notifications":    !req.Config.Features.Notifications,
		"disable-features":         "Translate",
		"no-first-run":             true,
		"no-default-browser-check": true,
	}
	if req.Config.Features.Translation {
		delete(flags, "disable-features")
	}
	switch req.Config.Egress.Mode {
	case "", schema.EgressDirect:
		flags["no-proxy-server"] = true
	case schema.EgressProxy:
		if req.Config.Egress.ProxyURL == "" {
			return nil, fmt.Errorf("%w: proxy egress without proxy_url", schema.ErrInvalidConfig)
		}
		flags["proxy-server"] = req.Config.Egress.ProxyURL
		if len(req.Config.Egress.Bypass) > 0 {
			flags["proxy-bypass-list"] = strings.Join(req.Config.Egress.Bypass, ";")
		}
	case schema.EgressSystem:
	default:
		return nil, fmt.Errorf("%w: unknown egress mode %q", schema.ErrInvalidConfig, req.Config.Egress.Mode)
	}
	for _, raw := range opts.ExtraFlags {
		name, value, err := parseFlag(raw)
		if err != nil {
			return nil, err
		}
		flags[name] = value
	}
	return flags, nil
}

// parseFlag accepts "name", "--name" or "name=value".
func parseFlag(raw string) (string, any, error) {
	trimmed := strings.TrimLeft(strings.TrimSpace(raw), "-")
	if trimmed == "" {
		return "", nil, errors.New("empty browser flag")
	}
	name, value, ok := strings.Cut(trimmed, "=")
	if name == "" {
		return "", nil, fmt.Errorf("browser flag %q has no name", raw)
	}
	if !ok {
		return name, true, nil
	}
	switch value {
	case "true":
		return name, true, nil
	case "false":
		return name, false, nil
	}
	return name, value, nil
}
