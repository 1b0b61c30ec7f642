package browser

import (
	"errors"
	"testing"

	"github.com/chromedp/cdproto/performance"

	"pkt.systems/accountdeck/core"
	"pkt.systems/accountdeck/schema"
)

func TestLaunchFlagsDirectEgress(t *testing.T) {
	flags, err := launchFlags(Options{Headless: true}, core.CreateRequest{
		Config: schema.AccountConfig{ID: "acc-1"},
	})
	if err != nil {
		t.Fatalf("launch flags: %v", err)
	}
	if flags["no-proxy-server"] != true {
		t.Fatalf("expected direct egress to disable proxies, got %v", flags)
	}
	if flags["headless"] != true || flags["mute-audio"] != true {
		t.Fatalf("unexpected defaults %v", flags)
	}
	if flags["disable-features"] != "Translate" {
		t.Fatalf("expected translation disabled by default")
	}
}

func TestLaunchFlagsProxyEgress(t *testing.T) {
	flags, err := launchFlags(Options{}, core.CreateRequest{
		Config: schema.AccountConfig{
			ID: "acc-1",
			Egress: schema.EgressConfig{
				Mode:     schema.EgressProxy,
				ProxyURL: "socks5://127.0.0.1:1080",
				Bypass:   []string{"localhost", "*.internal"},
			},
			Features: schema.FeatureFlags{Translation: true, BackgroundAudio: true},
		},
	})
	if err != nil {
		t.Fatalf("launch flags: %v", err)
	}
	if flags["proxy-server"] != "socks5://127.0.0.1:1080" {
		t.Fatalf("unexpected proxy flag %v", flags["proxy-server"])
	}
	if flags["proxy-bypass-list"] != "localhost;*.internal" {
		t.Fatalf("unexpected bypass list %v", flags["proxy-bypass-list"])
	}
	if _, ok := flags["no-proxy-server"]; ok {
		t.Fatalf("proxy egress must not disable proxies")
	}
	if _, ok := flags["disable-features"]; ok {
		t.Fatalf("expected translation to stay enabled")
	}
	if flags["mute-audio"] != false {
		t.Fatalf("expected background audio to unmute")
	}
}

func TestLaunchFlagsRejectsUnknownEgress(t *testing.T) {
	_, err := launchFlags(Options{}, core.CreateRequest{
		Config: schema.AccountConfig{ID: "acc-1", Egress: schema.EgressConfig{Mode: "tunnel"}},
	})
	if !errors.Is(err, schema.ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

func TestLaunchFlagsExtraFlagsOverride(t *testing.T) {
	flags, err := launchFlags(Options{ExtraFlags: []string{"--headless=false", "disable-gpu", "lang=sv"}}, core.CreateRequest{
		Config: schema.AccountConfig{ID: "acc-1", Egress: schema.EgressConfig{Mode: schema.EgressSystem}},
	})
	if err != nil {
		t.Fatalf("launch flags: %v", err)
	}
	if flags["headless"] != false || flags["disable-gpu"] != true || flags["lang"] != "sv" {
		t.Fatalf("unexpected extra flags %v", flags)
	}
}

func TestParseFlagRejectsEmpty(t *testing.T) {
	for _, raw := range []string{"", "--", "=value"} {
		if _, _, err := parseFlag(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
	if _, err := NewFactory(Options{ExtraFlags: []string{"--"}}); err == nil {
		t.Fatalf("expected factory to reject bad flag")
	}
}

func TestMemoryFromMetrics(t *testing.T) {
	mem := memoryFromMetrics([]*performance.Metric{
		{Name: "JSHeapUsedSize", Value: 1024},
		{Name: "JSHeapTotalSize", Value: 4096},
		{Name: "Nodes", Value: 321},
		{Name: "Documents", Value: 3},
		nil,
	})
	if mem.JSHeapUsedBytes != 1024 || mem.JSHeapTotalBytes != 4096 || mem.Nodes != 321 {
		t.Fatalf("unexpected memory %+v", mem)
	}
}

func TestWindowBounds(t *testing.T) {
	b := windowBounds(schema.Bounds{X: 72, Y: 10, Width: 800, Height: 600})
	if b.Left != 72 || b.Top != 10 || b.Width != 800 || b.Height != 600 {
		t.Fatalf("unexpected bounds %+v", b)
	}
}
