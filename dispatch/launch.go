package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os/exec"
	"runtime"
	"time"

	"github.com/google/uuid"
	"pkt.systems/tabmux/internal/logx"
	"pkt.systems/tabmux/schema"
)

// bootTagParam marks a window the broker spawned, so the newly
// registered tab can be matched back to the launch request.
const bootTagParam = "tabmux_boot"

// newTab is not a remote command: it spawns a fresh browser window via
// the host OS with a uniquely tagged URL, then polls the registry for a
// tab carrying the tag.
func (d *Dispatcher) newTab(ctx context.Context, args map[string]any) (Result, error) {
	target := stringArg(args, "url")
	if target == "" {
		target = d.cfg.StartPage
	}
	tag := uuid.NewString()
	tagged, err := withBootTag(target, tag)
	if err != nil {
		return Result{}, &ValidationError{Tool: toolNewTab, Problems: []string{fmt.Sprintf("field %q is not a valid URL: %v", "url", err)}}
	}
	log := logx.Ctx(ctx).With("tool", toolNewTab)
	log.Info("spawning browser window", "url", target)
	if err := d.launch(ctx, tagged); err != nil {
		return Result{}, fmt.Errorf("spawning browser window: %w", err)
	}

	deadline := time.NewTimer(d.cfg.LaunchWait)
	defer deadline.Stop()
	poll := time.NewTicker(d.cfg.LaunchPoll)
	defer poll.Stop()
	for {
		select {
		case <-poll.C:
			for _, tab := range d.tabs.List() {
				if tabHasBootTag(tab, tag) {
					log.Info("spawned tab registered", "tab", tab.ID)
					data, err := json.MarshalIndent(tab, "", "  ")
					if err != nil {
						return Result{}, err
					}
					return Result{Content: []Content{{Type: "text", Text: string(data)}}}, nil
				}
			}
		case <-deadline.C:
			log.Warn("spawned window never registered", "wait", d.cfg.LaunchWait)
			return Result{}, schema.ErrLaunchTimeout
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}

func tabHasBootTag(tab schema.TabSnapshot, tag string) bool {
	parsed, err := url.Parse(tab.URL)
	if err != nil {
		return false
	}
	return parsed.Query().Get(bootTagParam) == tag
}

func withBootTag(rawURL, tag string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" {
		return "", fmt.Errorf("url %q has no scheme", rawURL)
	}
	query := parsed.Query()
	query.Set(bootTagParam, tag)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// launchBrowser opens target in a new window of the default browser.
func launchBrowser(ctx context.Context, target string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", "-n", target)
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", target)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", target)
	}
	return cmd.Start()
}
