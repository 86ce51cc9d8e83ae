package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"time"

	"dtv-relay/work/buffer"
	"dtv-relay/work/client"
	"dtv-relay/work/config"
	"dtv-relay/work/events"
	"dtv-relay/work/handlers"
	"dtv-relay/work/headers"
	"dtv-relay/work/listener"
	"dtv-relay/work/logger"
	"dtv-relay/work/proxy"
	"dtv-relay/work/server"
	"dtv-relay/work/types"
	"dtv-relay/work/utils"
)

var (
	// ErrUnknownPlatform is returned for listener commands naming no known platform.
	ErrUnknownPlatform = errors.New("unknown platform")
	// ErrMissingRoom is returned for listener commands with an empty room id.
	ErrMissingRoom = errors.New("room id is required")
)

// Commands is the command surface the GUI layer drives: stream target, relay
// lifecycle and per-room listeners.
type Commands struct {
	Config    *config.Config
	Target    *proxy.StreamTarget
	Relays    *server.Manager
	Hub       *events.Hub
	listeners map[string]*listener.Registry
	started   time.Time
}

// New wires every component from cfg. Nothing is bound until a start command runs.
func New(cfg *config.Config) (*Commands, error) {
	policy, err := headers.NewPolicy(cfg)
	if err != nil {
		return nil, err
	}

	target := proxy.NewStreamTarget()
	bufferPool := buffer.NewBufferPool(64<<10, 32<<20)

	// every relay instance gets its own upstream client pool
	factory := func() (http.Handler, func()) {
		rl := proxy.New(cfg, target, client.NewUpstreamClient(cfg, policy), bufferPool)
		return handlers.NewRouter(rl), rl.Close
	}

	c := &Commands{
		Config:    cfg,
		Target:    target,
		Relays:    server.NewManager(cfg, target, factory),
		Hub:       events.NewHub(256),
		listeners: make(map[string]*listener.Registry, len(types.Platforms)),
		started:   time.Now(),
	}

	for _, platform := range types.Platforms {
		task := listener.Unconfigured(platform)
		if feedCfg, ok := cfg.Feeds[platform]; ok && feedCfg.URL != "" {
			feed := &listener.Feed{
				Platform: platform,
				Config:   feedCfg,
				Policy:   policy,
				Sink:     c.Hub,
			}
			task = feed.Run
		}

		reg, err := listener.NewRegistry(platform, task, cfg.MaxListeners)
		if err != nil {
			c.closeListeners(time.Second)
			return nil, err
		}
		c.listeners[platform] = reg
	}

	return c, nil
}

// SetStreamTarget replaces the URL the media route relays.
func (c *Commands) SetStreamTarget(rawURL string) {
	c.Target.Set(strings.TrimSpace(rawURL))
	logger.Info("{app/app - SetStreamTarget} stream target set to %s", utils.LogURL(c.Config, c.Target.Get()))
}

// StartProxy (re)starts the primary relay and returns the player URL.
func (c *Commands) StartProxy(ctx context.Context) (string, error) {
	return c.Relays.StartPrimary(ctx)
}

// StopProxy stops the primary relay; it is fine to call when nothing runs.
func (c *Commands) StopProxy(ctx context.Context) error {
	return c.Relays.StopPrimary(ctx)
}

// StartStaticProxy makes sure the static relay is up and returns its base URL.
func (c *Commands) StartStaticProxy(ctx context.Context) (string, error) {
	return c.Relays.StartStatic(ctx)
}

// KnownPlatform reports whether platform has a listener registry.
func (c *Commands) KnownPlatform(platform string) bool {
	_, ok := c.listeners[strings.ToLower(platform)]
	return ok
}

func (c *Commands) registry(platform, roomID string) (*listener.Registry, error) {
	reg, ok := c.listeners[strings.ToLower(platform)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, platform)
	}
	if strings.TrimSpace(roomID) == "" {
		return nil, ErrMissingRoom
	}
	return reg, nil
}

// StartListener starts (or restarts) the chat listener for one room.
func (c *Commands) StartListener(platform, roomID string) error {
	reg, err := c.registry(platform, roomID)
	if err != nil {
		return err
	}
	return reg.Start(roomID)
}

// StopListener stops the chat listener for one room.
func (c *Commands) StopListener(platform, roomID string) error {
	reg, err := c.registry(platform, roomID)
	if err != nil {
		return err
	}
	return reg.Stop(roomID)
}

// Listeners lists every registration across platforms.
func (c *Commands) Listeners() []types.ListenerInfo {
	out := []types.ListenerInfo{}
	for _, platform := range types.Platforms {
		out = append(out, c.listeners[platform].List()...)
	}
	return out
}

// RecentExits lists listeners that finished recently across platforms, newest first.
func (c *Commands) RecentExits() []types.ListenerExit {
	out := []types.ListenerExit{}
	for _, platform := range types.Platforms {
		out = append(out, c.listeners[platform].RecentExits()...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Exited.After(out[j].Exited) })
	return out
}

// Stats is a point-in-time summary for the control API.
type Stats struct {
	Uptime           string `json:"uptime"`
	MemoryUsage      string `json:"memoryUsage"`
	Goroutines       int    `json:"goroutines"`
	StreamTarget     string `json:"streamTarget"`
	PrimaryRunning   bool   `json:"primaryRunning"`
	PrimaryURL       string `json:"primaryUrl"`
	StaticURL        string `json:"staticUrl"`
	Listeners        int    `json:"listeners"`
	RunningListeners int    `json:"runningListeners"`
	DroppedEvents    uint64 `json:"droppedEvents"`
}

func (c *Commands) Stats() Stats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	running := 0
	for _, reg := range c.listeners {
		running += reg.Running()
	}

	return Stats{
		Uptime:           FormatDuration(time.Since(c.started)),
		MemoryUsage:      utils.FormatBytes(int64(m.Alloc)),
		Goroutines:       runtime.NumGoroutine(),
		StreamTarget:     utils.LogURL(c.Config, c.Target.Get()),
		PrimaryRunning:   c.Relays.PrimaryRunning(),
		PrimaryURL:       c.Relays.PrimaryURL(),
		StaticURL:        c.Relays.StaticURL(),
		Listeners:        len(c.Listeners()),
		RunningListeners: running,
		DroppedEvents:    c.Hub.Dropped(),
	}
}

func (c *Commands) closeListeners(timeout time.Duration) error {
	var errs []error
	for platform, reg := range c.listeners {
		if err := reg.Close(timeout); err != nil {
			errs = append(errs, fmt.Errorf("%s listeners: %w", platform, err))
		}
	}
	return errors.Join(errs...)
}

// Close stops every relay and listener. Used once, at process exit.
func (c *Commands) Close(ctx context.Context) error {
	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	return errors.Join(
		c.Relays.Close(ctx),
		c.closeListeners(timeout),
	)
}

// FormatDuration renders an uptime as "42s", "5m", "3h 12m" or "2d 4h".
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}
