package aperture

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

type healthResp struct {
	WHIP         string `json:"whip"`
	CloudFiles   bool   `json:"cloudFiles"`
	Capabilities int    `json:"capabilities"`
}

type cacheResp struct {
	Assets    int   `json:"assets"`
	RAMBytes  int64 `json:"ramBytes"`
	DiskBytes int64 `json:"diskBytes"`
}

type statsResp struct {
	statsSnapshot
	Cache    cacheResp `json:"cache"`
	RSSBytes uint64    `json:"rssBytes,omitempty"`
}

// DiagApp builds the diagnostics listener: GET /health and GET /stats.
func (s *Service) DiagApp() *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
	})
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(healthResp{
			WHIP:         s.whipState(),
			CloudFiles:   s.fallback != nil,
			Capabilities: s.caps.Count(),
		})
	})

	app.Get("/stats", func(c *fiber.Ctx) error {
		out := statsResp{
			statsSnapshot: s.stats.Snapshot(),
			Cache: cacheResp{
				Assets:    s.cache.Count(),
				RAMBytes:  s.cache.RAMSize(),
				DiskBytes: s.cache.DiskSize(),
			},
		}
		if rss, ok := processRSSBytes(); ok {
			out.RSSBytes = rss
		}
		return c.JSON(out)
	})

	return app
}

func (s *Service) whipState() string {
	switch {
	case s.whip != nil:
		return s.whip.State().String()
	case s.primary == nil:
		return "disabled"
	case s.primary.IsConnected():
		return "connected"
	default:
		return "disconnected"
	}
}
