// Package builtins registers Drover's built-in tools: workspace file
// operations, shell execution, web fetch, and web search. Which tools
// end up in the registry is driven entirely by configuration; an empty
// config yields only web_fetch.
package builtins

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kwall/drover/internal/config"
	"github.com/kwall/drover/internal/fetch"
	"github.com/kwall/drover/internal/search"
	"github.com/kwall/drover/internal/tool"
)

// Register wires the built-in tools into reg according to cfg.
func Register(reg *tool.Registry, cfg config.ToolsConfig, logger *slog.Logger) error {
	def, handler := fetch.Tool(fetch.New())
	if err := reg.Register(def, handler); err != nil {
		return err
	}

	if cfg.WorkspaceDir != "" {
		if err := NewWorkspace(cfg.WorkspaceDir).Register(reg); err != nil {
			return err
		}
		logger.Debug("file tools enabled", "workspace", cfg.WorkspaceDir)
	}

	if cfg.Shell.Enabled {
		sh := NewShell(ShellOptions{
			WorkingDir:  cfg.Shell.WorkingDir,
			AllowedCmds: cfg.Shell.AllowedCmds,
			DeniedCmds:  cfg.Shell.DeniedCmds,
			Timeout:     time.Duration(cfg.Shell.TimeoutSec) * time.Second,
		})
		if err := sh.Register(reg); err != nil {
			return err
		}
		logger.Debug("shell tool enabled", "working_dir", cfg.Shell.WorkingDir)
	}

	if cfg.Search.Provider != "" {
		mgr := search.NewManager(cfg.Search.Provider)
		switch cfg.Search.Provider {
		case "searxng":
			if cfg.Search.SearXNGURL == "" {
				return fmt.Errorf("search provider searxng requires searxng_url")
			}
			mgr.Register(search.NewSearXNG(cfg.Search.SearXNGURL))
		case "brave":
			if cfg.Search.BraveAPIKey == "" {
				return fmt.Errorf("search provider brave requires brave_api_key")
			}
			mgr.Register(search.NewBrave(cfg.Search.BraveAPIKey))
		default:
			return fmt.Errorf("unknown search provider %q", cfg.Search.Provider)
		}
		def, handler := search.Tool(mgr)
		if err := reg.Register(def, handler); err != nil {
			return err
		}
		logger.Debug("web search enabled", "provider", cfg.Search.Provider)
	}

	return nil
}
