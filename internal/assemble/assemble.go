// Package assemble hand-wires the Interceptor and its dependencies. It
// stands in for a generated dependency-injection file: there is no
// checked-in wire_gen.go to adapt, and no Go tool runs as part of this
// build, so this constructor is written out in full rather than
// generated.
package assemble

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/imroc/req/v3"

	pluginconfig "github.com/opencode-plugins/codex-switch/internal/config"
	"github.com/opencode-plugins/codex-switch/internal/interceptor"
	"github.com/opencode-plugins/codex-switch/internal/manager"
	"github.com/opencode-plugins/codex-switch/internal/model"
	"github.com/opencode-plugins/codex-switch/internal/oauth"
	"github.com/opencode-plugins/codex-switch/internal/pkg/httpclient"
	"github.com/opencode-plugins/codex-switch/internal/pkg/openai"
	"github.com/opencode-plugins/codex-switch/internal/requestlog"
	"github.com/opencode-plugins/codex-switch/internal/store"
	"github.com/opencode-plugins/codex-switch/internal/transform"
)

// accountStorePath implements §6's storage-file resolution:
// $OPENCODE_CONFIG_DIR if set, else $XDG_CONFIG_HOME/opencode
// (default ~/.config/opencode).
func accountStorePath() (string, error) {
	if dir := os.Getenv("OPENCODE_CONFIG_DIR"); dir != "" {
		return filepath.Join(dir, "codex-switch-accounts.json"), nil
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "opencode", "codex-switch-accounts.json"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "opencode", "codex-switch-accounts.json"), nil
}

// Built is the fully wired core, ready to handle requests, plus the
// Manager for host-level account-management calls (AddAccount) and a
// Close that flushes pending state.
type Built struct {
	Interceptor *interceptor.Interceptor
	Manager     *manager.Manager
	Config      *pluginconfig.Config
}

// New wires the Account Store, Token Service, Account Manager, Request
// Transformer, and Interceptor into a single ready-to-use core,
// following the Manager/Store/Selector dependency shape of §4.
func New(logger *slog.Logger) (*Built, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := pluginconfig.Load()
	if err != nil {
		return nil, err
	}

	storePath, err := accountStorePath()
	if err != nil {
		return nil, err
	}
	acctStore := store.New(storePath, logger)

	tokenClient := req.C().SetTimeout(60 * time.Second)
	tokenSvc := oauth.New(tokenClient)

	mgr := manager.New(acctStore, tokenSvc, manager.Config{
		Strategy: cfg.SelectorStrategy(),
		Logger:   logger,
	})

	upstreamClient, err := httpclient.GetClient(httpclient.Options{
		Timeout:               0, // SSE responses can run long; no blanket deadline (§5 "Timeouts: none imposed at this layer").
		ResponseHeaderTimeout: 120 * time.Second,
		ProxyURL:              httpclient.ResolveProxyURL(),
		ProxyStrict:           false,
	})
	if err != nil {
		return nil, err
	}

	var dumper interceptor.RequestDumper
	if cfg.EnablePluginRequestLog {
		dumpDir, dumpDirErr := pluginconfig.RequestLogDir()
		if dumpDirErr != nil {
			logger.Warn("request dump directory unresolved, dumping disabled", "error", dumpDirErr)
		} else {
			dumper = requestlog.New(dumpDir, logger)
		}
	}

	ic := interceptor.New(interceptor.Config{
		Manager: mgr,
		Client:  (*httpClientAdapter)(upstreamClient),
		Transform: transform.Config{
			CodexMode:             cfg.CodexMode,
			Instructions:          openai.DefaultInstructions(),
			KnownPromptPrefixes:   nil,
			IncludeDefaults:       nil,
			DefaultVerbosity:      "medium",
			GlobalReasoningEffort: "",
			ModelReasoningEffort:  map[string]model.Effort{},
		},
		Logger: logger,
		Dumper: dumper,
	})

	return &Built{Interceptor: ic, Manager: mgr, Config: cfg}, nil
}

// Close flushes the Manager's debounced save synchronously (§9
// "Debounced persistence ... on process shutdown, flush
// synchronously").
func (b *Built) Close() error {
	return b.Manager.Flush()
}

// httpClientAdapter satisfies interceptor.HTTPDoer over *http.Client
// without exposing the rest of *http.Client's surface.
type httpClientAdapter http.Client

func (c *httpClientAdapter) Do(req *http.Request) (*http.Response, error) {
	return (*http.Client)(c).Do(req)
}
