// Command sessioncore is the host entrypoint wiring SessionStore,
// AttachmentCache, PromptAssembler, ProcedureEngine, SessionSupervisor,
// WebhookIngress and SessionManager into one running process.
//
// Grounded on the teacher's cmd/tarsy/main.go shape (flag parsing with an
// env-var fallback, godotenv-then-YAML config load, a blocking server run
// with a deferred shutdown), adapted from tarsy's gin+ent+Postgres-always
// wiring to this core's mock-by-default, pluggable-backend shape: the two
// concrete collaborators the spec treats as externally supplied (the
// tracker and the agent runner) default to their in-memory mock
// implementations unless a host passes different ones, since this package
// owns only the orchestration core, not a Linear/Claude integration.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaycore/sessioncore/pkg/agentadapter"
	"github.com/relaycore/sessioncore/pkg/agentadapter/mock"
	"github.com/relaycore/sessioncore/pkg/attachment"
	"github.com/relaycore/sessioncore/pkg/config"
	"github.com/relaycore/sessioncore/pkg/manager"
	"github.com/relaycore/sessioncore/pkg/model"
	"github.com/relaycore/sessioncore/pkg/procedure"
	"github.com/relaycore/sessioncore/pkg/prompt"
	"github.com/relaycore/sessioncore/pkg/renderer/wsrenderer"
	"github.com/relaycore/sessioncore/pkg/store"
	"github.com/relaycore/sessioncore/pkg/store/filestore"
	trackermock "github.com/relaycore/sessioncore/pkg/tracker/mock"
	"github.com/relaycore/sessioncore/pkg/webhook"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	configPath := flag.String("config", getEnv("SESSIONCORE_CONFIG", ""), "path to YAML config file (optional)")
	// The source repo carries two debug-mode entrypoints (--fake-data and
	// --demo) whose divergence is unresolved (spec §9 open question 1);
	// this core exposes one flag and treats both spellings as the same
	// thing, since neither source flag's behavior is otherwise specified.
	mockMode := flag.Bool("mock", os.Getenv("SESSIONCORE_DEMO") != "" || os.Getenv("SESSIONCORE_FAKE_DATA") != "", "seed the in-memory mock tracker with a demo issue and waive the webhook_secret requirement")
	memberID := flag.String("member", getEnv("SESSIONCORE_MEMBER_ID", "bot"), "tracker member id the core watches for assignments")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	if err := run(*configPath, *mockMode, *memberID, log); err != nil {
		log.Error("fatal", "error", err)
		var cfgErr *config.Error
		if errors.As(err, &cfgErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(configPath string, mockMode bool, memberID string, log *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.WebhookSecret == "" && !mockMode {
		return &config.Error{Reason: "webhook_secret is required outside mock mode"}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	storage, err := filestore.New(cfg.HomeDirectory, "default")
	if err != nil {
		return fmt.Errorf("opening session storage: %w", err)
	}
	sessStore := store.New(storage, cfg.Store)

	attachments := attachment.New(cfg.HomeDirectory, cfg.Attachment)
	pluginRouter := attachment.NewPluginRouter(pluginSpecs(cfg.Plugins))
	prompts := prompt.New(pluginRouter)
	procEngine := procedure.New(cfg.Procedure)
	renderer := wsrenderer.New(10 * time.Second)

	var trk = trackermock.New()
	botAuthor := "sessioncore-bot"
	if mockMode {
		seedDemoIssue(trk, memberID)
		log.Info("running in mock mode", "member_id", memberID)
	}

	agentScript := mock.TextScript([]string{
		"Investigating the issue.",
		"Applying a fix.",
		"Running verification.",
	}, 200*time.Millisecond)

	deps := manager.Deps{
		Store:       sessStore,
		Tracker:     trk,
		Procedure:   procEngine,
		Prompts:     prompts,
		Attachments: attachments,
		Renderer:    renderer,
		BotAuthor:   botAuthor,
		MemberID:    memberID,
		PluginRouter: pluginRouter,

		HomeDirectory:    cfg.HomeDirectory,
		Config:           cfg.Manager,
		SupervisorConfig: cfg.Supervisor,
	}

	mgr := manager.New(deps, func(sess *model.Session) agentadapter.Runner {
		return mock.New(agentScript, false, 1024)
	})

	parsers := map[string]webhook.Parser{
		"linear": webhook.LinearParser{},
	}
	ingress := webhook.New(cfg.Webhook, cfg.WebhookSecret, mgr, parsers)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	if cfg.HostExternal {
		addr = fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}

	errCh := make(chan error, 2)
	go func() {
		if err := ingress.StartWithListener(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("webhook ingress: %w", err)
		}
	}()
	go func() {
		if err := mgr.Run(ctx); err != nil {
			errCh <- fmt.Errorf("manager run: %w", err)
		}
	}()

	log.Info("sessioncore started", "addr", addr, "mock", mockMode)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error("component failed, shutting down", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Manager.ShutdownGrace+5*time.Second)
	defer shutdownCancel()

	mgr.Shutdown(shutdownCtx)
	_ = ingress.Shutdown(shutdownCtx)

	log.Info("sessioncore stopped")
	return nil
}

// pluginSpecs converts the YAML-configured label→plugin routing table into
// attachment.PluginSpec values, kept as a separate conversion step because
// config cannot import attachment (attachment already imports config).
func pluginSpecs(cfgs []config.PluginConfig) []attachment.PluginSpec {
	specs := make([]attachment.PluginSpec, len(cfgs))
	for i, c := range cfgs {
		specs[i] = attachment.PluginSpec{
			Label:    c.Label,
			Command:  c.Command,
			Args:     c.Args,
			Inactive: c.Inactive,
		}
	}
	return specs
}

func seedDemoIssue(trk *trackermock.Tracker, memberID string) {
	trk.SeedMember(model.Member{ID: memberID, Name: "Session Core Bot"})
	issue := model.Issue{
		ID:          "demo-1",
		Identifier:  "DEMO-1",
		Title:       "Add unit tests for parser",
		Description: "The parser package has no test coverage.",
		State:       "Todo",
		Labels:      []string{"bug"},
	}
	trk.SeedIssue(issue)
	trk.AssignToMember(memberID, issue)
}
