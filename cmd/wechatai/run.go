package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/zzzzapi/ProactiveWeChatAI/conversation"
	"github.com/zzzzapi/ProactiveWeChatAI/engine"
	"github.com/zzzzapi/ProactiveWeChatAI/internal/configutil"
	"github.com/zzzzapi/ProactiveWeChatAI/internal/fsstore"
	"github.com/zzzzapi/ProactiveWeChatAI/internal/logutil"
	"github.com/zzzzapi/ProactiveWeChatAI/internal/padclient"
	"github.com/zzzzapi/ProactiveWeChatAI/internal/statepaths"
	"github.com/zzzzapi/ProactiveWeChatAI/listener"
	"github.com/zzzzapi/ProactiveWeChatAI/persona"
	"github.com/zzzzapi/ProactiveWeChatAI/providers/openai"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proactive chat daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			baseURL := strings.TrimSpace(configutil.FlagOrViperString(cmd, "gateway-base-url", "gateway.base_url"))
			if baseURL == "" {
				return fmt.Errorf("missing gateway.base_url (set via --gateway-base-url or %s_GATEWAY_BASE_URL)", envPrefix)
			}
			token := strings.TrimSpace(configutil.FlagOrViperString(cmd, "gateway-token", "gateway.token"))
			if token == "" {
				token, err = promptGatewayToken()
				if err != nil {
					return err
				}
			}

			gateway := padclient.New(&http.Client{Timeout: 30 * time.Second}, baseURL, token)

			store, err := newStoreFromViper(logger)
			if err != nil {
				return err
			}

			if cardPath := strings.TrimSpace(configutil.FlagOrViperString(cmd, "card", "persona.card_path")); cardPath != "" {
				if err := applyCard(store, cardPath, logger); err != nil {
					return err
				}
			} else if err := applyDefaultCard(store, logger); err != nil {
				return err
			}

			target, err := resolveTarget(cmd, gateway, logger)
			if err != nil {
				return err
			}

			llmClient := openai.New(
				viper.GetString("llm.endpoint"),
				viper.GetString("llm.api_key"),
				viper.GetDuration("llm.request_timeout"),
			)

			eng, err := engine.New(engine.Options{
				Client:   llmClient,
				Model:    viper.GetString("llm.model"),
				Store:    store,
				Dispatch: gateway,
				Logger:   logger,
				Target:   target,
			})
			if err != nil {
				return err
			}

			var sched *engine.Scheduler
			lis, err := listener.New(listener.Options{
				Dialer:   gateway,
				Engine:   eng,
				Dispatch: gateway,
				Target:   target,
				OnActivity: func(senderID string) {
					eng.SetTarget(senderID)
					if sched != nil {
						sched.RecordActivity()
					}
				},
				MaxRetries:   configutil.FlagOrViperInt(cmd, "max-retries", "listener.max_retries"),
				RetryDelay:   configutil.FlagOrViperDuration(cmd, "retry-delay", "listener.retry_delay"),
				ReplyTimeout: viper.GetDuration("listener.reply_timeout"),
				Logger:       logger,
			})
			if err != nil {
				return err
			}

			sched, err = engine.NewScheduler(engine.SchedulerOptions{
				Engine:   eng,
				Conn:     lis,
				Interval: configutil.FlagOrViperDuration(cmd, "analyze-interval", "autonomous.analyze_interval"),
				Logger:   logger,
			})
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := lis.Start(); err != nil {
				return err
			}
			if store.HasPersona() {
				if err := sched.Start(); err != nil {
					lis.Stop()
					return err
				}
			} else {
				logger.Warn("autonomous_disabled_no_persona")
			}
			logger.Info("daemon_started", "gateway", baseURL, "target", target, "character", store.CharacterName())

			<-runCtx.Done()
			logger.Info("daemon_shutdown")
			sched.Stop()
			lis.Stop()
			return nil
		},
	}

	cmd.Flags().String("gateway-base-url", "", "Gateway HTTP base URL.")
	cmd.Flags().String("gateway-token", "", "Gateway auth token (prompted when unset).")
	cmd.Flags().String("target", "", "Contact to chat with: a wxid or a searchable account.")
	cmd.Flags().String("card", "", "Character card path (.json/.yaml/.png).")
	cmd.Flags().Duration("analyze-interval", 0, "Spacing between autonomous analysis cycles.")
	cmd.Flags().Int("max-retries", 0, "Reconnect attempts before giving up.")
	cmd.Flags().Duration("retry-delay", 0, "Delay between reconnect attempts.")

	_ = viper.BindPFlag("gateway.base_url", cmd.Flags().Lookup("gateway-base-url"))
	_ = viper.BindPFlag("gateway.target", cmd.Flags().Lookup("target"))
	_ = viper.BindPFlag("persona.card_path", cmd.Flags().Lookup("card"))
	_ = viper.BindPFlag("autonomous.analyze_interval", cmd.Flags().Lookup("analyze-interval"))
	_ = viper.BindPFlag("listener.max_retries", cmd.Flags().Lookup("max-retries"))
	_ = viper.BindPFlag("listener.retry_delay", cmd.Flags().Lookup("retry-delay"))

	return cmd
}

func newStoreFromViper(logger *slog.Logger) (*conversation.Store, error) {
	stateDir := statepaths.FileStateDir()
	if err := fsstore.EnsureDir(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare state dir: %w", err)
	}
	lockPath, err := fsstore.BuildLockPath(statepaths.LocksDir(), "conversation")
	if err != nil {
		return nil, err
	}
	return conversation.NewStore(conversation.Options{
		Path:       statepaths.ConversationPath(),
		LockPath:   lockPath,
		MaxHistory: viper.GetInt("conversation.max_history"),
		Logger:     logger,
	}), nil
}

func applyCard(store *conversation.Store, path string, logger *slog.Logger) error {
	card, err := persona.Load(path)
	if err != nil {
		return fmt.Errorf("load card %s: %w", path, err)
	}
	name, err := store.SetPersona(card)
	if err != nil {
		return fmt.Errorf("apply card %s: %w", path, err)
	}
	logger.Info("persona_loaded", "path", path, "character", name)
	return nil
}

// applyDefaultCard probes the state dir for a card. A persisted persona from
// a previous run survives when no card file is present.
func applyDefaultCard(store *conversation.Store, logger *slog.Logger) error {
	for _, path := range statepaths.DefaultCardPaths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		return applyCard(store, path, logger)
	}
	if store.HasPersona() {
		logger.Info("persona_resumed", "character", store.CharacterName())
		return nil
	}
	logger.Warn("persona_card_missing", "state_dir", statepaths.FileStateDir())
	return nil
}

// resolveTarget turns the configured contact into a wxid. Bare wxids pass
// through; anything else goes through the gateway's contact search.
func resolveTarget(cmd *cobra.Command, gateway *padclient.Client, logger *slog.Logger) (string, error) {
	target := strings.TrimSpace(configutil.FlagOrViperString(cmd, "target", "gateway.target"))
	if target == "" {
		logger.Info("target_unset_accepting_first_contact")
		return "", nil
	}
	if strings.HasPrefix(target, "wxid_") || strings.Contains(target, "@chatroom") {
		return target, nil
	}
	wxid, err := gateway.SearchContact(cmd.Context(), target)
	if err != nil {
		return "", fmt.Errorf("resolve target %q: %w", target, err)
	}
	logger.Info("target_resolved", "account", target, "wxid", wxid)
	return wxid, nil
}

func promptGatewayToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("missing gateway.token (set via --gateway-token or %s_GATEWAY_TOKEN)", envPrefix)
	}
	_, _ = fmt.Fprint(os.Stderr, "Gateway token: ")
	raw, err := term.ReadPassword(fd)
	_, _ = fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read gateway token: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", fmt.Errorf("empty gateway token")
	}
	return token, nil
}
