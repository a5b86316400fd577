package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/QurzEditer/talkcody/approval"
	"github.com/QurzEditer/talkcody/bridge"
	"github.com/QurzEditer/talkcody/channel"
	"github.com/QurzEditer/talkcody/channel/socket"
	"github.com/QurzEditer/talkcody/channel/telegram"
	"github.com/QurzEditer/talkcody/execution"
	"github.com/QurzEditer/talkcody/internal/configutil"
	"github.com/QurzEditer/talkcody/internal/healthcheck"
	"github.com/QurzEditer/talkcody/internal/logutil"
	"github.com/QurzEditer/talkcody/internal/retryutil"
)

func newBridgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Run the chat bridge daemon",
		RunE:  runBridge,
	}

	cmd.Flags().String("telegram-bot-token", "", "Telegram bot token.")
	cmd.Flags().StringArray("telegram-allowed-chat-id", nil, "Allowed Telegram chat id (repeatable; empty allows all).")
	cmd.Flags().Duration("telegram-poll-timeout", 30*time.Second, "Telegram long-poll timeout.")
	cmd.Flags().String("socket-url", "", "WebSocket gateway URL (ws:// or wss://).")
	cmd.Flags().StringArray("engine-arg", nil, "Task engine argv (repeatable; first entry is the binary).")
	cmd.Flags().Duration("throttle-interval", time.Second, "Minimum interval between streaming edits per session.")
	cmd.Flags().Int("max-concurrency", 2, "Maximum concurrently running tasks.")
	cmd.Flags().String("health-listen", "", "Health endpoint listen address (empty disables).")

	_ = viper.BindPFlag("telegram.bot_token", cmd.Flags().Lookup("telegram-bot-token"))
	_ = viper.BindPFlag("telegram.allowed_chat_ids", cmd.Flags().Lookup("telegram-allowed-chat-id"))
	_ = viper.BindPFlag("telegram.poll_timeout", cmd.Flags().Lookup("telegram-poll-timeout"))
	_ = viper.BindPFlag("socket.url", cmd.Flags().Lookup("socket-url"))
	_ = viper.BindPFlag("bridge.engine_cmd", cmd.Flags().Lookup("engine-arg"))
	_ = viper.BindPFlag("bridge.throttle_interval", cmd.Flags().Lookup("throttle-interval"))
	_ = viper.BindPFlag("bridge.max_concurrency", cmd.Flags().Lookup("max-concurrency"))
	_ = viper.BindPFlag("bridge.health_listen", cmd.Flags().Lookup("health-listen"))

	return cmd
}

func runBridge(cmd *cobra.Command, args []string) error {
	logger, err := logutil.LoggerFromViper()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	engineArgv := configutil.FlagOrViperStringArray(cmd, "engine-arg", "bridge.engine_cmd")
	if len(engineArgv) == 0 {
		return fmt.Errorf("missing bridge.engine_cmd (set via --engine-arg or %s_BRIDGE_ENGINE_CMD)", envPrefix)
	}

	execStore := execution.NewStore()
	runner, err := execution.NewRunner(
		execution.CommandEngine{Argv: engineArgv},
		execStore,
		execution.RunnerConfig{MaxConcurrent: configutil.FlagOrViperInt(cmd, "max-concurrency", "bridge.max_concurrency")},
		logger,
	)
	if err != nil {
		return err
	}
	defer runner.Close()

	approvalStore := approval.NewStore()

	set := channel.NewSet(logger)
	registered := 0

	if token := strings.TrimSpace(configutil.FlagOrViperString(cmd, "telegram-bot-token", "telegram.bot_token")); token != "" {
		allowed, err := parseChatIDs(configutil.FlagOrViperStringArray(cmd, "telegram-allowed-chat-id", "telegram.allowed_chat_ids"))
		if err != nil {
			return err
		}
		tg, err := telegram.New(telegram.Config{
			BotToken:       token,
			AllowedChatIDs: allowed,
			PollTimeout:    configutil.FlagOrViperDuration(cmd, "telegram-poll-timeout", "telegram.poll_timeout"),
		}, logger)
		if err != nil {
			return err
		}
		if err := set.Register(tg); err != nil {
			return err
		}
		registered++
	}

	if url := strings.TrimSpace(configutil.FlagOrViperString(cmd, "socket-url", "socket.url")); url != "" {
		ws, err := socket.New(socket.Config{URL: url}, logger)
		if err != nil {
			return err
		}
		if err := set.Register(ws); err != nil {
			return err
		}
		registered++
	}

	if registered == 0 {
		return fmt.Errorf("no channel configured (set telegram.bot_token and/or socket.url)")
	}

	svc, err := bridge.New(set, execStore, approvalStore, runner, bridge.Config{
		ThrottleInterval: configutil.FlagOrViperDuration(cmd, "throttle-interval", "bridge.throttle_interval"),
	}, logger)
	if err != nil {
		return err
	}

	// The retry callback runs on a background goroutine; the handle is read
	// again at shutdown, so access goes through the mutex.
	var (
		healthMu     sync.Mutex
		healthServer *http.Server
	)
	setHealthServer := func(srv *http.Server) {
		healthMu.Lock()
		healthServer = srv
		healthMu.Unlock()
	}
	if healthListen := healthcheck.NormalizeListen(configutil.FlagOrViperString(cmd, "health-listen", "bridge.health_listen")); healthListen != "" {
		srv, err := healthcheck.StartServer(cmd.Context(), logger, healthListen, "bridge")
		if err != nil {
			logger.Warn("bridge_health_server_start_error", "addr", healthListen, "error", err.Error())
			retryutil.AsyncRetry(logger, "bridge_health_server", 0, 0, func(ctx context.Context) error {
				srv, retryErr := healthcheck.StartServer(ctx, logger, healthListen, "bridge")
				if retryErr != nil {
					return retryErr
				}
				setHealthServer(srv)
				return nil
			})
		} else {
			setHealthServer(srv)
		}
	}

	runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(runCtx); err != nil {
		return err
	}
	logger.Info("bridge_daemon_ready", "channels", registered)

	<-runCtx.Done()
	logger.Info("bridge_daemon_shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svc.Stop(shutdownCtx); err != nil {
		logger.Warn("bridge_stop_error", "error", err.Error())
	}
	healthMu.Lock()
	srv := healthServer
	healthMu.Unlock()
	if srv != nil {
		httpCtx, httpCancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(httpCtx)
		httpCancel()
	}
	return nil
}

func parseChatIDs(raw []string) ([]int64, error) {
	var out []int64
	for _, entry := range raw {
		for _, part := range strings.Split(entry, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid telegram chat id %q", part)
			}
			out = append(out, id)
		}
	}
	return out, nil
}
