package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"PPRelay/client"
	"PPRelay/global/config"
	"PPRelay/logger"
	"PPRelay/module/message"
	"PPRelay/service/kafka"
	"PPRelay/service/natsx"
	"PPRelay/tools/security"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func loadConfig(path string) (*config.AppConfig, error) {
	cfg, err := config.Load(config.LoadOptions{Path: path})
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.Log.Level, cfg.Log.JSON)
	return cfg, nil
}

// 客户端命令不需要 JWT_SECRET，跳过校验
func loadClientConfig(path string) (config.ClientConfig, error) {
	cfg, err := config.Load(config.LoadOptions{Path: path, SkipValidate: true})
	if err != nil {
		return config.ClientConfig{}, err
	}
	logger.Init(cfg.Log.Level, cfg.Log.JSON)
	return cfg.Client, nil
}

func newClientCommand() *cobra.Command {
	var (
		cfgPath string
		url     string
		token   string
		to      int64
	)
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Interactive chat client: lines are sent to --to, /read and /typing are commands",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cc, err := loadClientConfig(cfgPath)
			if err != nil {
				return err
			}
			if url == "" {
				url = cc.URL
			}
			if token == "" {
				return fmt.Errorf("--token is required")
			}
			c := client.New(client.Options{
				URL:            url,
				DialTimeout:    cc.DialTimeout,
				BackoffInitial: cc.BackoffInitial,
				BackoffMax:     cc.BackoffMax,
				MaxAttempts:    cc.MaxAttempts,
			})
			defer c.Close()

			for _, ev := range []string{
				client.EventConnect, client.EventDisconnect, client.EventConnectError, client.EventState,
				message.EventUnreadCounts, message.EventMessage, message.EventMessageSent,
				message.EventMessageRead, message.EventMessageError,
				message.EventTypingStart, message.EventTypingStop,
			} {
				name := ev
				c.On(name, func(d json.RawMessage) { fmt.Printf("<- %s %s\n", name, string(d)) })
			}
			c.SetCredential(token)
			return interact(c, to)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "YAML config file")
	cmd.Flags().StringVar(&url, "url", "", "websocket url (default from config)")
	cmd.Flags().StringVar(&token, "token", os.Getenv("CHAT_TOKEN"), "bearer token")
	cmd.Flags().Int64Var(&to, "to", 0, "peer user id")
	return cmd
}

func interact(c *client.Client, to int64) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/read":
				c.MarkRead(to)
			case line == "/typing":
				c.StartTyping(to)
				time.AfterFunc(2*time.Second, func() { c.StopTyping(to) })
			case line == "/unread":
				fmt.Printf("unread %v\n", c.UnreadCounts())
			case line == "/state":
				fmt.Printf("state %s\n", c.Status())
			case strings.HasPrefix(line, "/img "):
				c.SendMessage(to, "", strings.TrimSpace(strings.TrimPrefix(line, "/img ")))
			default:
				c.SendMessage(to, line, "")
			}
		}
	}
}

func newTokenCommand() *cobra.Command {
	var (
		cfgPath string
		userID  int64
		name    string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token with the configured secret (for local testing)",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			tok, exp, err := security.Generate(security.Options{
				Secret: []byte(cfg.Auth.JWTSecret),
				Alg:    cfg.Auth.Alg,
				TTL:    cfg.Auth.TokenTTL,
				Issuer: cfg.Auth.Issuer,
			}, userID, name)
			if err != nil {
				return err
			}
			fmt.Printf("%s\n# expires %s\n", tok, exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "YAML config file")
	cmd.Flags().Int64Var(&userID, "user", 1, "user id")
	cmd.Flags().StringVar(&name, "name", "", "username")
	return cmd
}

func newTailCommand() *cobra.Command {
	var (
		cfgPath string
		source  string
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print relay events from nats or kafka",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			switch source {
			case "nats":
				return tailNats(ctx, cfg.Nats)
			case "kafka":
				return kafka.Consume(ctx, cfg.Kafka, func(_ context.Context, ev kafka.Event) error {
					fmt.Printf("%s %s %s\n", ev.At, ev.Type, string(ev.Data))
					return nil
				})
			default:
				return fmt.Errorf("unknown source %q (nats|kafka)", source)
			}
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "YAML config file")
	cmd.Flags().StringVar(&source, "source", "nats", "nats|kafka")
	return cmd
}

func tailNats(ctx context.Context, c natsx.Config) error {
	if !c.Enabled() {
		return fmt.Errorf("nats.servers is empty")
	}
	// JetStream 重投时按 Nats-Msg-Id 去重
	m, err := natsx.NewManager(c, natsx.RelayRoutes(c.Mode()),
		natsx.IdemMiddleware(natsx.NewMemIdem(10*time.Minute), 10*time.Minute))
	if err != nil {
		return err
	}
	defer m.Close()

	show := func(_ context.Context, msg natsx.Message) error {
		fmt.Printf("%s %s\n", msg.Subject, string(msg.Data))
		return nil
	}
	for _, biz := range []string{natsx.BizMessageCreated, natsx.BizMessageRead} {
		if err := m.Subscribe(biz, show); err != nil {
			return err
		}
	}
	logger.Info("tailing nats", zap.Strings("servers", c.Servers))
	<-ctx.Done()
	return nil
}
