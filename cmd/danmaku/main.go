// Package main 弹幕接入命令行入口
//
// 用法：
//
//	danmaku watch --room 21452505 [--config configs/danmaku.yaml] [--kafka-brokers host:9092]
//	danmaku token --room 21452505
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/qiminjie89/danmaku/internal/liveapi"
	"github.com/qiminjie89/danmaku/internal/relay"
	"github.com/qiminjie89/danmaku/pkg/config"
	"github.com/qiminjie89/danmaku/pkg/livemsg"
	"github.com/qiminjie89/danmaku/pkg/logger"
)

func main() {
	app := &cli.App{
		Name:  "danmaku",
		Usage: "live danmaku ingestion client",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "config file path, defaults are used when empty"},
			&cli.StringFlag{Name: "log-level", Usage: "override log.level"},
		},
		Commands: []*cli.Command{
			watchCommand(),
			tokenCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "connect to a room and print or forward its messages",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "room", Aliases: []string{"r"}, Usage: "room id", Required: true},
			&cli.Int64Flag{Name: "uid", Usage: "viewer id, 0 for anonymous"},
			&cli.StringSliceFlag{Name: "kafka-brokers", Usage: "forward messages to these brokers"},
			&cli.StringFlag{Name: "kafka-topic", Usage: "override kafka.topic"},
			&cli.BoolFlag{Name: "expand", Usage: "forward one kafka message per event instead of raw bodies"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "serve /health and /metrics on this address"},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "do not print events"},
		},
		Action: watchAction,
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "fetch the join token and relay hosts of a room",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "room", Aliases: []string{"r"}, Usage: "room id", Required: true},
		},
		Action: tokenAction,
	}
}

// setup 加载配置并初始化日志
func setup(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, cli.Exit(err.Error(), 2)
		}
		cfg = loaded
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}); err != nil {
		return nil, cli.Exit("init logger failed: "+err.Error(), 2)
	}
	return cfg, nil
}

func watchAction(c *cli.Context) error {
	cfg, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if brokers := c.StringSlice("kafka-brokers"); len(brokers) > 0 {
		cfg.Kafka.Brokers = brokers
	}
	if topic := c.String("kafka-topic"); topic != "" {
		cfg.Kafka.Topic = topic
	}
	if c.Bool("expand") {
		cfg.Kafka.ExpandEvents = true
	}
	if addr := c.String("metrics-addr"); addr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = addr
	}
	if err := cfg.Validate(); err != nil {
		return cli.Exit(err.Error(), 2)
	}

	roomID := c.Int64("room")
	server := relay.NewServer(cfg, roomID, c.Int64("uid"))
	if !c.Bool("quiet") {
		server.OnEvent(printEvent)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		logger.Error("start relay failed", zap.Int64("room_id", roomID), zap.Error(err))
		return cli.Exit(err.Error(), 1)
	}

	// 等待退出信号
	<-ctx.Done()
	logger.Info("received shutdown signal")
	server.Stop()
	return nil
}

func tokenAction(c *cli.Context) error {
	cfg, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	api := liveapi.NewClient(liveapi.Config{
		BaseURL:   cfg.API.BaseURL,
		Timeout:   cfg.API.Timeout,
		Cookie:    cfg.API.Cookie,
		UserAgent: cfg.API.UserAgent,
	})

	token, err := api.FetchToken(c.Context, c.Int64("room"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	fmt.Printf("key: %s\n", token.Key)
	for _, h := range token.Hosts {
		fmt.Printf("host: %s\n", h)
	}
	return nil
}

func printEvent(roomID int64, ev livemsg.Event) {
	if ev.Cmd != livemsg.CmdDanmu {
		logger.Debug("event", zap.Int64("room_id", roomID), zap.String("cmd", ev.Cmd))
		return
	}

	d, err := livemsg.ParseDanmu(ev)
	if err != nil {
		logger.Warn("parse danmu failed", zap.Error(err))
		return
	}
	fmt.Printf("[%d] %s: %s\n", roomID, d.Username, d.Text)
}
