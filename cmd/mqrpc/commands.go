package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"mqrpc/client"
	"mqrpc/conf"
	"mqrpc/envelope"
	"mqrpc/logger"
)

const shutdownGrace = 5 * time.Second

func PrintFatal(msg string, args ...interface{}) {
	os.Stderr.WriteString(fatalMessage(msg, args...))
	os.Exit(1)
}

func fatalMessage(msg string, args ...interface{}) string {
	return Red(fmt.Sprintf(msg, args...)) + "\n"
}

func loadConfig(c *cli.Context) *conf.Config {
	cfg := conf.Default()
	if path := c.GlobalString("config"); path != "" {
		var err error
		if cfg, err = conf.LoadConfig(path); err != nil {
			PrintFatal("%s", err)
		}
	}
	if codecName := c.GlobalString("codec"); codecName != "" {
		cfg.Codec = codecName
	}
	return cfg
}

func initLogger(cfg *conf.Config) *zap.Logger {
	logger.InitLogger(logger.NewZapLogger(cfg.Log.LogPrefix+".log", cfg.Log.LogDir, cfg.Log.LogLevel,
		cfg.Log.MaxLogfileSize, cfg.Log.MaxAge, cfg.Log.EnableStdout))
	return logger.GetLogger()
}

// connectURLs prefers urls given on the command line over the configured ones.
func connectURLs(c *cli.Context, cfg *conf.Config) []string {
	if urls := c.StringSlice("connect"); len(urls) > 0 {
		return urls
	}
	return cfg.Client.Connect
}

func serveCommand(c *cli.Context) (err error) {
	cfg := loadConfig(c)
	log := initLogger(cfg)
	defer log.Sync()

	urls := []string(c.Args())
	if len(urls) == 0 {
		urls = cfg.Service.Bind
	}
	if len(urls) == 0 {
		PrintFatal("nothing to bind: pass a url or set Service.Bind")
	}

	svc, err := newService(cfg, log)
	if err != nil {
		PrintFatal("%s", err)
	}
	for _, url := range urls {
		if err = svc.Bind(url); err != nil {
			svc.Close()
			PrintFatal("bind %s: %v", url, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	fmt.Println(Green("serving " + strings.Join(svc.BoundURLs(), ", ")))
	if err = svc.Serve(ctx); err != nil {
		PrintFatal("%s", err)
	}
	if err = svc.Shutdown(shutdownGrace); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
	return nil
}

func callCommand(c *cli.Context) (err error) {
	if !c.Args().Present() {
		PrintFatal("usage: mqrpc call METHOD [JSON-ARG...]")
	}
	cfg := loadConfig(c)
	if mode := c.String("mode"); mode != "" {
		cfg.Client.Mode = mode
	}
	if timeout := c.Duration("timeout"); timeout > 0 {
		cfg.Client.Timeout.Duration = timeout
	}
	log := initLogger(cfg)
	defer log.Sync()

	args := parseArgs(c.Args().Tail())
	kwargs, err := parseKwargs(c.StringSlice("kw"))
	if err != nil {
		PrintFatal("%s", err)
	}
	if len(kwargs) > 0 {
		args = append(args, kwargs)
	}

	result, err := invoke(cfg, log, connectURLs(c, cfg), c.Args().First(), args)
	if err != nil {
		PrintFatal("%s", err)
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		PrintFatal("%s", err)
	}
	fmt.Println(string(out))
	return nil
}

func pingCommand(c *cli.Context) (err error) {
	cfg := loadConfig(c)
	log := initLogger(cfg)
	defer log.Sync()

	start := time.Now()
	version, err := ping(cfg, log, connectURLs(c, cfg))
	if err != nil {
		PrintFatal("%s", err)
	}
	if !envelope.Compatible(version) {
		fmt.Println(Yellow(fmt.Sprintf("service speaks %s, we speak %s", version, envelope.Version)))
		return nil
	}
	fmt.Println(Green(fmt.Sprintf("pong from protocol %s in %s", version, time.Since(start).Round(time.Microsecond))))
	return nil
}

func methodsCommand(c *cli.Context) (err error) {
	cfg := loadConfig(c)
	log := initLogger(cfg)
	defer log.Sync()

	names, err := invoke(cfg, log, connectURLs(c, cfg), "_methods", nil)
	if err != nil {
		PrintFatal("%s", err)
	}
	list, _ := names.([]any)
	for _, name := range list {
		fmt.Println(name)
	}
	return nil
}

// parseArgs reads every argument as JSON, falling back to a plain string.
func parseArgs(raw []string) []any {
	args := make([]any, 0, len(raw))
	for _, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			v = s
		}
		args = append(args, v)
	}
	return args
}

func parseKwargs(raw []string) (client.Kwargs, error) {
	kwargs := client.Kwargs{}
	for _, kv := range raw {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return nil, errors.Errorf("keyword argument %q is not name=value", kv)
		}
		kwargs[name] = parseArgs([]string{value})[0]
	}
	return kwargs, nil
}
