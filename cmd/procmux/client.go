package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/procmux/client"
	pnet "github.com/guseggert/procmux/internal/net"
	"github.com/guseggert/procmux/protocol"
	"github.com/guseggert/procmux/proxy"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/progrium/clon-go"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func callCommand() *cli.Command {
	return &cli.Command{
		Name:      "call",
		Usage:     "send one request to the worker and print the response body",
		ArgsUsage: "<command> [args...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "wait-for",
				Usage: "Keep waiting until a response body has this flag set to true.",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Give up waiting for the response after this long.",
				Value: 30 * time.Second,
			},
		},
		Action: func(cctx *cli.Context) error {
			if cctx.NArg() < 1 {
				return cli.Exit("call needs a command", 2)
			}
			command := cctx.Args().First()

			var args interface{}
			if cctx.NArg() > 1 {
				parsed, err := clon.Parse(cctx.Args().Tail())
				if err != nil {
					return fmt.Errorf("parsing arguments: %w", err)
				}
				args = parsed
			}

			var complete client.Completion
			if flag := cctx.String("wait-for"); flag != "" {
				complete = client.UntilBodyFlag(flag)
			}

			ctx, cancel := context.WithTimeout(cctx.Context, cctx.Duration("timeout"))
			defer cancel()

			c, err := dial(ctx, cctx)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.Call(ctx, command, args, complete)
			if errors.Is(err, client.ErrRequestRejected) {
				return cli.Exit(err.Error(), 1)
			}
			if err != nil {
				return err
			}
			if len(resp.Body) == 0 {
				return nil
			}
			var out bytes.Buffer
			if err := json.Indent(&out, resp.Body, "", "  "); err != nil {
				return fmt.Errorf("formatting body: %w", err)
			}
			fmt.Println(out.String())
			return nil
		},
	}
}

func exitCommand() *cli.Command {
	return &cli.Command{
		Name:  "exit",
		Usage: "tell the worker to exit, which stops the proxy",
		Action: func(cctx *cli.Context) error {
			c, err := dial(cctx.Context, cctx)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Exit(cctx.Context)
		},
	}
}

func loggerCommand() *cli.Command {
	return &cli.Command{
		Name:  "logger",
		Usage: "print every message going to and from the worker",
		Action: func(cctx *cli.Context) error {
			ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := dial(ctx, cctx, client.WithMessageHandler(func(msg *protocol.Message) {
				fmt.Fprintf(os.Stdout, "%s\n", msg.Raw())
			}))
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.RegisterObserver(ctx); err != nil {
				return err
			}

			select {
			case <-c.Done():
			case <-ctx.Done():
			}
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "report whether the proxy is running, with details from its HTTP endpoint if enabled",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "http-addr",
				Usage:   "The proxy's HTTP address. Defaults to http_addr from the config file.",
				EnvVars: []string{"PROCMUX_HTTP_ADDR"},
			},
		},
		Action: func(cctx *cli.Context) error {
			logger, err := newLogger(cctx)
			if err != nil {
				return err
			}
			p, err := loadProject(cctx)
			if err != nil {
				return err
			}
			if !pnet.Alive(p.socket) {
				return cli.Exit(fmt.Sprintf("no proxy running on %s", p.socket), 1)
			}

			addr := p.cfg.HTTPAddr
			if cctx.IsSet("http-addr") {
				addr = cctx.String("http-addr")
			}
			if addr == "" {
				fmt.Printf("proxy running on %s\n", p.socket)
				return nil
			}

			st, err := fetchStatus(cctx.Context, logger, addr)
			if err != nil {
				return err
			}
			b, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(b))
			return nil
		},
	}
}

func dial(ctx context.Context, cctx *cli.Context, opts ...client.Option) (*client.Client, error) {
	logger, err := newLogger(cctx)
	if err != nil {
		return nil, err
	}
	p, err := loadProject(cctx)
	if err != nil {
		return nil, err
	}
	c, err := client.Dial(ctx, p.socket, append([]client.Option{client.WithLogger(logger)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("no proxy reachable for %s: %w", p.root, err)
	}
	return c, nil
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func fetchStatus(ctx context.Context, logger *zap.Logger, addr string) (*proxy.Status, error) {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMax = time.Second
	retryClient.Logger = &logAdapter{SugaredLogger: logger.Named("status").Sugar()}

	req, err := retryablehttp.NewRequest(http.MethodGet, "http://"+addr+"/status", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := retryClient.Do(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetching status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("fetching status: %s: %s", resp.Status, b)
	}

	var st proxy.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return &st, nil
}
