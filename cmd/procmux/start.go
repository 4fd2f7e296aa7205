package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/guseggert/procmux/internal/config"
	"github.com/guseggert/procmux/internal/files"
	pnet "github.com/guseggert/procmux/internal/net"
	"github.com/guseggert/procmux/proxy"
	"github.com/guseggert/procmux/worker"
	"github.com/urfave/cli/v2"
)

const defaultWorker = "tsserver"

func startCommand() *cli.Command {
	return &cli.Command{
		Name:      "start",
		Usage:     "start the proxy for this project, unless one is already running",
		ArgsUsage: "[worker [args...]]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "http-addr",
				Usage:   "Serve /status and /observe on this address.",
				EnvVars: []string{"PROCMUX_HTTP_ADDR"},
			},
			&cli.IntFlag{
				Name:    "queue-size",
				Usage:   "Frames queued per client before a client that is not reading is disconnected.",
				EnvVars: []string{"PROCMUX_QUEUE_SIZE"},
			},
			&cli.DurationFlag{
				Name:    "restart-delay",
				Usage:   "Pause before restarting a worker that exited.",
				EnvVars: []string{"PROCMUX_RESTART_DELAY"},
			},
			&cli.DurationFlag{
				Name:    "write-timeout",
				Usage:   "How long client requests wait for a restarting worker before being rejected.",
				EnvVars: []string{"PROCMUX_WRITE_TIMEOUT"},
			},
		},
		Action: func(cctx *cli.Context) error {
			logger, err := newLogger(cctx)
			if err != nil {
				return err
			}
			defer logger.Sync()
			log := logger.Sugar()

			p, err := loadProject(cctx)
			if err != nil {
				return err
			}
			cfg := p.cfg
			if cctx.IsSet("http-addr") {
				cfg.HTTPAddr = cctx.String("http-addr")
			}
			if cctx.IsSet("queue-size") {
				cfg.QueueSize = cctx.Int("queue-size")
			}
			if cctx.IsSet("restart-delay") {
				cfg.RestartDelay = cctx.Duration("restart-delay")
			}
			if cctx.IsSet("write-timeout") {
				cfg.WriteTimeout = cctx.Duration("write-timeout")
			}

			initMessages, err := cfg.InitMessages()
			if err != nil {
				return err
			}

			l, err := pnet.ListenUnix(p.socket)
			if errors.Is(err, pnet.ErrAddressInUse) {
				log.Infow("proxy already running", "Socket", p.socket)
				return nil
			}
			if err != nil {
				return err
			}
			// closing the listener removes the socket file, also when unwinding from a panic
			defer l.Close()

			workerCfg, err := resolveWorker(p.root, cfg, cctx.Args().Slice())
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			opts := []proxy.Option{
				proxy.WithLogger(logger),
				proxy.WithQueueSize(cfg.QueueSize),
				proxy.WithInitMessages(initMessages...),
				proxy.WithWorkerOptions(
					worker.WithRestartDelay(cfg.RestartDelay),
					worker.WithWriteTimeout(cfg.WriteTimeout),
					worker.WithMirror(os.Stdout),
				),
			}
			if cfg.HTTPAddr != "" {
				opts = append(opts, proxy.WithHTTPAddr(cfg.HTTPAddr))
			}
			srv, err := proxy.NewServer(workerCfg, opts...)
			if err != nil {
				return fmt.Errorf("building proxy: %w", err)
			}

			ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Infow("starting proxy", "Root", p.root, "Socket", p.socket, "Worker", workerCfg.Command)
			err = srv.Serve(ctx, l)
			switch {
			case err == nil, errors.Is(err, context.Canceled):
				return nil
			case errors.Is(err, worker.ErrWorkerSpawnFailure):
				return cli.Exit(err.Error(), 1)
			default:
				return err
			}
		},
	}
}

// resolveWorker picks the worker executable: the command line first, then the config file,
// then $PROCMUX_WORKER, then a project-local tsserver, then tsserver on the PATH.
func resolveWorker(root string, cfg *config.Config, args []string) (worker.Config, error) {
	wc := worker.Config{Env: cfg.Env, Dir: root}

	switch {
	case len(args) > 0:
		wc.Command, wc.Args = args[0], args[1:]
		return wc, nil
	case cfg.Worker != "":
		wc.Command, wc.Args = cfg.Worker, cfg.Args
		// paths in the config file are relative to the project root
		if strings.ContainsRune(wc.Command, filepath.Separator) && !filepath.IsAbs(wc.Command) {
			wc.Command = filepath.Join(root, wc.Command)
		}
		return wc, nil
	}

	wc.Args = cfg.Args
	if env := os.Getenv("PROCMUX_WORKER"); env != "" {
		wc.Command = env
		return wc, nil
	}
	if local := files.FindUp(filepath.Join("node_modules", ".bin", defaultWorker), root); local != "" {
		wc.Command = local
		return wc, nil
	}
	path, err := exec.LookPath(defaultWorker)
	if err != nil {
		return wc, fmt.Errorf("no worker given and %s was not found: %w", defaultWorker, err)
	}
	wc.Command = path
	return wc, nil
}
