package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/guseggert/procmux/internal/config"
	"github.com/guseggert/procmux/internal/files"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "procmux",
		Usage: "share one language server process between every tool working on a project",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "dir",
				Usage:   "A directory inside the project. The project root is found by walking up from here.",
				Value:   ".",
				EnvVars: []string{"PROCMUX_DIR"},
			},
			&cli.StringFlag{
				Name:    "socket",
				Usage:   "The Unix socket to use instead of the one derived from the project root.",
				EnvVars: []string{"PROCMUX_SOCKET"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"PROCMUX_LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			startCommand(),
			callCommand(),
			exitCommand(),
			loggerCommand(),
			statusCommand(),
		},
	}
}

func newLogger(cctx *cli.Context) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cctx.String("log-level"))); err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

// project holds what every command needs to find the proxy.
type project struct {
	root   string
	socket string
	cfg    *config.Config
}

func loadProject(cctx *cli.Context) (*project, error) {
	root, err := files.ProjectRoot(cctx.String("dir"))
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	socket := cctx.String("socket")
	if socket == "" {
		socket = files.SocketPath(root)
	} else if socket, err = filepath.Abs(socket); err != nil {
		return nil, fmt.Errorf("resolving socket path: %w", err)
	}
	return &project{root: root, socket: socket, cfg: cfg}, nil
}
