package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"devbridge/internal/bridge"
	"devbridge/internal/config"
	"devbridge/internal/device"
	"devbridge/internal/keyboard"
	"devbridge/internal/logging"
	"devbridge/internal/qemu"
	"devbridge/internal/qr"
	"devbridge/internal/session"
	"devbridge/internal/web"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the web bridge",
		Description: `Run the web bridge for the configured device.

Examples:
  devbridge serve --config /etc/devbridge.yaml
  devbridge serve --host 0.0.0.0 --port 5000 --qr`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config file",
			},
			&cli.StringFlag{
				Name:  "host",
				Usage: "listen host (overrides www.host)",
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "listen port (overrides www.port)",
			},
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "development logging",
			},
			&cli.BoolFlag{
				Name:  "qr",
				Usage: "print the UI address as a QR code",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Level, c.Bool("debug"))
			if err != nil {
				return err
			}
			defer logger.Sync()
			if !c.Bool("debug") {
				gin.SetMode(gin.ReleaseMode)
			}

			s, err := newStack(cfg, logger)
			if err != nil {
				return err
			}
			defer s.close()

			if c.Bool("qr") {
				if err := qr.PrintURL(c.App.Writer, qr.UIURL(cfg.WWW.Host, cfg.WWW.Port)); err != nil {
					logger.Warn("qr", zap.Error(err))
				}
			}

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger.Info("starting devbridge",
				zap.String("addr", cfg.Addr()),
				zap.String("version", version))
			return s.service.Run(ctx)
		},
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("host") {
		cfg.WWW.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.WWW.Port = c.Int("port")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type stack struct {
	power   *qemu.Controller
	agent   *device.Agent
	bridge  *bridge.Bridge
	service *web.Service
}

func newStack(cfg *config.Config, logger *zap.Logger) (*stack, error) {
	s := &stack{}
	agentVersion := cfg.Agent.Version
	if agentVersion == "" {
		agentVersion = version
	}
	opts := []device.Option{
		device.WithLogger(logger.Named("device")),
		device.WithSessionTimeout(cfg.Agent.SessionTimeout),
		device.WithConsoleSize(cfg.Agent.ConsoleSize),
	}

	vncPort := cfg.QEMU.VNCWebsocket
	if cfg.QEMU.Executable != "" {
		if vncPort > 0 {
			port, err := qemu.FreePort(vncPort)
			if err != nil {
				return nil, fmt.Errorf("vnc websocket port: %w", err)
			}
			if port != vncPort {
				logger.Warn("vnc websocket port busy", zap.Int("configured", vncPort), zap.Int("port", port))
			}
			vncPort = port
		}
		s.power = qemu.NewController(qemu.Config{
			Executable:   cfg.QEMU.Executable,
			Args:         cfg.QEMU.Args,
			Monitor:      cfg.QEMU.Monitor,
			VNCWebsocket: vncPort,
		})
		s.power.SetLogger(logger.Named("qemu"))
		opts = append(opts, device.WithPower(s.power))
	}
	if vncPort > 0 {
		opts = append(opts, device.WithVideo(qemu.Video{Port: vncPort}))
	}

	var driver keyboard.Driver
	switch {
	case cfg.Keyboard.Variant == "" || cfg.Keyboard.Variant == "none":
	case s.power == nil:
		logger.Warn("keyboard disabled: no qemu power controller", zap.String("variant", cfg.Keyboard.Variant))
	default:
		kb := qemu.NewKeyboard(s.power)
		kb.SetLogger(logger.Named("keyboard"))
		d, err := keyboard.Activate(kb, cfg.Keyboard.Options)
		switch {
		case errors.Is(err, keyboard.ErrUnavailable):
			logger.Warn("keyboard unavailable", zap.String("variant", cfg.Keyboard.Variant))
		case err != nil:
			return nil, err
		default:
			driver = d
			opts = append(opts, device.WithKeyboard(d))
		}
	}

	s.agent = device.New(agentVersion, opts...)

	tokens, err := session.NewRandomTokenManager()
	if err != nil {
		return nil, fmt.Errorf("session secret: %w", err)
	}
	bopts := []bridge.Option{
		bridge.WithSessions(session.NewRegistry(tokens)),
		bridge.WithLogger(logger.Named("bridge")),
		bridge.WithCallTimeout(cfg.WWW.CallTimeout),
		bridge.WithQueueSize(cfg.WWW.QueueSize),
	}
	if len(cfg.WWW.AllowedOrigins) > 0 {
		bopts = append(bopts, bridge.WithCheckOrigin(web.OriginChecker(cfg.WWW.AllowedOrigins)))
	}
	s.bridge = bridge.New(s.agent, driver, bopts...)
	s.agent.SetNotifier(s.bridge)

	router := web.NewRouter(s.bridge, web.Options{
		Assets:         cfg.WWW.Assets,
		NoVNC:          cfg.WWW.NoVNC,
		AllowedOrigins: cfg.WWW.AllowedOrigins,
		Version:        agentVersion,
		Logger:         logger.Named("http"),
	})
	s.service = web.NewService(s.bridge, router, cfg.WWW.Host, cfg.WWW.Port)
	s.service.SetLogger(logger.Named("web"))
	return s, nil
}

func (s *stack) close() {
	_ = s.agent.Close()
	if s.power != nil {
		_ = s.power.Close()
	}
}
