// pointerlink shares one pointer between machines on a LAN.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"pointerlink/internal/autostart"
	"pointerlink/internal/config"
	"pointerlink/internal/logging"
	"pointerlink/internal/protocol"
	"pointerlink/internal/tray"
)

var version = "0.1.0"

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"run", "run the peer in the foreground (default)", cmdRun},
		{"ui", "run the peer with a tray icon and device panel", cmdUI},
		{"list", "listen for peers for a while and print them", cmdList},
		{"request", "ask a peer to accept control and wait for the answer", cmdRequest},
		{"relay-server", "accept relay sessions and inject pointer moves", cmdRelayServer},
		{"relay-client", "send \"x y\" lines from stdin to a relay server", cmdRelayClient},
		{"autostart", "enable, disable or show starting the tray at login", cmdAutostart},
		{"version", "print the version", cmdVersion},
	}
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	name := "run"
	if len(argv) > 0 && argv[0] != "" && argv[0][0] != '-' {
		name, argv = argv[0], argv[1:]
	}
	if name == "help" {
		printHelp()
		return nil
	}
	for _, c := range commands {
		if c.name == name {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err := c.run(ctx, argv)
			if errors.Is(err, pflag.ErrHelp) {
				return nil
			}
			return err
		}
	}
	printHelp()
	return fmt.Errorf("unknown command %q", name)
}

// globalFlags are accepted by every command that loads configuration.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newFlagSet(name string) (*pflag.FlagSet, *globalFlags) {
	g := &globalFlags{}
	fs := pflag.NewFlagSet("pointerlink "+name, pflag.ContinueOnError)
	fs.StringVar(&g.configPath, "config", "", "config file (default: per-user config directory)")
	fs.StringVar(&g.logLevel, "log-level", "", "override logging.level")
	fs.StringVar(&g.logFormat, "log-format", "", "override logging.format (json|console)")
	return fs, g
}

// cliEnv is the state shared by commands once flags are parsed.
type cliEnv struct {
	cfgMgr *config.Manager
	cfg    config.Config
	logger *zap.SugaredLogger
}

// load reads configuration and builds the logger.
func (g *globalFlags) load() (*cliEnv, error) {
	bootstrap := logging.Must("warn", "console").Sugar()
	var cfgMgr *config.Manager
	if g.configPath != "" {
		cfgMgr = config.NewManagerAt(g.configPath, bootstrap)
	} else {
		var err error
		if cfgMgr, err = config.NewManager(bootstrap); err != nil {
			return nil, err
		}
	}
	if err := cfgMgr.Load(); err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgMgr.Path(), err)
	}
	cfg := cfgMgr.Get()
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Logging.Format = g.logFormat
	}

	base, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return &cliEnv{cfgMgr: cfgMgr, cfg: cfg, logger: base.Sugar()}, nil
}

func (e *cliEnv) close() {
	e.logger.Sync()
}

func printHelp() {
	fmt.Fprintf(os.Stderr, `pointerlink %s: share one pointer between machines on a LAN.

Usage:
  pointerlink [command] [flags]

Commands:
`, version)
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-13s %s\n", c.name, c.summary)
	}
	fmt.Fprint(os.Stderr, `
Global flags:
  --config PATH        config file
  --log-level LEVEL    debug, info, warn or error
  --log-format FORMAT  json or console

Environment variables prefixed POINTERLINK_ override the config file.
`)
}

func cmdVersion(context.Context, []string) error {
	fmt.Printf("pointerlink version %s (protocol v%d)\n", version, protocol.Version)
	return nil
}

func cmdRun(ctx context.Context, args []string) error {
	fs, g := newFlagSet("run")
	autoAccept := fs.Bool("auto-accept", false, "accept every valid control request")
	exclusive := fs.Bool("exclusive", false, "allow only one controller at a time")
	if err := fs.Parse(args); err != nil {
		return err
	}
	env, err := g.load()
	if err != nil {
		return err
	}
	defer env.close()
	if fs.Changed("auto-accept") {
		env.cfg.Handoff.AutoAccept = *autoAccept
	}
	if fs.Changed("exclusive") {
		env.cfg.Relay.Exclusive = *exclusive
	}

	n, err := newNode(env.cfg, env.logger)
	if err != nil {
		return err
	}
	return n.Run(ctx)
}

// cmdUI runs the node in the background and the tray on this goroutine.
func cmdUI(ctx context.Context, args []string) error {
	fs, g := newFlagSet("ui")
	open := fs.Bool("open", false, "open the device panel on start")
	if err := fs.Parse(args); err != nil {
		return err
	}
	env, err := g.load()
	if err != nil {
		return err
	}
	defer env.close()
	if !env.cfg.API.Enabled {
		return errors.New("the ui command needs api.enabled: the panel is served by the local API")
	}

	n, err := newNode(env.cfg, env.logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctl := controller{n: n, cancel: cancel}

	t := tray.New("pointerlink", ctl, n.bus, env.logger.Named("tray"))
	done := make(chan error, 1)
	go func() {
		done <- n.Run(ctx)
		t.Stop()
	}()
	if *open {
		go func() {
			if err := ctl.OpenPanel(); err != nil {
				env.logger.Warnw("Could not open panel", "error", err)
			}
		}()
	}

	t.Run()
	cancel()
	return <-done
}

func cmdAutostart(_ context.Context, args []string) error {
	fs := pflag.NewFlagSet("pointerlink autostart", pflag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	action := "status"
	if fs.NArg() > 0 {
		action = fs.Arg(0)
	}
	switch action {
	case "enable":
		l, err := autostart.Current("ui")
		if err != nil {
			return err
		}
		if err := autostart.Enable(l); err != nil {
			return err
		}
		fmt.Println("Autostart enabled:", l.CommandLine())
	case "disable":
		if err := autostart.Disable(); err != nil {
			return err
		}
		fmt.Println("Autostart disabled")
	case "status":
		if autostart.IsEnabled() {
			fmt.Println("Autostart is enabled")
		} else {
			fmt.Println("Autostart is disabled")
		}
	default:
		return fmt.Errorf("usage: pointerlink autostart [enable|disable|status]")
	}
	return nil
}
