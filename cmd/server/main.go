package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"echofleet/server"

	"github.com/pkg/errors"
)

type cliOptions struct {
	ConfigPath string
	Mode       string
	Multi      bool
	Port       int
	Ports      string
	Host       string
	HostSet    bool
	AdminAddr  string
	ProxyAddr  string
	LogFile    string
	Watch      bool
}

func parseFlags(args []string, output io.Writer) (cliOptions, error) {
	var opts cliOptions

	fs := flag.NewFlagSet("echofleet", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.ConfigPath, "config", "", "path to a JSON or YAML config file")
	fs.StringVar(&opts.Mode, "mode", "http", "protocol for flag-defined listeners: http or ws")
	fs.BoolVar(&opts.Multi, "multi", false, "serve on 8081,8082,8083 unless -ports is given")
	fs.IntVar(&opts.Port, "port", 0, "single port to serve on (default 8000)")
	fs.StringVar(&opts.Ports, "ports", "", "comma-separated ports to serve on")
	fs.StringVar(&opts.Host, "host", "", "host to bind (default: localhost for ws, all interfaces for http)")
	fs.StringVar(&opts.AdminAddr, "admin", "", "address for the health/metrics endpoint, empty to disable")
	fs.StringVar(&opts.ProxyAddr, "proxy", "", "address for a round-robin TCP proxy in front of the listeners, empty to disable")
	fs.StringVar(&opts.LogFile, "log-file", "", "also append log output to this file")
	fs.BoolVar(&opts.Watch, "watch", false, "restart the fleet when the config file changes (open connections get shutdown.reload_grace_period_ms)")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "host" {
			opts.HostSet = true
		}
	})
	return opts, nil
}

// resolveConfig merges the config file (if any) with flags. Listener
// flags replace the file's listeners; without a file they always apply.
func resolveConfig(opts cliOptions) (*AppConfig, error) {
	proto, err := server.ParseProtocol(opts.Mode)
	if err != nil {
		return nil, err
	}

	var cfg *AppConfig
	if opts.ConfigPath != "" {
		cfg, err = readConfigFile(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = defaultConfig()
	}

	listenerFlags := opts.Ports != "" || opts.Port != 0 || opts.Multi
	if opts.ConfigPath == "" || listenerFlags {
		ports := []int{defaultSinglePort}
		switch {
		case opts.Ports != "":
			if ports, err = parsePorts(opts.Ports); err != nil {
				return nil, err
			}
		case opts.Port != 0:
			ports = []int{opts.Port}
		case opts.Multi:
			ports = append([]int(nil), defaultMultiPorts...)
		}

		host := ""
		if proto == server.ProtocolWebSocket {
			host = defaultWSHost
		}
		if opts.HostSet {
			host = opts.Host
		}

		cfg.Host = host
		cfg.Listeners = cfg.Listeners[:0]
		for _, p := range ports {
			cfg.Listeners = append(cfg.Listeners, server.ListenerConfig{Host: host, Port: p, Protocol: proto})
		}
	} else if opts.HostSet {
		cfg.Host = opts.Host
		for i := range cfg.Listeners {
			cfg.Listeners[i].Host = opts.Host
		}
	}

	if opts.AdminAddr != "" {
		cfg.AdminAddr = opts.AdminAddr
	}
	if opts.ProxyAddr != "" {
		cfg.Proxy.Addr = opts.ProxyAddr
	}
	if opts.LogFile != "" {
		cfg.LogFile = opts.LogFile
	}
	return cfg, nil
}

func newFleet(cfg *AppConfig, metrics *server.Metrics) (*server.Fleet, error) {
	return server.NewFleet(cfg.Listeners,
		server.WithPollInterval(time.Duration(cfg.PollIntervalMs)*time.Millisecond),
		server.WithShutdownPolicy(cfg.ShutdownPolicy()),
		server.WithHandlerOptions(server.HandlerOptions{
			MaxBodyBytes: cfg.MaxBodyBytes,
			Metrics:      metrics,
		}),
	)
}

// runFleets runs fleets until ctx is cancelled or one fails. With a
// non-empty watchPath every change to that file stops the current fleet
// and starts a new one from reload(). The old fleet drains with the
// interrupt mode but never longer than the reload grace period. A reload
// that fails keeps the previous config.
func runFleets(ctx context.Context, cfg *AppConfig, reload func() (*AppConfig, error), watchPath string, metrics *server.Metrics, current *atomic.Pointer[server.Fleet]) error {
	for {
		fleet, err := newFleet(cfg, metrics)
		if err != nil {
			return errors.Wrap(err, "configure fleet")
		}
		current.Store(fleet)
		printBanner(cfg)

		fleetCtx, cancel := context.WithCancel(ctx)
		var reloading atomic.Bool
		if watchPath != "" {
			mode := server.DrainMode(cfg.Shutdown.OnInterrupt)
			grace := cfg.Shutdown.ReloadGrace()
			err := server.WatchFile(fleetCtx, watchPath, func() {
				reloading.Store(true)
				go fleet.ShutdownWithin(mode, grace)
			})
			if err != nil {
				log.Printf("[reload] disabled: %v", err)
			}
		}

		err = fleet.Run(fleetCtx)
		cancel()
		if err != nil {
			return err
		}
		if ctx.Err() != nil || !reloading.Load() {
			return nil
		}

		next, err := reload()
		if err != nil {
			log.Printf("[reload] %v, keeping previous config", err)
		} else {
			cfg = next
		}
		log.Printf("[reload] restarting fleet with %d listeners", len(cfg.Listeners))
	}
}

// startProxy binds the configured proxy and serves it until ctx is done.
// onFail runs if the proxy stops on its own; the channel yields Serve's
// result.
func startProxy(ctx context.Context, cfg *AppConfig, onFail func()) (*server.Proxy, <-chan error, error) {
	p, err := server.NewProxy(cfg.ProxyConfig())
	if err != nil {
		return nil, nil, errors.Wrap(err, "configure proxy")
	}
	if err := p.Start(); err != nil {
		return nil, nil, err
	}

	done := make(chan error, 1)
	go func() {
		err := p.Serve(ctx)
		if err != nil {
			log.Printf("[proxy] %v", err)
			onFail()
		}
		done <- err
	}()
	return p, done, nil
}

func printBanner(cfg *AppConfig) {
	log.Println("=============================================")
	log.Printf(" echofleet: %d listeners", len(cfg.Listeners))
	log.Println("=============================================")
	for _, l := range cfg.Listeners {
		log.Printf("   %-9s %s", l.Protocol, l.Address())
	}
	log.Printf(" Liveness poll: %dms", cfg.PollIntervalMs)
	log.Printf(" Shutdown: interrupt=%s failure=%s grace=%dms",
		cfg.Shutdown.OnInterrupt, cfg.Shutdown.OnFailure, cfg.Shutdown.GracePeriodMs)
	if cfg.AdminAddr != "" {
		log.Printf(" Admin: http://%s/__echofleet/health", cfg.AdminAddr)
	}
	if cfg.Proxy.Addr != "" {
		log.Printf(" Proxy: %s (backends fixed at startup)", cfg.Proxy.Addr)
	}
	log.Println("=============================================")
}

// serve is main without os.Exit so deferred cleanup runs. It returns the
// process exit code.
func serve(args []string) int {
	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		return 2
	}

	cfg, err := resolveConfig(opts)
	if err != nil {
		log.Printf("[config] %v", err)
		return 2
	}

	watchPath := ""
	if opts.Watch {
		if opts.ConfigPath == "" {
			log.Println("[reload] -watch needs -config, ignoring")
		} else {
			watchPath = opts.ConfigPath
		}
	}

	if cfg.LogFile != "" {
		closer, err := openLogFile(cfg.LogFile)
		if err != nil {
			log.Printf("[config] %v", err)
			return 2
		}
		defer closer.Close()
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	metrics := server.NewMetrics()
	var current atomic.Pointer[server.Fleet]

	if cfg.AdminAddr != "" {
		admin := &http.Server{
			Addr:    cfg.AdminAddr,
			Handler: newAdminMux(&current, metrics),
		}
		go func() {
			if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("[admin] listen error: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = admin.Shutdown(shutdownCtx)
		}()
	}

	var proxyDone <-chan error
	if cfg.Proxy.Addr != "" {
		_, done, err := startProxy(ctx, cfg, cancel)
		if err != nil {
			log.Printf("[proxy] %v", err)
			return 1
		}
		proxyDone = done
	}

	reload := func() (*AppConfig, error) { return resolveConfig(opts) }
	err = runFleets(ctx, cfg, reload, watchPath, metrics, &current)
	cancel()
	if proxyDone != nil {
		if perr := <-proxyDone; perr != nil && err == nil {
			err = perr
		}
	}
	if err != nil {
		log.Printf("[fleet] exiting: %v", err)
		return 1
	}

	log.Println("[shutdown] all listeners stopped")
	return 0
}

func main() {
	os.Exit(serve(os.Args[1:]))
}
