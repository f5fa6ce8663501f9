package main

import (
	"encoding/json"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"echofleet/server"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	defaultSinglePort    = 8000
	defaultWSHost        = "localhost"
	defaultReloadGraceMs = 5000
)

var defaultMultiPorts = []int{8081, 8082, 8083}

type ShutdownConfig struct {
	OnInterrupt   string `json:"on_interrupt" yaml:"on_interrupt"`
	OnFailure     string `json:"on_failure" yaml:"on_failure"`
	GracePeriodMs int    `json:"grace_period_ms" yaml:"grace_period_ms"`
	// bounds how long a config reload waits for open connections
	ReloadGracePeriodMs int `json:"reload_grace_period_ms" yaml:"reload_grace_period_ms"`
}

func (c ShutdownConfig) ReloadGrace() time.Duration {
	return time.Duration(c.ReloadGracePeriodMs) * time.Millisecond
}

// ProxyConfig puts a round-robin TCP proxy in front of the fleet. With no
// backends listed it forwards to the fleet's own listeners.
type ProxyConfig struct {
	Addr              string   `json:"addr" yaml:"addr"`
	Backends          []string `json:"backends" yaml:"backends"`
	BufferSize        int      `json:"buffer_size" yaml:"buffer_size"`
	KeepAlive         bool     `json:"keep_alive" yaml:"keep_alive"`
	KeepAlivePeriodMs int      `json:"keep_alive_period_ms" yaml:"keep_alive_period_ms"`
	DialTimeoutMs     int      `json:"dial_timeout_ms" yaml:"dial_timeout_ms"`
}

type AppConfig struct {
	Host           string                  `json:"host" yaml:"host"`
	Listeners      []server.ListenerConfig `json:"listeners" yaml:"listeners"`
	PollIntervalMs int                     `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	MaxBodyBytes   int64                   `json:"max_body_bytes" yaml:"max_body_bytes"`
	AdminAddr      string                  `json:"admin_addr" yaml:"admin_addr"`
	LogFile        string                  `json:"log_file" yaml:"log_file"`
	Shutdown       ShutdownConfig          `json:"shutdown" yaml:"shutdown"`
	Proxy          ProxyConfig             `json:"proxy" yaml:"proxy"`
}

// defaultConfig is a single HTTP echo listener on all interfaces.
func defaultConfig() *AppConfig {
	return &AppConfig{
		Listeners: []server.ListenerConfig{
			{Port: defaultSinglePort, Protocol: server.ProtocolHTTP},
		},
		PollIntervalMs: int(server.DefaultPollInterval / time.Millisecond),
		MaxBodyBytes:   server.DefaultMaxBodyBytes,
		Shutdown: ShutdownConfig{
			OnInterrupt:         string(server.DrainWait),
			OnFailure:           string(server.DrainClose),
			ReloadGracePeriodMs: defaultReloadGraceMs,
		},
		Proxy: ProxyConfig{
			BufferSize:    server.DefaultProxyBufferSize,
			DialTimeoutMs: int(server.DefaultProxyDialTimeout / time.Millisecond),
		},
	}
}

func (c *AppConfig) ShutdownPolicy() server.ShutdownPolicy {
	return server.ShutdownPolicy{
		OnInterrupt: server.DrainMode(c.Shutdown.OnInterrupt),
		OnFailure:   server.DrainMode(c.Shutdown.OnFailure),
		GracePeriod: time.Duration(c.Shutdown.GracePeriodMs) * time.Millisecond,
	}
}

// ProxyConfig resolves the proxy section. Backends default to every
// listener with a fixed port; wildcard hosts are dialled on loopback.
func (c *AppConfig) ProxyConfig() server.ProxyConfig {
	backends := append([]string(nil), c.Proxy.Backends...)
	if len(backends) == 0 {
		for _, l := range c.Listeners {
			if l.Port == 0 {
				continue
			}
			host := l.Host
			if host == "" || host == "0.0.0.0" || host == "::" {
				host = "127.0.0.1"
			}
			backends = append(backends, net.JoinHostPort(host, strconv.Itoa(l.Port)))
		}
	}

	return server.ProxyConfig{
		Addr:            c.Proxy.Addr,
		Backends:        backends,
		BufferSize:      c.Proxy.BufferSize,
		KeepAlive:       c.Proxy.KeepAlive,
		KeepAlivePeriod: time.Duration(c.Proxy.KeepAlivePeriodMs) * time.Millisecond,
		DialTimeout:     time.Duration(c.Proxy.DialTimeoutMs) * time.Millisecond,
	}
}

// readConfigFile parses path as YAML when it ends in .yaml/.yml and as
// JSON otherwise, then validates it.
func readConfigFile(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	var cfg AppConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}

	validateConfig(&cfg)
	return &cfg, nil
}

// loadConfig tries to read path; falls back to defaults on any error.
func loadConfig(path string) *AppConfig {
	cfg, err := readConfigFile(path)
	if err != nil {
		log.Printf("[config] %v, using defaults", err)
		return defaultConfig()
	}
	return cfg
}

// validateConfig repairs invalid values in place, logging each fix.
// Duplicate ports are left alone; the fleet refuses to start with them.
func validateConfig(cfg *AppConfig) {
	def := defaultConfig()

	if cfg.PollIntervalMs <= 0 {
		log.Printf("[config] poll_interval_ms=%d is invalid, falling back to %d", cfg.PollIntervalMs, def.PollIntervalMs)
		cfg.PollIntervalMs = def.PollIntervalMs
	}

	if cfg.MaxBodyBytes <= 0 {
		log.Printf("[config] max_body_bytes=%d is invalid, falling back to %d", cfg.MaxBodyBytes, def.MaxBodyBytes)
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}

	//
	// -------------------------
	// Shutdown policy
	// -------------------------
	//

	if !server.DrainMode(cfg.Shutdown.OnInterrupt).Valid() {
		if cfg.Shutdown.OnInterrupt != "" {
			log.Printf("[config] shutdown.on_interrupt=%q is invalid, using %q", cfg.Shutdown.OnInterrupt, def.Shutdown.OnInterrupt)
		}
		cfg.Shutdown.OnInterrupt = def.Shutdown.OnInterrupt
	}
	if !server.DrainMode(cfg.Shutdown.OnFailure).Valid() {
		if cfg.Shutdown.OnFailure != "" {
			log.Printf("[config] shutdown.on_failure=%q is invalid, using %q", cfg.Shutdown.OnFailure, def.Shutdown.OnFailure)
		}
		cfg.Shutdown.OnFailure = def.Shutdown.OnFailure
	}
	if cfg.Shutdown.GracePeriodMs < 0 {
		log.Printf("[config] shutdown.grace_period_ms=%d is invalid, waiting without limit", cfg.Shutdown.GracePeriodMs)
		cfg.Shutdown.GracePeriodMs = 0
	}
	if cfg.Shutdown.ReloadGracePeriodMs <= 0 {
		if cfg.Shutdown.ReloadGracePeriodMs < 0 {
			log.Printf("[config] shutdown.reload_grace_period_ms=%d is invalid, falling back to %d", cfg.Shutdown.ReloadGracePeriodMs, def.Shutdown.ReloadGracePeriodMs)
		}
		cfg.Shutdown.ReloadGracePeriodMs = def.Shutdown.ReloadGracePeriodMs
	}

	//
	// -------------------------
	// Proxy
	// -------------------------
	//

	if cfg.Proxy.BufferSize <= 0 {
		cfg.Proxy.BufferSize = server.DefaultProxyBufferSize
	}
	if cfg.Proxy.DialTimeoutMs <= 0 {
		cfg.Proxy.DialTimeoutMs = int(server.DefaultProxyDialTimeout / time.Millisecond)
	}
	if cfg.Proxy.KeepAlivePeriodMs < 0 {
		log.Printf("[config] proxy.keep_alive_period_ms=%d is invalid, using the system default", cfg.Proxy.KeepAlivePeriodMs)
		cfg.Proxy.KeepAlivePeriodMs = 0
	}

	//
	// -------------------------
	// Listeners
	// -------------------------
	//

	if len(cfg.Listeners) == 0 {
		log.Printf("[config] no listeners configured, using default listeners")
		cfg.Listeners = def.Listeners
	}

	kept := cfg.Listeners[:0]
	for i, l := range cfg.Listeners {
		if l.Port < 0 || l.Port > 65535 {
			log.Printf("[config] listeners[%d].port=%d is out of range, this listener is ignored", i, l.Port)
			continue
		}

		proto, err := server.ParseProtocol(string(l.Protocol))
		if err != nil {
			if l.Protocol != "" {
				log.Printf("[config] listeners[%d].protocol=%q is invalid, using http", i, l.Protocol)
			}
			proto = server.ProtocolHTTP
		}
		l.Protocol = proto

		if l.Host == "" {
			l.Host = cfg.Host
		}
		kept = append(kept, l)
	}
	cfg.Listeners = kept

	if len(cfg.Listeners) == 0 {
		log.Printf("[config] every listener was invalid, using default listeners")
		cfg.Listeners = def.Listeners
	}
}

// parsePorts reads a comma-separated port list such as "8081,8082".
func parsePorts(s string) ([]int, error) {
	var ports []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p, err := strconv.Atoi(part)
		if err != nil || p < 0 || p > 65535 {
			return nil, errors.Errorf("invalid port %q", part)
		}
		ports = append(ports, p)
	}
	if len(ports) == 0 {
		return nil, errors.Errorf("no ports in %q", s)
	}
	return ports, nil
}

// openLogFile mirrors the standard logger into path, appending. The
// returned closer restores stderr-only logging.
func openLogFile(path string) (io.Closer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open log file")
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return closerFunc(func() error {
		log.SetOutput(os.Stderr)
		return f.Close()
	}), nil
}

type closerFunc func() error

func (fn closerFunc) Close() error { return fn() }
