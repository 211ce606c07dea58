package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"tailscale.com/tsnet"

	"github.com/tidemux/tidemux/internal/config"
	"github.com/tidemux/tidemux/internal/notify"
	tmrt "github.com/tidemux/tidemux/internal/runtime"
	"github.com/tidemux/tidemux/internal/server"
	"github.com/tidemux/tidemux/internal/store"
	"github.com/tidemux/tidemux/internal/worktree"
)

var version = "0.1.0"

func main() {
	port := flag.Int("port", 0, "port number (auto-increments if busy, overrides TIDEMUX_PORT)")
	debug := flag.Bool("debug", false, "enable debug logging")
	noOpen := flag.Bool("no-open", false, "do not open the browser on start")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Println("tidemux", version)
		return
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *noOpen {
		cfg.NoOpen = true
	}

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.DBPath, "err", err)
		os.Exit(1)
	}
	defer st.Close()

	pusher, err := notify.NewManager(logger)
	if err != nil {
		logger.Error("failed to init push notifications", "err", err)
		os.Exit(1)
	}

	rt := tmrt.New(cfg, st, pusher, pusher, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("failed to start runtime", "err", err)
		os.Exit(1)
	}

	srv := server.New(server.Config{
		Runtime:   rt,
		Push:      pusher,
		Worktrees: worktree.New(logger),
		Logger:    logger,
		App:       cfg,
		Version:   version,
	})

	if cfg.TSNetHostname != "" {
		serveTailscale(ctx, srv, cfg, logger)
	} else {
		serveLocal(srv, cfg, logger)
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
}

func serveLocal(srv *server.Server, cfg config.Config, logger *slog.Logger) {
	if !cfg.Loopback() && !cfg.AllowNonLoop {
		logger.Warn("host is not loopback but TIDEMUX_ALLOW_NON_LOOPBACK is unset; requests will be rejected",
			"host", cfg.Host)
	}
	ln, err := listenWithFallback(cfg.Host, cfg.Port, 10, logger)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}
	url := fmt.Sprintf("http://%s/?token=%s", ln.Addr().String(), cfg.Token)
	fmt.Fprintf(os.Stderr, "\n  tidemux v%s running at:\n\n    %s\n\n", version, url)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "err", err)
			os.Exit(1)
		}
	}()
	if !cfg.NoOpen {
		openBrowser(url, logger)
	}
}

func serveTailscale(ctx context.Context, srv *server.Server, cfg config.Config, logger *slog.Logger) {
	tsServer := &tsnet.Server{
		Hostname: cfg.TSNetHostname,
		Logf:     func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...)) },
	}

	ln, err := tsServer.ListenTLS("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		logger.Error("failed to listen on tailscale", "err", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "\n  tidemux v%s running at:\n\n", version)
	lc, _ := tsServer.LocalClient()
	if lc != nil {
		if status, err := lc.Status(ctx); err == nil {
			if status.Self != nil {
				dnsName := strings.TrimSuffix(status.Self.DNSName, ".")
				if dnsName != "" {
					if cfg.Port == 443 {
						fmt.Fprintf(os.Stderr, "    https://%s\n", dnsName)
					} else {
						fmt.Fprintf(os.Stderr, "    https://%s:%d\n", dnsName, cfg.Port)
					}
				}
			}
			for _, ip := range status.TailscaleIPs {
				fmt.Fprintf(os.Stderr, "    https://%s:%d\n", ip, cfg.Port)
			}
		} else {
			logger.Warn("could not get tailscale status", "err", err)
		}
	}
	fmt.Fprintln(os.Stderr)

	go func() {
		// TLS is terminated by the tsnet listener.
		srv.SetTLSConfig(&tls.Config{})
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "err", err)
			os.Exit(1)
		}
	}()
}

func listenWithFallback(host string, startPort, maxAttempts int, logger *slog.Logger) (net.Listener, error) {
	for i := range maxAttempts {
		port := startPort + i
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			if i > 0 {
				logger.Info("port was busy, using fallback", "requested", startPort, "actual", port)
			}
			return ln, nil
		}
		if !strings.Contains(err.Error(), "address already in use") {
			return nil, err
		}
	}
	return nil, fmt.Errorf("all ports %d-%d are in use", startPort, startPort+maxAttempts-1)
}

func openBrowser(url string, logger *slog.Logger) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		logger.Debug("could not open browser", "err", err)
	}
}
