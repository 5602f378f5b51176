// Command registry runs the standalone service registry.
//
// Usage:
//
//	registry [port] [debug|test|debugtest]
//
// port defaults to 8000. "debug" enables verbose console logs; "test"
// pre-registers two demo entries at startup; "debugtest" does both.
// Exits 0 on clean shutdown, non-zero on bind failure.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"relay-rpc/config"
	"relay-rpc/logging"
	"relay-rpc/message"
	"relay-rpc/registry"
)

func main() {
	port := config.DefaultRegistryPort
	var mode string

	args := os.Args[1:]
	if len(args) > 0 {
		p, err := strconv.Atoi(args[0])
		if err != nil || p <= 0 || p > 65535 {
			fmt.Fprintf(os.Stderr, "invalid port %q\n", args[0])
			os.Exit(2)
		}
		port = p
	}
	if len(args) > 1 {
		mode = args[1]
	}

	if strings.Contains(mode, "debug") {
		logging.EnableDebug()
	}
	log := logging.Component("registry-cli")

	srv := registry.NewServer()

	if strings.Contains(mode, "test") {
		for _, info := range demoEntries() {
			srv.Store().Register(info)
			log.Info().Str("service", info.ServiceName).Str("addr", info.Address).Msg("pre-registered demo entry")
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(fmt.Sprintf(":%d", port))
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("registry failed")
			os.Exit(1)
		}
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		if err := srv.Shutdown(5 * time.Second); err != nil {
			log.Warn().Err(err).Msg("shutdown incomplete")
		}
	}
}

func demoEntries() []message.ServiceInfo {
	return []message.ServiceInfo{
		{ServiceName: "demo.EchoService", Version: "1.0.0", Address: "127.0.0.1:9000"},
		{ServiceName: "demo.TimeService", Version: "1.0.0", Address: "127.0.0.1:9001"},
	}
}
