// Command interceptor runs the intercepting proxy supervisor standalone,
// outside a runner process, for local testing against a sandbox network
// namespace without standing up the whole dispatcher.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ocx/sandboxrunner/internal/proxy"
)

func main() {
	var (
		mitmdumpBin  = flag.String("mitmdump-bin", "mitmdump", "path to the mitmdump binary")
		caDir        = flag.String("ca-dir", "/var/lib/ocxrun/mitm-ca", "directory for mitmproxy's generated CA")
		registryPath = flag.String("registry-path", "/var/lib/ocxrun/proxy-registry.json", "path to the VM registry file")
		apiURL       = flag.String("api-url", "", "control plane API URL forwarded to the addon script")
	)
	flag.Parse()

	p, err := proxy.New(proxy.Config{
		MitmdumpBin:  *mitmdumpBin,
		CADir:        *caDir,
		RegistryPath: *registryPath,
		APIURL:       *apiURL,
		Log:          slogAdapter{},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "interceptor: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	slog.Info("interceptor: starting standalone proxy supervisor", "registry", *registryPath)
	if err := p.Supervise(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "interceptor: supervisor exited: %v\n", err)
		os.Exit(1)
	}
	slog.Info("interceptor: stopped")
}

// slogAdapter satisfies proxy.Logger on top of the standard structured
// logger so this standalone entrypoint doesn't need its own logging
// plumbing.
type slogAdapter struct{}

func (slogAdapter) Infof(format string, args ...any) { slog.Info(fmt.Sprintf(format, args...)) }
func (slogAdapter) Warnf(format string, args ...any) { slog.Warn(fmt.Sprintf(format, args...)) }
