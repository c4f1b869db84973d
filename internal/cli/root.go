package cli

import (
	stdcontext "context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	httpapi "github.com/Paintersrp/warden/internal/api/http"
	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/logging"
)

// EnvAPIAddr overrides the address operator commands talk to.
const EnvAPIAddr = "WARDEN_API"

// Version is stamped at build time.
var Version = "dev"

// NewRootCmd builds the warden command tree.
func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	ctx := &context{}

	root := &cobra.Command{
		Use:     "warden",
		Short:   "Privilege-separated process supervisor",
		Version: Version,
	}

	root.PersistentFlags().StringVarP(&ctx.configPath, "config", "c", "", "Path to warden.yaml (default $WARDEN_CONFIG or the data directory)")
	root.PersistentFlags().StringVar(&ctx.apiAddr, "api", "", "Supervisor API address (default $WARDEN_API or api_addr from the config)")
	root.PersistentFlags().StringVar(&ctx.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")

	root.AddCommand(newLaunchCmd(ctx))
	root.AddCommand(newSupervisorCmd(ctx))
	root.AddCommand(newSvcCmd(ctx))
	root.AddCommand(newShutdownCmd(ctx))
	root.AddCommand(newTuiCmd(ctx))
	root.AddCommand(newConfigCmd(ctx))

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, ctx
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// context carries the persistent flags shared by every command.
type context struct {
	configPath string
	apiAddr    string
	logLevel   string
}

func (c *context) hostPath() string {
	if strings.TrimSpace(c.configPath) != "" {
		return c.configPath
	}
	return config.DefaultHostPath()
}

// loadHost reads the host configuration. Only an implicit default path may
// be missing.
func (c *context) loadHost() (*config.Host, string, error) {
	path := c.hostPath()
	host, err := config.LoadHost(path, strings.TrimSpace(c.configPath) == "")
	if err != nil {
		return nil, "", err
	}
	return host, path, nil
}

// logger configures the process-wide logger for a long-running command.
func (c *context) logger() zerolog.Logger {
	cfg := logging.DefaultConfig()
	if lvl, ok := logging.ParseLevel(c.logLevel); ok {
		cfg.Level = lvl
	}
	return logging.Configure(cfg)
}

// resolveAPIAddr picks the flag, then WARDEN_API, then the host config.
func (c *context) resolveAPIAddr() string {
	if addr := strings.TrimSpace(c.apiAddr); addr != "" {
		return addr
	}
	if addr := strings.TrimSpace(os.Getenv(EnvAPIAddr)); addr != "" {
		return addr
	}
	if host, _, err := c.loadHost(); err == nil && host.APIAddr != "" {
		return host.APIAddr
	}
	return config.DefaultAPIAddr
}

func (c *context) client() (*httpapi.Client, error) {
	return httpapi.NewClient(c.resolveAPIAddr())
}
