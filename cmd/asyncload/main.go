// Command asyncload loads and copies files through the asyncio engine.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/webriots/asyncio"
	"github.com/webriots/asyncio/internal/config"
)

type app struct {
	configFile string
	cfg        *config.Config
	stdout     io.Writer
	stderr     io.Writer
}

func (a *app) engine() (*asyncio.Engine, error) {
	log := a.cfg.Logger(a.stderr)
	return asyncio.New(a.cfg.Options(log)...)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "asyncload",
		Short:         "Asynchronous file loading and copying",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configFile, cmd.Flags())
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (yaml, json or toml)")
	pf.String("backend", "auto", "backend: auto, generic, iouring or ioring")
	pf.Int("max-threads", 0, "generic backend worker limit (0 for the default)")
	pf.Duration("idle-timeout", asyncio.DefaultIdleTimeout, "generic worker idle timeout")
	pf.Uint32("ring-entries", asyncio.DefaultRingEntries, "kernel ring submission queue depth")
	pf.String("log-level", "info", "debug, info, warn or error")
	pf.String("log-format", "text", "text or json")

	root.AddCommand(
		newLoadCmd(a),
		newCopyCmd(a),
		newBackendCmd(a),
	)
	return root
}

func newBackendCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "backend",
		Short: "Print the backend the engine selects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.engine()
			if err != nil {
				return err
			}
			defer e.Close()
			fmt.Fprintln(a.stdout, e.Backend())
			return nil
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
