// Command objmapperd runs the object-mapping daemon: it binds a
// Unix-domain socket and hands out live file descriptors over that socket
// for objects it manages across a tiered set of storage backends.
//
// Usage:
//
//	objmapperd [flags]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacobsa/daemonize"
	"github.com/objmapper/objmapperd/internal/cfg"
	"github.com/objmapper/objmapperd/internal/objmapperd"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// inBackgroundEnvVar marks a re-exec'd child as already daemonized,
// telling a background process apart from the one a user invoked
// directly.
const inBackgroundEnvVar = "OBJMAPPERD_IN_BACKGROUND"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	var foreground bool
	var printConfig bool

	cmd := &cobra.Command{
		Use:   "objmapperd",
		Short: "Zero-copy object-mapping daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, configFile, foreground, printConfig)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "Path to a YAML configuration file.")
	flags.BoolVar(&foreground, "foreground", false, "Run in the foreground instead of daemonizing.")
	flags.BoolVar(&printConfig, "print-config", false, "Print the effective configuration as YAML and exit.")
	if err := cfg.BindFlags(flags); err != nil {
		panic(fmt.Sprintf("objmapperd: binding flags: %v", err))
	}

	return cmd
}

func run(cmd *cobra.Command, configFile string, foreground, printConfig bool) error {
	v := viper.GetViper()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
	}

	c, err := cfg.Load(v)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if printConfig {
		out, err := c.DumpYAML()
		if err != nil {
			return fmt.Errorf("rendering config: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	}

	if !foreground && os.Getenv(inBackgroundEnvVar) == "" {
		return runDaemonized(configFile)
	}

	daemon, err := objmapperd.New(c)
	if err != nil {
		reportOutcome(err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reportOutcome(nil)
	return daemon.Run(ctx)
}

// runDaemonized re-execs the current binary with --foreground set and
// waits for the child to report its startup outcome.
func runDaemonized(configFile string) error {
	path, err := os.Executable()
	if err != nil {
		return fmt.Errorf("os.Executable: %w", err)
	}

	args := append([]string{"--foreground"}, os.Args[1:]...)

	env := []string{
		fmt.Sprintf("PATH=%s", os.Getenv("PATH")),
		fmt.Sprintf("%s=true", inBackgroundEnvVar),
	}
	if home, homeErr := os.UserHomeDir(); homeErr == nil {
		env = append(env, fmt.Sprintf("HOME=%s", home))
	}
	_ = configFile // already folded into args via os.Args passthrough

	if err := daemonize.Run(path, args, env, os.Stdout, os.Stderr); err != nil {
		return fmt.Errorf("daemonize.Run: %w", err)
	}
	fmt.Fprintln(os.Stdout, "objmapperd has been started in the background.")
	return nil
}

// reportOutcome tells a daemonize-launched parent whether startup
// succeeded. It is a no-op when this process was invoked directly rather
// than via runDaemonized.
func reportOutcome(err error) {
	if os.Getenv(inBackgroundEnvVar) == "" {
		return
	}
	if sigErr := daemonize.SignalOutcome(err); sigErr != nil {
		fmt.Fprintf(os.Stderr, "objmapperd: signaling daemonize outcome: %v\n", sigErr)
	}
}
