// Command gatekeeperd is the gatekeeper control-plane daemon: it loads an
// HCL config, resolves the configured firewall driver, and accepts
// operator connections until told to stop.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gatekeeper-io/gatekeeper/internal/brand"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		startFlags := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := startFlags.String("config", brand.DefaultConfigPath(), "Configuration file")
		startFlags.StringVar(configFile, "c", brand.DefaultConfigPath(), "Configuration file (short)")
		foreground := startFlags.Bool("foreground", false, "Run in foreground (don't daemonize)")
		startFlags.BoolVar(foreground, "f", false, "Run in foreground (short)")
		startFlags.Parse(os.Args[2:])

		if *foreground {
			if err := RunForeground(*configFile); err != nil {
				fmt.Fprintf(os.Stderr, "%s: start failed: %v\n", brand.BinaryName, err)
				os.Exit(1)
			}
		} else {
			if err := RunBackground(*configFile); err != nil {
				fmt.Fprintf(os.Stderr, "%s: start failed: %v\n", brand.BinaryName, err)
				os.Exit(1)
			}
		}

	case "stop":
		if err := RunStop(); err != nil {
			fmt.Fprintf(os.Stderr, "%s: stop failed: %v\n", brand.BinaryName, err)
			os.Exit(1)
		}

	case "status":
		if err := RunStatus(); err != nil {
			fmt.Fprintf(os.Stderr, "%s: status failed: %v\n", brand.BinaryName, err)
			os.Exit(1)
		}

	case "version":
		fmt.Printf("%s version %s (build %s)\n", brand.Name, brand.Version, brand.BuildTime)

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "%s: unknown command %q\n\n", brand.BinaryName, os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`%s - %s

Usage:
  %s <command> [options]

Commands:
  start     Start the daemon
            Options: --foreground (-f), --config (-c) <file>
  stop      Stop a running daemon started with start (background mode)
  status    Query the running daemon over its own control connection
  version   Print version information

`, brand.Name, brand.Description, brand.BinaryName)
}
