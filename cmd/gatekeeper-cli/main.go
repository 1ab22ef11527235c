// Command gatekeeper-cli is the operator client for a gatekeeper daemon: a
// set of one-shot subcommands plus an interactive REPL, mirroring the
// teacher's split between scripted CLI commands and its bubbletea console.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/gatekeeper-io/gatekeeper/internal/brand"
	"github.com/gatekeeper-io/gatekeeper/internal/ctlclient"
	"github.com/gatekeeper-io/gatekeeper/internal/driver"
)

func main() {
	fs := flag.NewFlagSet(brand.ClientBinaryName, flag.ExitOnError)
	addr := fs.String("addr", fmt.Sprintf("127.0.0.1:%d", brand.DefaultPort), "gatekeeper daemon address")
	accessKey := fs.String("access-key", os.Getenv(brand.ConfigEnvPrefix+"_ACCESS_KEY"), "shared access key")
	secure := fs.Bool("secure", true, "use the secure key-exchange handshake")
	fs.Parse(os.Args[1:])

	args := fs.Args()
	if len(args) == 0 {
		if err := runREPL(*addr, *accessKey, *secure); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", brand.ClientBinaryName, err)
			os.Exit(1)
		}
		return
	}

	if *accessKey == "" {
		fmt.Fprintf(os.Stderr, "%s: --access-key is required\n", brand.ClientBinaryName)
		os.Exit(1)
	}

	c, err := ctlclient.Dial(*addr, []byte(*accessKey), *secure)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: connect: %v\n", brand.ClientBinaryName, err)
		os.Exit(1)
	}
	defer c.Close()

	out, err := runOneShot(c, args)
	if out != "" {
		fmt.Println(out)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", brand.ClientBinaryName, err)
		os.Exit(1)
	}
}

// runOneShot dispatches a single command line's worth of arguments against
// an already-authenticated client and returns its result as text. It never
// writes to stdout itself, so the REPL can render the same result inside
// its own scrollback instead.
func runOneShot(c *ctlclient.Client, args []string) (string, error) {
	switch args[0] {
	case "status":
		return c.Status()

	case "logs":
		n := 0
		if len(args) > 1 {
			var err error
			n, err = strconv.Atoi(args[1])
			if err != nil {
				return "", fmt.Errorf("invalid entry count %q", args[1])
			}
		}
		return c.Logs(n)

	case "list":
		if len(args) < 2 {
			return "", fmt.Errorf("usage: list ports|accepts")
		}
		switch args[1] {
		case "ports":
			ports, err := c.ListBlockedTCPPorts()
			if err != nil {
				return "", err
			}
			return formatPorts(ports), nil
		case "accepts":
			pairs, err := c.ListAcceptedAddressesOnTCPPorts()
			if err != nil {
				return "", err
			}
			return formatAccepts(pairs), nil
		default:
			return "", fmt.Errorf("usage: list ports|accepts")
		}

	case "block":
		port, err := requirePort(args, 1)
		if err != nil {
			return "", err
		}
		ok, err := c.Block(port)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("block: %t", ok), nil

	case "unblock":
		port, err := requirePort(args, 1)
		if err != nil {
			return "", err
		}
		ok, err := c.Unblock(port)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("unblock: %t", ok), nil

	case "accept":
		if len(args) != 3 {
			return "", fmt.Errorf("usage: accept <addr> <port>")
		}
		port, err := strconv.Atoi(args[2])
		if err != nil {
			return "", fmt.Errorf("invalid port %q", args[2])
		}
		ok, err := c.Accept(args[1], port)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("accepted: %t", ok), nil

	case "unaccept":
		if len(args) < 2 || len(args) > 3 {
			return "", fmt.Errorf("usage: unaccept <addr> [port]")
		}
		var portPtr *int
		if len(args) == 3 {
			port, err := strconv.Atoi(args[2])
			if err != nil {
				return "", fmt.Errorf("invalid port %q", args[2])
			}
			portPtr = &port
		}
		ok, err := c.Unaccept(args[1], portPtr)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("unaccepted: %t", ok), nil

	case "disconnect":
		return "", c.Disconnect()

	default:
		return "", fmt.Errorf("unknown command %q", args[0])
	}
}

func requirePort(args []string, idx int) (int, error) {
	if len(args) <= idx {
		return 0, fmt.Errorf("usage: %s <port>", args[0])
	}
	port, err := strconv.Atoi(args[idx])
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", args[idx])
	}
	return port, nil
}

func formatPorts(ports []int) string {
	if len(ports) == 0 {
		return "(none blocked)"
	}
	out := "blocked:"
	for _, p := range ports {
		out += fmt.Sprintf(" %d", p)
	}
	return out
}

func formatAccepts(pairs []driver.AddrPort) string {
	if len(pairs) == 0 {
		return "(no accept exceptions)"
	}
	out := "accepted:"
	for _, ap := range pairs {
		out += fmt.Sprintf(" %s:%d", ap.Addr, ap.Port)
	}
	return out
}
