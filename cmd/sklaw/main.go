// sklaw - command line agent for the Squad Klaw protocol
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/squadklaw/squadklaw/internal/config"
	"github.com/squadklaw/squadklaw/internal/home"
)

type command struct {
	name  string
	usage string
	run   func(c *cli, ctx context.Context, args []string) error
}

var commands = []command{
	{"init", "Create an agent identity and card", (*cli).initAgent},
	{"status", "Show the local agent and its directory listing", (*cli).status},
	{"register", "Register or renew the agent with the directory", (*cli).register},
	{"unregister", "Remove the agent from the directory", (*cli).unregister},
	{"discover", "Search the directory for agents", (*cli).discover},
	{"send", "Start a conversation with another agent", (*cli).send},
	{"serve", "Run the agent endpoint", (*cli).serve},
	{"owner", "Attach an owner console to a running agent", (*cli).owner},
	{"directory", "Run a directory server", (*cli).directory},
	{"demo", "Run an in-process coffee negotiation between two agents", (*cli).demo},
}

// cli carries what every command needs.
type cli struct {
	cfg    *config.Config
	home   home.Home
	out    io.Writer
	in     io.Reader
	logger zerolog.Logger
}

func main() {
	cfg := config.Load()
	c := &cli{cfg: cfg, out: os.Stdout, in: os.Stdin, logger: cfg.LoggerTo(os.Stderr)}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (c *cli) run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sklaw", flag.ContinueOnError)
	fs.SetOutput(c.out)
	homeDir := fs.String("home", c.cfg.Home, "Agent home directory (default ~/.squadklaw)")
	fs.Usage = func() { c.usage(fs) }
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		c.usage(fs)
		return flag.ErrHelp
	}

	h, err := home.Resolve(*homeDir)
	if err != nil {
		return err
	}
	c.home = h

	name := fs.Arg(0)
	for _, cmd := range commands {
		if cmd.name == name {
			return cmd.run(c, ctx, fs.Args()[1:])
		}
	}
	c.usage(fs)
	return fmt.Errorf("unknown command %q", name)
}

func (c *cli) usage(fs *flag.FlagSet) {
	fmt.Fprintln(c.out, "Usage: sklaw [-home dir] <command> [flags]")
	fmt.Fprintln(c.out, "\nCommands:")
	for _, cmd := range commands {
		fmt.Fprintf(c.out, "  %-11s %s\n", cmd.name, cmd.usage)
	}
	fmt.Fprintln(c.out, "\nGlobal flags:")
	fs.PrintDefaults()
}

func (c *cli) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("sklaw "+name, flag.ContinueOnError)
	fs.SetOutput(c.out)
	return fs
}
