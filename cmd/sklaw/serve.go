package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/squadklaw/squadklaw/internal/access"
	"github.com/squadklaw/squadklaw/internal/api"
	"github.com/squadklaw/squadklaw/internal/approval"
)

func (c *cli) serve(ctx context.Context, args []string) error {
	fs := c.flags("serve")
	listen := fs.String("listen", "", "Listen address (default from agent settings)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := c.loadAgent()
	if err != nil {
		return err
	}

	addr := *listen
	if addr == "" {
		addr = a.settings.ListenAddr
	}
	if addr == "" {
		addr = c.cfg.ListenAddr
	}

	h, closeHost, err := c.newHost(ctx, a, nil)
	if err != nil {
		return err
	}
	defer closeHost()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Agent %s (%s) listening on %s\n", a.card.Name, a.card.AgentID, ln.Addr())
	fmt.Fprintf(c.out, "Owner console: sklaw owner -url ws://%s/owner\n", ln.Addr())
	return h.Serve(ctx, ln)
}

func (c *cli) owner(ctx context.Context, args []string) error {
	fs := c.flags("owner")
	url := fs.String("url", "", "Agent owner channel (default ws://localhost<listen>/owner)")
	auto := fs.String("auto", "", "Answer every request without prompting: approve or reject")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *url == "" {
		settings, err := c.home.LoadSettings()
		if err != nil {
			return err
		}
		listen := settings.ListenAddr
		if listen == "" {
			listen = c.cfg.ListenAddr
		}
		if strings.HasPrefix(listen, ":") {
			listen = "localhost" + listen
		}
		*url = "ws://" + listen + "/owner"
	}

	var decide approval.DecideFunc
	switch *auto {
	case "approve", "reject":
		answer := *auto == "approve"
		decide = func(_ context.Context, _ string, req access.Request) (bool, error) {
			fmt.Fprintf(c.out, "Auto-%s %s from %s\n", *auto, req.Message.Intent, req.Sender)
			return answer, nil
		}
	case "":
		decide = c.prompt(bufio.NewScanner(c.in))
	default:
		return fmt.Errorf("-auto must be approve or reject, got %q", *auto)
	}

	console, err := approval.Dial(ctx, *url)
	if err != nil {
		return err
	}
	console.Decide = decide
	console.Observe = c.printFrame
	fmt.Fprintf(c.out, "Connected to %s\n", *url)

	err = console.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *cli) prompt(scanner *bufio.Scanner) approval.DecideFunc {
	return func(ctx context.Context, id string, req access.Request) (bool, error) {
		for {
			fmt.Fprintf(c.out, "Approve %s from %s? [y/n] ", req.Message.Intent, req.Sender)
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil {
					return false, err
				}
				return false, errors.New("input closed")
			}
			switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
			case "y", "yes":
				return true, nil
			case "n", "no":
				return false, nil
			}
		}
	}
}

func (c *cli) printFrame(f approval.Frame) {
	switch f.Type {
	case approval.TypeConnection:
		fmt.Fprintf(c.out, "Owner console attached (%d pending)\n", f.Pending)
	case approval.TypeApprovalRequest:
		if f.Request != nil && f.Request.Message != nil {
			fmt.Fprintf(c.out, "\n[approval %s] %s wants to send %s: %v\n",
				f.ID, f.Request.Sender, f.Request.Message.Intent, f.Request.Message.Payload)
		}
	case approval.TypeApprovalResolved:
		if f.Approve != nil {
			fmt.Fprintf(c.out, "[approval %s] resolved: approved=%t\n", f.ID, *f.Approve)
		}
	case approval.TypeEvent:
		if f.Event != nil && f.Event.Message != nil {
			m := f.Event.Message
			fmt.Fprintf(c.out, "[%s] %s -> %s %s %v\n", f.Event.Direction, m.From, m.To, m.Intent, m.Payload)
		}
	}
}

func (c *cli) directory(ctx context.Context, args []string) error {
	fs := c.flags("directory")
	port := fs.String("port", c.cfg.Port, "Port to listen on")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg := *c.cfg
	cfg.Port = *port

	srv, err := api.NewServer(ctx, &cfg, c.logger)
	if err != nil {
		return err
	}
	defer srv.Close()
	return srv.Run(ctx)
}
