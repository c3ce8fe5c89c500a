package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/squadklaw/squadklaw/internal/api"
	"github.com/squadklaw/squadklaw/internal/client"
	"github.com/squadklaw/squadklaw/internal/config"
	"github.com/squadklaw/squadklaw/internal/crypto"
	"github.com/squadklaw/squadklaw/internal/exchange"
	"github.com/squadklaw/squadklaw/internal/home"
	"github.com/squadklaw/squadklaw/internal/host"
	"github.com/squadklaw/squadklaw/internal/models"
)

// demo runs a directory and two agents on loopback ports and has Alice
// book coffee with Bob.
func (c *cli) demo(ctx context.Context, args []string) error {
	fs := c.flags("demo")
	if err := fs.Parse(args); err != nil {
		return err
	}

	tmp, err := os.MkdirTemp("", "sklaw-demo-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	ctx, cancel := context.WithCancel(ctx)
	var (
		wg  sync.WaitGroup
		dir *api.Server
	)
	defer func() {
		cancel()
		wg.Wait()
		if dir != nil {
			dir.Close()
		}
	}()
	serve := func(fn func(context.Context, net.Listener) error, ln net.Listener) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx, ln); err != nil {
				c.logger.Error().Err(err).Msg("demo server failed")
			}
		}()
	}

	dirCfg := &config.Config{SQLitePath: filepath.Join(tmp, "directory.db"), RegistrationTTL: time.Hour}
	dir, err = api.NewServer(ctx, dirCfg, c.logger)
	if err != nil {
		return err
	}
	dirLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	serve(dir.Serve, dirLn)
	dirURL := "http://" + dirLn.Addr().String()
	fmt.Fprintf(c.out, "Directory running at %s\n", dirURL)

	alice, err := c.demoAgent(ctx, dirURL, "Alice", nil, serve)
	if err != nil {
		return err
	}
	bob, err := c.demoAgent(ctx, dirURL, "Bob", map[string]exchange.IntentHandler{
		models.IntentSchedule: exchange.HandlerFunc(baristaSchedule),
	}, serve)
	if err != nil {
		return err
	}
	bobID := bob.Coordinator.Card().AgentID

	fmt.Fprintln(c.out, "\n1. Alice proposes coffee")
	counter, err := alice.Messenger.Start(ctx, bobID, models.IntentSchedule,
		models.Propose("Coffee", "30m", "2026-02-21T10:00:00-08:00", "2026-02-21T14:00:00-08:00").Map())
	if err != nil {
		return err
	}
	c.printTurn(counter)

	if counter.Action() != models.ActionCounter {
		return fmt.Errorf("expected a counter-proposal, got %q", counter.Action())
	}
	fmt.Fprintln(c.out, "\n2. Alice accepts the counter-proposal")
	receipt, err := alice.Messenger.Reply(ctx, counter, models.Accept().Map())
	if err != nil {
		return err
	}
	c.printTurn(receipt)

	conv, err := alice.Coordinator.Conversation(ctx, counter.ConversationID)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "\nConversation %s: %s after %d turns\n", conv.ID, conv.State, conv.Turns())
	return nil
}

func (c *cli) demoAgent(ctx context.Context, dirURL, name string, handlers map[string]exchange.IntentHandler,
	serve func(func(context.Context, net.Listener) error, net.Listener)) (*host.Host, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		ln.Close()
		return nil, err
	}
	card := home.DefaultCard(name, "http://"+ln.Addr().String()+"/")
	card.AgentID = crypto.NewAgentID()
	card.PublicKey = keys.PublicKey

	resp, err := client.NewDirectory(dirURL).Register(ctx, card, keys.PrivateKey, "")
	if err != nil {
		ln.Close()
		return nil, err
	}
	card.AgentID = resp.AgentID

	h, err := host.New(card, keys.PrivateKey, host.Options{DirectoryURL: dirURL, Handlers: handlers}, c.logger)
	if err != nil {
		ln.Close()
		return nil, err
	}
	serve(h.Serve, ln)
	fmt.Fprintf(c.out, "%s registered as %s at %s\n", name, card.AgentID, card.Endpoint)
	return h, nil
}

// baristaSchedule counters every proposal with the latest offered slot
// at a fixed place and acknowledges everything else.
func baristaSchedule(_ context.Context, _ *models.Conversation, msg *models.Message) (map[string]any, error) {
	if msg.Action() != models.ActionPropose {
		return nil, nil
	}
	p, err := models.ParseSchedule(msg.Payload)
	if err != nil {
		return nil, err
	}
	if p.Event == nil || len(p.Event.ProposedTimes) == 0 {
		return models.Reject("no times proposed").Map(), nil
	}
	times := p.Event.ProposedTimes
	return models.Counter(times[len(times)-1], "45m", "Sightglass Coffee").Map(), nil
}

func (c *cli) printTurn(m *models.Message) {
	fmt.Fprintf(c.out, "   %s -> %s [%s] %v\n", m.From, m.To, m.Action(), m.Payload)
}
