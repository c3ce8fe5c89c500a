package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/squadklaw/squadklaw/internal/client"
	"github.com/squadklaw/squadklaw/internal/crypto"
	"github.com/squadklaw/squadklaw/internal/home"
	"github.com/squadklaw/squadklaw/internal/host"
	"github.com/squadklaw/squadklaw/internal/models"
	"github.com/squadklaw/squadklaw/internal/profile"
	"github.com/squadklaw/squadklaw/internal/store"
)

// agent is the locally stored identity.
type agent struct {
	card     *models.AgentCard
	keys     crypto.KeyPair
	settings home.Settings
}

func (c *cli) loadAgent() (*agent, error) {
	card, err := c.home.LoadCard()
	if err != nil {
		return nil, err
	}
	keys, err := c.home.LoadKeys()
	if err != nil {
		return nil, err
	}
	settings, err := c.home.LoadSettings()
	if err != nil {
		return nil, err
	}
	if settings.DirectoryURL == "" {
		settings.DirectoryURL = c.cfg.DirectoryURL
	}
	return &agent{card: card, keys: keys, settings: settings}, nil
}

func (c *cli) directoryFor(a *agent) *client.Directory {
	dir := client.NewDirectory(a.settings.DirectoryURL)
	if a.settings.Token != "" {
		dir = dir.WithCredentials(a.card.AgentID, a.keys.PrivateKey, a.settings.Token)
	}
	return dir
}

func (c *cli) initAgent(_ context.Context, args []string) error {
	fs := c.flags("init")
	name := fs.String("name", "", "Agent name")
	endpoint := fs.String("endpoint", "", "Public URL other agents post messages to")
	directory := fs.String("directory", c.cfg.DirectoryURL, "Directory URL")
	profilePath := fs.String("profile", "", "YAML profile describing the agent")
	listen := fs.String("listen", c.cfg.ListenAddr, "Listen address for the agent endpoint")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var card *models.AgentCard
	switch {
	case *profilePath != "":
		p, err := profile.Load(*profilePath)
		if err != nil {
			return err
		}
		card = p.Card()
		if p.Directory != "" {
			*directory = p.Directory
		}
	case *name != "":
		ep := *endpoint
		if ep == "" {
			ep = "http://localhost" + *listen + "/"
		}
		card = home.DefaultCard(*name, ep)
	default:
		return errors.New("either -name or -profile is required")
	}

	settings := home.Settings{
		DirectoryURL: strings.TrimRight(*directory, "/"),
		ListenAddr:   *listen,
	}
	card, _, err := c.home.Init(card, settings)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.out, "Initialized agent %q\n", card.Name)
	fmt.Fprintf(c.out, "  Agent ID:  %s\n", card.AgentID)
	fmt.Fprintf(c.out, "  Endpoint:  %s\n", card.Endpoint)
	fmt.Fprintf(c.out, "  Directory: %s\n", settings.DirectoryURL)
	fmt.Fprintf(c.out, "  Home:      %s\n", c.home.Dir)
	fmt.Fprintln(c.out, "Next: sklaw register")
	return nil
}

func (c *cli) status(ctx context.Context, args []string) error {
	fs := c.flags("status")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := c.loadAgent()
	if err != nil {
		return err
	}

	card := a.card
	fmt.Fprintf(c.out, "Agent:        %s\n", card.Name)
	fmt.Fprintf(c.out, "Agent ID:     %s\n", card.AgentID)
	fmt.Fprintf(c.out, "Endpoint:     %s\n", card.Endpoint)
	fmt.Fprintf(c.out, "Capabilities: %s\n", strings.Join(card.Capabilities, ", "))
	fmt.Fprintf(c.out, "Intents:      %s\n", strings.Join(card.Intents, ", "))
	fmt.Fprintf(c.out, "Access:       %s\n", card.Policy().Mode)
	fmt.Fprintf(c.out, "Directory:    %s\n", a.settings.DirectoryURL)

	if a.settings.Token == "" {
		fmt.Fprintln(c.out, "Listing:      not registered")
		return nil
	}
	listed, err := client.NewDirectory(a.settings.DirectoryURL).Get(ctx, card.AgentID)
	switch {
	case errors.Is(err, client.ErrNotFound):
		fmt.Fprintln(c.out, "Listing:      expired or removed (run sklaw register)")
	case err != nil:
		fmt.Fprintf(c.out, "Listing:      unknown (%v)\n", err)
	case !crypto.SamePublicKey(listed.PublicKey, card.PublicKey):
		fmt.Fprintln(c.out, "Listing:      key mismatch")
	default:
		fmt.Fprintln(c.out, "Listing:      active")
	}
	return nil
}

func (c *cli) register(ctx context.Context, args []string) error {
	fs := c.flags("register")
	token := fs.String("token", "", "Registration token (16-72 chars); minted by the directory when empty")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := c.loadAgent()
	if err != nil {
		return err
	}
	if *token == "" {
		*token = a.settings.Token
	}

	resp, err := client.NewDirectory(a.settings.DirectoryURL).Register(ctx, a.card, a.keys.PrivateKey, *token)
	if err != nil {
		return err
	}

	a.card.AgentID = resp.AgentID
	if err := c.home.SaveCard(a.card); err != nil {
		return err
	}
	a.settings.Token = resp.Token
	if err := c.home.SaveSettings(a.settings); err != nil {
		return err
	}

	fmt.Fprintf(c.out, "Registered %s\n", resp.AgentID)
	fmt.Fprintf(c.out, "  Expires: %s\n", resp.ExpiresAt)
	return nil
}

func (c *cli) unregister(ctx context.Context, args []string) error {
	fs := c.flags("unregister")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := c.loadAgent()
	if err != nil {
		return err
	}
	if err := c.directoryFor(a).Delete(ctx); err != nil {
		return err
	}
	a.settings.Token = ""
	if err := c.home.SaveSettings(a.settings); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Unregistered %s\n", a.card.AgentID)
	return nil
}

func (c *cli) discover(ctx context.Context, args []string) error {
	fs := c.flags("discover")
	q := models.DirectoryQuery{}
	fs.StringVar(&q.Capability, "c", "", "Filter by capability")
	fs.StringVar(&q.Intent, "i", "", "Filter by supported intent")
	fs.StringVar(&q.Q, "q", "", "Free-text search over name and description")
	fs.IntVar(&q.Limit, "l", models.DefaultQueryLimit, "Maximum results")
	fs.StringVar(&q.Cursor, "cursor", "", "Continue from a previous page")
	directory := fs.String("directory", "", "Directory URL (default from agent settings)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dirURL := *directory
	if dirURL == "" {
		settings, err := c.home.LoadSettings()
		if err != nil {
			return err
		}
		dirURL = settings.DirectoryURL
	}
	if dirURL == "" {
		dirURL = c.cfg.DirectoryURL
	}

	page, err := client.NewDirectory(dirURL).Discover(ctx, q)
	if err != nil {
		return err
	}
	if len(page.Agents) == 0 {
		fmt.Fprintln(c.out, "No agents found")
		return nil
	}

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT ID\tNAME\tCAPABILITIES\tACCESS")
	for _, card := range page.Agents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", card.AgentID, card.Name, strings.Join(card.Capabilities, ","), card.Policy().Mode)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if page.NextCursor != "" {
		fmt.Fprintf(c.out, "\nMore results: sklaw discover -cursor %s\n", page.NextCursor)
	}
	return nil
}

func (c *cli) send(ctx context.Context, args []string) error {
	fs := c.flags("send")
	intent := fs.String("intent", models.IntentMessage, "Message intent")
	payload := fs.String("payload", "", "JSON object payload")
	text := fs.String("text", "", "Shorthand for a {\"text\": ...} payload")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: sklaw send [-intent i] [-payload json | -text t] <agent_id>")
	}
	to := fs.Arg(0)

	body := map[string]any{}
	switch {
	case *payload != "":
		if err := json.Unmarshal([]byte(*payload), &body); err != nil {
			return fmt.Errorf("payload must be a JSON object: %w", err)
		}
	case *text != "":
		body["text"] = *text
	}

	a, err := c.loadAgent()
	if err != nil {
		return err
	}
	h, closeHost, err := c.newHost(ctx, a, nil)
	if err != nil {
		return err
	}
	defer closeHost()

	reply, err := h.Messenger.Start(ctx, to, *intent, body)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(reply, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, string(out))
	return nil
}

// newHost builds the agent runtime, using Redis when REDIS_URL is set.
func (c *cli) newHost(ctx context.Context, a *agent, opts *host.Options) (*host.Host, func(), error) {
	o := host.Options{}
	if opts != nil {
		o = *opts
	}
	o.DirectoryURL = a.settings.DirectoryURL
	o.ApprovalTTL = c.cfg.ApprovalTTL
	o.MaxClockSkew = c.cfg.MaxClockSkew
	o.InboundRateLimit = c.cfg.InboundRateLimit
	o.ConversationIdle = c.cfg.ConversationIdle

	closeFn := func() {}
	if c.cfg.RedisURL != "" {
		rs, err := store.NewRedisStore(ctx, c.cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		o.Redis = rs
		closeFn = func() { rs.Close() }
	}

	h, err := host.New(a.card, a.keys.PrivateKey, o, c.logger)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return h, closeFn, nil
}
