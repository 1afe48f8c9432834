package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"

	"plainpair/discovery"
	"plainpair/gateway"
	"plainpair/keystore"
	"plainpair/network"
	"plainpair/pairing"
)

var errQuit = errors.New("operator quit")

const operatorHelp = `Commands:
  y | n                  answer the latest pairing or console prompt
  peers                  list known devices
  scan                   browse the network for devices now
  pair <peer>            ask a device to pair
  cancel <peer>          withdraw a pairing request
  unpair <peer>          forget a paired device's key
  send <peer> <text>     send a signed message
  history <peer>         show recent pairing outcomes
  sessions               list approved console sessions
  revoke <client>        end a console session
  help                   show this text
  quit                   stop the service
<peer> may be any unique prefix of a device ID or name.
`

type operatorOptions struct {
	In        io.Reader
	Out       io.Writer
	Coord     *pairing.Coordinator
	Gateway   *gateway.Gateway
	Transport *network.Transport
	Keys      *keystore.Store
	Discovery *discovery.Service
	Logger    zerolog.Logger
}

// prompt is the question the operator answers with y or n.
type prompt struct {
	kind   string
	id     string
	done   <-chan struct{}
	accept func() error
	deny   func() error
}

// operator is the terminal front end: it shows prompts and events and runs
// typed commands.
type operator struct {
	in    io.Reader
	coord *pairing.Coordinator
	gw    *gateway.Gateway
	tr    *network.Transport
	keys  *keystore.Store
	disc  *discovery.Service
	log   zerolog.Logger

	outMu sync.Mutex
	out   io.Writer

	mu      sync.Mutex
	current *prompt
}

func newOperator(opts operatorOptions) *operator {
	return &operator{
		in:    opts.In,
		out:   opts.Out,
		coord: opts.Coord,
		gw:    opts.Gateway,
		tr:    opts.Transport,
		keys:  opts.Keys,
		disc:  opts.Discovery,
		log:   opts.Logger.With().Str("component", "operator").Logger(),
	}
}

func (o *operator) printf(format string, args ...any) {
	o.outMu.Lock()
	defer o.outMu.Unlock()
	fmt.Fprintf(o.out, format, args...)
}

// Run serves prompts, events and typed commands until ctx ends or the
// operator quits. When input reaches EOF the service keeps running without
// a terminal.
func (o *operator) Run(ctx context.Context) error {
	lines := make(chan string)
	go o.readLines(ctx, lines)

	pairPrompts := o.coord.Prompts()
	authPrompts := o.gw.Prompts()
	peerEvents := o.coord.Events()
	notices := o.gw.Notices()

	o.printf("Type \"help\" for commands.\n")
	for {
		select {
		case <-ctx.Done():
			return nil

		case p := <-pairPrompts:
			o.showPairingPrompt(p)

		case p := <-authPrompts:
			o.showAuthPrompt(p)

		case event := <-peerEvents:
			o.gw.Broadcast(eventPeersChanged)
			if event.Type == pairing.EventRequestResolved {
				o.printf("Pairing with %s %s.\n", o.peerLabel(event.PeerID), event.Outcome)
			}

		case notice := <-notices:
			o.gw.Broadcast(eventSessionsChanged)
			o.printf("Console client %s (%s) %s.\n", notice.ClientIP, describeClient(notice), notice.Kind)

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if err := o.handle(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return errQuit
				}
				o.printf("error: %v\n", err)
			}
		}
	}
}

func (o *operator) readLines(ctx context.Context, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(o.in)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}

func (o *operator) showPairingPrompt(p *pairing.InboundPrompt) {
	req := p.Subject
	o.ask(&prompt{
		kind:   "pairing",
		id:     p.ID,
		done:   p.Done(),
		accept: func() error { return o.coord.Accept(p.ID) },
		deny:   func() error { return o.coord.Deny(p.ID) },
	})
	o.printf("\n%s (%s, %s) wants to pair. Accept? [y/n]\n", req.FromName, req.FromIP, req.FromDeviceID)
}

func (o *operator) showAuthPrompt(p *gateway.AuthPrompt) {
	req := p.Subject
	o.ask(&prompt{
		kind:   "console",
		id:     p.ID,
		done:   p.Done(),
		accept: func() error { return o.gw.Approve(p.ID) },
		deny:   func() error { return o.gw.Deny(p.ID) },
	})
	client := strings.TrimSpace(req.Client.BrowserName + " " + req.Client.BrowserVersion)
	if client == "" {
		client = "unknown browser"
	}
	o.printf("\nConsole client at %s (%s on %s) wants access. Approve? [y/n]\n", req.ClientIP, client, req.Client.OSName)
}

func (o *operator) ask(p *prompt) {
	o.mu.Lock()
	o.current = p
	o.mu.Unlock()
}

// answer resolves the latest prompt still waiting.
func (o *operator) answer(accept bool) error {
	o.mu.Lock()
	p := o.current
	o.current = nil
	o.mu.Unlock()

	if p == nil {
		return errors.New("nothing to answer")
	}
	select {
	case <-p.done:
		return fmt.Errorf("%s request %s is no longer pending", p.kind, p.id)
	default:
	}
	if accept {
		return p.accept()
	}
	return p.deny()
}

func (o *operator) handle(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	command, args := strings.ToLower(fields[0]), fields[1:]

	switch command {
	case "y", "yes":
		return o.answer(true)
	case "n", "no":
		return o.answer(false)
	case "help", "?":
		o.printf("%s", operatorHelp)
		return nil
	case "quit", "exit":
		return errQuit
	case "peers":
		return o.listPeers()
	case "scan":
		return o.scan(ctx)
	case "sessions":
		o.listSessions()
		return nil
	case "revoke":
		if len(args) != 1 {
			return errors.New("usage: revoke <client>")
		}
		return o.gw.Revoke(args[0])
	}

	if len(args) == 0 {
		return fmt.Errorf("unknown command %q, try help", command)
	}
	peerID, err := o.resolvePeer(args[0])
	if err != nil {
		return err
	}

	switch command {
	case "pair":
		return o.pair(ctx, peerID)
	case "cancel":
		return o.coord.CancelPairing(peerID)
	case "unpair":
		if err := o.coord.Unpair(peerID); err != nil {
			return err
		}
		o.printf("Unpaired %s.\n", o.peerLabel(peerID))
		return nil
	case "send":
		if len(args) < 2 {
			return errors.New("usage: send <peer> <text>")
		}
		text := strings.Join(args[1:], " ")
		go func() {
			if o.tr.Send(ctx, peerID, []byte(text)) {
				o.printf("Delivered to %s.\n", o.peerLabel(peerID))
			} else {
				o.printf("Could not deliver to %s.\n", o.peerLabel(peerID))
			}
		}()
		return nil
	case "history":
		return o.history(peerID)
	default:
		return fmt.Errorf("unknown command %q, try help", command)
	}
}

func (o *operator) pair(ctx context.Context, peerID string) error {
	handle, err := o.coord.StartPairing(peerID)
	if err != nil {
		return err
	}
	o.printf("Waiting for %s to accept (request %s).\n", o.peerLabel(peerID), handle.RequestID())
	go handle.Wait(ctx)
	return nil
}

func (o *operator) scan(ctx context.Context) error {
	if o.disc == nil || o.disc.Scanner == nil {
		return errors.New("discovery is disabled")
	}
	go func() {
		scanCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := o.disc.Scanner.Refresh(scanCtx); err != nil {
			o.log.Warn().Err(err).Msg("manual scan failed")
			return
		}
		o.printf("Scan finished, %d device(s) advertising.\n", len(o.disc.Scanner.ListPeers()))
	}()
	return nil
}

func (o *operator) listPeers() error {
	peers, err := o.keys.List()
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		o.printf("No devices known yet.\n")
		return nil
	}

	o.outMu.Lock()
	defer o.outMu.Unlock()
	w := tabwriter.NewWriter(o.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tADDRESS\tLAST SEEN")
	for _, p := range peers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s:%d\t%s\n", p.ID, p.Name, p.Status, p.IP, p.Port, p.LastSeenAt.Format(time.Kitchen))
	}
	return w.Flush()
}

func (o *operator) listSessions() {
	sessions := o.gw.Sessions()
	if len(sessions) == 0 {
		o.printf("No console sessions.\n")
		return
	}

	o.outMu.Lock()
	defer o.outMu.Unlock()
	w := tabwriter.NewWriter(o.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CLIENT\tADDRESS\tBROWSER\tSINCE")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\n", s.ClientID, s.ClientIP, s.Client.BrowserName, s.Client.BrowserVersion, s.CreatedAt.Format(time.Kitchen))
	}
	_ = w.Flush()
}

func (o *operator) history(peerID string) error {
	events, err := o.coord.History(peerID, 10)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		o.printf("No pairing history for %s.\n", o.peerLabel(peerID))
		return nil
	}
	for _, e := range events {
		o.printf("%s  %-8s  %s\n", time.UnixMilli(e.Timestamp).Format(time.DateTime), e.Direction, e.Outcome)
	}
	return nil
}

// resolvePeer matches arg against device IDs and names by unique prefix.
func (o *operator) resolvePeer(arg string) (string, error) {
	peers, err := o.keys.List()
	if err != nil {
		return "", err
	}

	var matches []string
	for _, p := range peers {
		if p.ID == arg {
			return p.ID, nil
		}
		if strings.HasPrefix(p.ID, arg) || strings.HasPrefix(strings.ToLower(p.Name), strings.ToLower(arg)) {
			matches = append(matches, p.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no device matches %q", arg)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%q matches %d devices", arg, len(matches))
	}
}

func (o *operator) peerLabel(peerID string) string {
	if o.keys != nil {
		if peer, ok := o.keys.Get(peerID); ok && peer.Name != "" {
			return peer.Name
		}
	}
	return peerID
}

func describeClient(n gateway.Notice) string {
	if n.Client.BrowserName == "" {
		return "unknown browser"
	}
	return n.Client.BrowserName
}
