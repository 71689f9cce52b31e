// Command mumblecli is a headless voice client: it connects to a server,
// mirrors its channel tree into the log and accepts a few slash commands on
// stdin. Incoming voice is buffered and discarded.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"mumbleclient/internal/audio"
	"mumbleclient/internal/client"
	"mumbleclient/internal/config"
	"mumbleclient/internal/identity"
	"mumbleclient/internal/logging"
	"mumbleclient/internal/model"
	"mumbleclient/internal/store"
)

func main() {
	if err := run(os.Args[1:], os.Stdin); err != nil {
		fmt.Fprintf(os.Stderr, "mumblecli: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath  string
	server      string
	username    string
	password    string
	noReconnect bool
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("mumblecli", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "config file (default: user config dir)")
	fs.StringVar(&f.server, "server", "", "server address, saved server name or mumble:// link")
	fs.StringVar(&f.username, "user", "", "username")
	fs.StringVar(&f.password, "password", "", "server password")
	fs.BoolVar(&f.noReconnect, "no-reconnect", false, "exit when the connection drops")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if fs.NArg() > 0 && f.server == "" {
		f.server = fs.Arg(0)
	}
	return f, nil
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Load(), nil
	}
	return config.LoadFile(path)
}

func run(args []string, stdin io.Reader) error {
	logging.ConfigureRuntime()

	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return err
	}

	target := f.server
	if target == "" {
		target = cfg.Server
	}
	if target == "" {
		return errors.New("no server given")
	}
	username, password := cfg.Username, ""
	if saved, ok := cfg.Lookup(target); ok {
		target = saved.Addr
		if saved.Username != "" {
			username = saved.Username
		}
		password = saved.Password
	}
	link, err := config.ParseLink(target)
	if err != nil {
		return err
	}
	if link.Username != "" {
		username = link.Username
	}
	if link.Password != "" {
		password = link.Password
	}
	if f.username != "" {
		username = f.username
	}
	if f.password != "" {
		password = f.password
	}
	if username == "" {
		return errors.New("no username given")
	}

	idPath, err := cfg.IdentityPath()
	if err != nil {
		return err
	}
	id, err := identity.Open(idPath, cfg.CertificatePassword, identity.DefaultCommonName)
	if err != nil {
		return err
	}

	opts := client.DefaultOptions(link.Addr, username)
	opts.Transport.Password = password
	opts.Transport.Identity = id
	opts.Transport.DisableUDP = cfg.ForceTCP
	opts.Transport.InsecureSkipVerify = cfg.InsecureSkipVerify
	opts.Transport.Opus = cfg.Opus
	opts.Protocol.Opus = cfg.Opus
	opts.SetPingInterval(time.Duration(cfg.PingIntervalSecs) * time.Second)
	audioOpts := []audio.Option{audio.WithDepth(cfg.JitterDepth)}
	if cfg.AdaptiveJitter {
		audioOpts = append(audioOpts, audio.WithAdaptiveDepth())
	}
	opts.Protocol.Audio = audio.Factory(audio.Discard{}, audioOpts...)
	opts.Reconnect = cfg.AutoReconnect && !f.noReconnect
	opts.InitialChannel = link.Channel

	var history *store.History
	if cfg.HistoryLimit > 0 {
		dbPath, err := cfg.HistoryFile()
		if err != nil {
			return err
		}
		st, err := store.New(dbPath)
		if err != nil {
			return err
		}
		defer func() {
			pruneHistory(st, link.Addr, cfg.HistoryLimit)
			st.Close()
		}()
		history = st.History(link.Addr)
		opts.Protocol.History = history
		opts.Settings = st
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if history != nil {
		replayHistory(ctx, history)
	}

	c := client.New(opts)
	defer c.Close()
	c.Register(&logObserver{})

	if err := c.Connect(ctx); err != nil {
		return err
	}
	go readCommands(ctx, c, stdin, stop)

	<-c.Done()
	return nil
}

func replayHistory(ctx context.Context, h *store.History) {
	msgs, err := h.Recent(ctx, 10)
	if err != nil {
		log.Warn().Err(err).Msg("reading history failed")
		return
	}
	for _, m := range msgs {
		log.Info().Time("at", m.Timestamp).Str("from", actorName(m)).Msg(m.Text)
	}
}

func pruneHistory(st *store.Store, server string, keep int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := st.PruneMessages(ctx, server, keep)
	if err != nil {
		log.Warn().Err(err).Msg("pruning history failed")
		return
	}
	if n > 0 {
		log.Debug().Int64("removed", n).Msg("pruned history")
	}
}

func actorName(m model.Message) string {
	if m.Actor != nil {
		return m.Actor.Name
	}
	if m.Direction == model.Sent {
		return "me"
	}
	return "server"
}

// Commander is the part of the client the stdin loop drives.
type Commander interface {
	JoinChannelPath(path []string) error
	SetSelfMute(mute bool) error
	SetSelfDeaf(deaf bool) error
	SendChannelTextMessage(text string, channelID uint32) error
	CurrentChannel() (model.Channel, bool)
	Channels() []model.Channel
	Users() []model.User
}

var errQuit = errors.New("quit")

func readCommands(ctx context.Context, c Commander, r io.Reader, quit func()) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		err := execute(c, sc.Text())
		if errors.Is(err, errQuit) {
			quit()
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("command failed")
		}
	}
}

// execute runs one input line. Lines not starting with a slash are sent
// to the current channel.
func execute(c Commander, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		ch, ok := c.CurrentChannel()
		if !ok {
			return client.ErrNotConnected
		}
		return c.SendChannelTextMessage(line, ch.ID)
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "join":
		var path []string
		for _, p := range strings.Split(arg, "/") {
			if p = strings.TrimSpace(p); p != "" {
				path = append(path, p)
			}
		}
		return c.JoinChannelPath(path)
	case "mute", "unmute":
		return c.SetSelfMute(cmd == "mute")
	case "deaf", "undeaf":
		return c.SetSelfDeaf(cmd == "deaf")
	case "who":
		for _, u := range c.Users() {
			log.Info().Uint32("session", u.Session).Uint32("channel", u.ChannelID).Stringer("state", u.State).Msg(u.Name)
		}
		return nil
	case "channels":
		for _, ch := range c.Channels() {
			log.Info().Uint32("id", ch.ID).Int("users", ch.UserCount).Msg(ch.Name)
		}
		return nil
	case "quit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// logObserver writes every notification to the log.
type logObserver struct {
	client.NopObserver
}

func (logObserver) StateChanged(s client.State, err error) {
	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Stringer("state", s).Msg("connection state")
}

func (logObserver) Synchronized(synced bool) {
	log.Info().Bool("synced", synced).Msg("synchronized")
}

func (logObserver) CurrentChannelChanged(ch model.Channel) {
	log.Info().Uint32("id", ch.ID).Msgf("now in %s", ch.Name)
}

func (logObserver) UserAdded(u model.User) {
	log.Info().Uint32("session", u.Session).Msgf("%s connected", u.Name)
}

func (logObserver) UserRemoved(session uint32) {
	log.Info().Uint32("session", session).Msg("user left")
}

func (logObserver) MessageReceived(m model.Message) {
	log.Info().Str("from", actorName(m)).Msg(m.Text)
}

func (logObserver) ConnectionError(text string) {
	log.Warn().Msg(text)
}
