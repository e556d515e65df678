package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"tilesync/pkg/discovery"
	"tilesync/pkg/group"
	"tilesync/pkg/protocol"
	"tilesync/pkg/session"
	"tilesync/pkg/status"
	"tilesync/pkg/store"
	"tilesync/pkg/types"
)

// --- Relay ---

func runHost(ctx context.Context, cfg Config, log zerolog.Logger) error {
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	if st != nil {
		defer st.Close()
	}

	rc := cfg.relayConfig()
	rc.Store = st
	rc.Logger = log
	rc.Notifier = session.NewNotifier()
	defer rc.Notifier.Subscribe(func(e session.Event) {
		log.Info().Stringer("event", e.Kind).Int64("account", e.AccountHash).Msg("relay event")
	})()
	if st != nil && cfg.GroupID != "" {
		if rc.Group, err = st.LoadGroupProfile(ctx, cfg.GroupID); err != nil {
			return fmt.Errorf("load group profile: %w", err)
		}
		if rc.Tiles, err = st.LoadGroupTileData(ctx, rc.Group); err != nil {
			return fmt.Errorf("load group tiles: %w", err)
		}
		log.Info().Str("group", rc.Group.Name).Int("tiles", rc.Tiles.CountTiles()).Msg("restored group")
	}
	relay := session.NewRelay(rc)

	if cfg.StatusAddr != "" {
		srv := status.New(relay, status.Config{Addr: cfg.StatusAddr, Logger: log}).HTTPServer()
		go func() {
			log.Info().Str("addr", cfg.StatusAddr).Msg("status api listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("status api")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if cfg.Advertise {
		adv, err := advertise(cfg.Listen, rc.Group.Name)
		if err != nil {
			log.Warn().Err(err).Msg("mdns advertisement disabled")
		} else {
			defer adv.Shutdown()
		}
	}

	return relay.ListenAndServe(ctx)
}

func advertise(listen, groupName string) (*discovery.Advertisement, error) {
	_, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return nil, fmt.Errorf("parse listen address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parse listen port: %w", err)
	}
	host, _ := os.Hostname()
	return discovery.Advertise(fmt.Sprintf("tilesync-%s", host), port, groupName)
}

// --- Client ---

// resolveProfile merges the stored profile for the account with the flags. It creates a new
// group when the profile has none and a group name was given.
func resolveProfile(ctx context.Context, cfg Config, st *store.Store) (types.Profile, types.GroupProfile, error) {
	if cfg.Account == 0 || cfg.Account == types.NoAccount {
		return types.Profile{}, types.GroupProfile{}, session.ErrNoProfile
	}
	p := types.Profile{AccountHash: cfg.Account, Name: cfg.Name, Color: cfg.Color}
	var g types.GroupProfile
	if st != nil {
		stored, ok, err := st.LoadProfile(ctx, cfg.Account)
		if err != nil {
			return p, g, fmt.Errorf("load profile: %w", err)
		}
		if ok {
			p.GroupID = stored.GroupID
			if p.Name == "" {
				p.Name = stored.Name
			}
		}
		if g, err = st.LoadGroupProfile(ctx, p.GroupID); err != nil {
			return p, g, fmt.Errorf("load group profile: %w", err)
		}
	}
	if p.Name == "" {
		p.Name = strconv.FormatInt(p.AccountHash, 10)
	}
	if g.IsNone() && cfg.CreateGroup != "" {
		g = group.New(cfg.CreateGroup, p).Snapshot()
		p.GroupID = g.GroupID
	}
	return p, g, nil
}

func runJoin(ctx context.Context, cfg Config, log zerolog.Logger, in io.Reader, out io.Writer) error {
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	if st != nil {
		defer st.Close()
	}
	p, g, err := resolveProfile(ctx, cfg, st)
	if err != nil {
		return err
	}

	compression := protocol.CompressNone
	if cfg.Compress {
		compression = protocol.CompressLZ4
	}
	notifier := session.NewNotifier()
	defer notifier.Subscribe(func(e session.Event) {
		switch e.Kind {
		case session.EventPeerJoined, session.EventPeerLeft:
			fmt.Fprintf(out, "\n* %s: %d\n", e.Kind, e.AccountHash)
		}
	})()

	client := session.NewClient(session.ClientConfig{
		Addr:        cfg.Relay,
		Profile:     p,
		Password:    cfg.Password,
		Group:       g,
		Compression: compression,
		Timeout:     cfg.Timeout,
		Store:       st,
		Logger:      log,
		Notifier:    notifier,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- client.Run(ctx) }()

	select {
	case <-client.Ready():
	case err := <-errCh:
		return err
	}
	fmt.Fprintf(out, "Connected to %s as %s in group %q.\n", cfg.Relay, p.Name, client.Group().Name)

	consoleDone := make(chan error, 1)
	go func() { consoleDone <- runConsole(ctx, in, out, client) }()
	select {
	case err := <-consoleDone:
		if err != nil {
			log.Warn().Err(err).Msg("console input")
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// --- Discovery ---

func runDiscover(ctx context.Context, window time.Duration, out io.Writer) error {
	relays, err := discovery.Browse(ctx, window)
	if err != nil {
		return err
	}
	if len(relays) == 0 {
		fmt.Fprintln(out, "No relays found.")
		return nil
	}
	for _, r := range relays {
		fmt.Fprintln(out, r)
	}
	return nil
}
