// Command tilesync shares marked map tiles between the members of a group through a relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"tilesync/pkg/session"
)

func main() {
	// .env is optional; real environment variables win.
	godotenv.Load()

	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "tilesync:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	config := DefaultConfig()
	var log zerolog.Logger
	var closeLogs func() error

	storeFlags := []cli.Flag{
		&cli.StringFlag{
			Name:        "store",
			Usage:       "Store driver (sqlite, sqlite3, postgres, redis, bolt, none)",
			EnvVars:     []string{"TILESYNC_STORE"},
			Value:       config.StoreDriver,
			Destination: &config.StoreDriver,
		},
		&cli.StringFlag{
			Name:        "dsn",
			Usage:       "Store location: file path, postgres URL or redis host:port",
			EnvVars:     []string{"TILESYNC_DSN"},
			Value:       config.StoreDSN,
			Destination: &config.StoreDSN,
		},
	}
	passwordFlag := &cli.StringFlag{
		Name:        "password",
		Usage:       "Group password",
		EnvVars:     []string{"TILESYNC_PASSWORD"},
		Destination: &config.Password,
	}

	return &cli.App{
		Name:  "tilesync",
		Usage: "multiplayer tile marking over a relay",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Aliases:     []string{"l"},
				Usage:       "Logging level (debug, info, warn, error)",
				EnvVars:     []string{"TILESYNC_LOG_LEVEL"},
				Value:       config.LogLevel,
				Destination: &config.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-dir",
				Usage:       "Directory for server.log and error.log",
				EnvVars:     []string{"TILESYNC_LOG_DIR"},
				Value:       config.LogDir,
				Destination: &config.LogDir,
			},
			&cli.DurationFlag{
				Name:        "timeout",
				Usage:       "Handshake timeout",
				EnvVars:     []string{"TILESYNC_TIMEOUT"},
				Value:       config.Timeout,
				Destination: &config.Timeout,
			},
		},
		Before: func(c *cli.Context) error {
			// The interactive commands own the terminal.
			config.Console = c.Args().First() == "host"
			l, closer, err := setupLogging(config)
			if err != nil {
				return err
			}
			log, closeLogs = l, closer.Close
			return nil
		},
		After: func(c *cli.Context) error {
			if closeLogs != nil {
				return closeLogs()
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "host",
				Usage: "Run a relay for a group",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:        "listen",
						Usage:       "Relay TCP address",
						EnvVars:     []string{"TILESYNC_LISTEN"},
						Value:       config.Listen,
						Destination: &config.Listen,
					},
					passwordFlag,
					&cli.BoolFlag{
						Name:        "trust-members",
						Usage:       "Let existing members reconnect without the password",
						EnvVars:     []string{"TILESYNC_TRUST_MEMBERS"},
						Destination: &config.TrustMembers,
					},
					&cli.StringFlag{
						Name:        "status",
						Usage:       "Status API address, empty to disable",
						EnvVars:     []string{"TILESYNC_STATUS_ADDR"},
						Value:       config.StatusAddr,
						Destination: &config.StatusAddr,
					},
					&cli.BoolFlag{
						Name:        "advertise",
						Usage:       "Advertise the relay over mDNS",
						EnvVars:     []string{"TILESYNC_ADVERTISE"},
						Value:       config.Advertise,
						Destination: &config.Advertise,
					},
					&cli.StringFlag{
						Name:        "group",
						Usage:       "Restore this stored group on start",
						EnvVars:     []string{"TILESYNC_GROUP_ID"},
						Destination: &config.GroupID,
					},
				}, storeFlags...),
				Action: func(c *cli.Context) error {
					ctx, stop := signalContext()
					defer stop()
					log.Info().Str("listen", config.Listen).Bool("trustMembers", config.TrustMembers).Msg("tilesync relay starting")
					return runHost(ctx, config, log)
				},
			},
			{
				Name:  "join",
				Usage: "Connect to a relay and mark tiles from the console",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:        "relay",
						Aliases:     []string{"r"},
						Usage:       "Relay host:port or ws:// URL",
						EnvVars:     []string{"TILESYNC_RELAY"},
						Value:       config.Relay,
						Destination: &config.Relay,
					},
					&cli.Int64Flag{
						Name:        "account",
						Aliases:     []string{"a"},
						Usage:       "Account hash",
						EnvVars:     []string{"TILESYNC_ACCOUNT"},
						Required:    true,
						Destination: &config.Account,
					},
					&cli.StringFlag{
						Name:        "name",
						Usage:       "Display name",
						EnvVars:     []string{"TILESYNC_NAME"},
						Destination: &config.Name,
					},
					&cli.StringFlag{
						Name:        "color",
						Usage:       "Tile color as #rrggbb",
						EnvVars:     []string{"TILESYNC_COLOR"},
						Value:       config.Color,
						Destination: &config.Color,
					},
					&cli.StringFlag{
						Name:        "create-group",
						Usage:       "Create a group with this name when not already in one",
						Destination: &config.CreateGroup,
					},
					&cli.BoolFlag{
						Name:        "compress",
						Usage:       "Compress the connection with lz4",
						EnvVars:     []string{"TILESYNC_COMPRESS"},
						Destination: &config.Compress,
					},
					passwordFlag,
				}, storeFlags...),
				Action: func(c *cli.Context) error {
					ctx, stop := signalContext()
					defer stop()
					err := runJoin(ctx, config, log, os.Stdin, os.Stdout)
					if errors.Is(err, session.ErrNoGroup) {
						return fmt.Errorf("%w: pass --create-group or join a relay that already has a group", err)
					}
					return err
				},
			},
			{
				Name:  "discover",
				Usage: "List relays advertised on the local network",
				Action: func(c *cli.Context) error {
					ctx, stop := signalContext()
					defer stop()
					return runDiscover(ctx, DiscoverWindow, os.Stdout)
				},
			},
			{
				Name:      "admin",
				Usage:     "Inspect or delete stored profiles",
				ArgsUsage: "[list | group <id> | delete <account> CONFIRM]",
				Flags:     storeFlags,
				Action: func(c *cli.Context) error {
					ctx := c.Context
					st, err := openStore(ctx, config, log)
					if err != nil {
						return err
					}
					if st == nil {
						return fmt.Errorf("admin needs a store")
					}
					defer st.Close()
					return runAdmin(ctx, st, c.Args().Slice(), os.Stdin, os.Stdout)
				},
			},
		},
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
