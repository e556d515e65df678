package main

import (
	"time"

	"tilesync/pkg/session"
)

// --- Configuration ---
const (
	DataDir        = "./data"
	DBPath         = "./data/tilesync.db"
	LogDir         = "./logs"
	DefaultColor   = "#ffff00"
	DiscoverWindow = 3 * time.Second
)

// Config is filled from flags, which fall back to TILESYNC_* environment variables and .env.
type Config struct {
	LogLevel string
	LogDir   string
	Console  bool

	StoreDriver string
	StoreDSN    string

	// Relay
	Listen       string
	Password     string
	TrustMembers bool
	StatusAddr   string
	Advertise    bool
	GroupID      string

	// Client
	Relay       string
	Account     int64
	Name        string
	Color       string
	CreateGroup string
	Compress    bool
	Timeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		LogLevel:    "info",
		LogDir:      LogDir,
		Console:     true,
		StoreDriver: "sqlite",
		StoreDSN:    DBPath,
		Listen:      ":7777",
		StatusAddr:  ":8080",
		Advertise:   true,
		Relay:       "localhost:7777",
		Color:       DefaultColor,
		Timeout:     15 * time.Second,
	}
}

func (c Config) relayConfig() session.RelayConfig {
	return session.RelayConfig{
		Addr:         c.Listen,
		Password:     c.Password,
		TrustMembers: c.TrustMembers,
		Timeout:      c.Timeout,
	}
}
