package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tilesync/pkg/types"
)

// setupLogging writes every event to the console and server.log, and error level and above
// to error.log as well. The returned closer releases the files.
func setupLogging(cfg Config) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("invalid log level: %w", err)
	}
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("create log dir: %w", err)
	}
	fInfo, err := os.OpenFile(filepath.Join(cfg.LogDir, "server.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("open server log: %w", err)
	}
	fErr, err := os.OpenFile(filepath.Join(cfg.LogDir, "error.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		fInfo.Close()
		return zerolog.Nop(), nil, fmt.Errorf("open error log: %w", err)
	}

	writers := []io.Writer{fInfo, minLevelWriter{w: fErr, min: zerolog.ErrorLevel}}
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	}
	log := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().Logger()
	return log, multiCloser{fInfo, fErr}, nil
}

// minLevelWriter drops events below min.
type minLevelWriter struct {
	w   io.Writer
	min zerolog.Level
}

func (m minLevelWriter) Write(p []byte) (int, error) { return m.w.Write(p) }

func (m minLevelWriter) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if l < m.min {
		return len(p), nil
	}
	return m.w.Write(p)
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// parseTile reads "region x y [plane]".
func parseTile(args []string) (types.Tile, error) {
	if len(args) < 3 || len(args) > 4 {
		return types.Tile{}, fmt.Errorf("want <region> <x> <y> [plane], got %q", strings.Join(args, " "))
	}
	nums := make([]int, 4)
	for i, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return types.Tile{}, fmt.Errorf("bad number %q", a)
		}
		nums[i] = n
	}
	return types.Tile{RegionID: nums[0], RegionX: nums[1], RegionY: nums[2], Plane: nums[3]}, nil
}
