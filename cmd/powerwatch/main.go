// Command powerwatch watches a drone's battery and sends it to its charging
// pad when the level runs low.
//
// Usage:
//
//	powerwatch [-config dir] run                 read commands from stdin
//	powerwatch [-config dir] classify N          print the tier for level N
//	powerwatch [-config dir] history [N]         print the last N searches
//	powerwatch [-config dir] history tiers [N]   print the last N tier changes
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/eaglewings/powerwatch/internal/battery"
	"github.com/eaglewings/powerwatch/internal/config"
	"github.com/eaglewings/powerwatch/internal/dispatcher"
	"github.com/eaglewings/powerwatch/internal/storage"

	"github.com/spf13/viper"
)

// version and buildDate can be set at build time via ldflags
var (
	version   = "0.0.1"
	buildDate = "unknown"
)

const (
	appName             = "powerwatch"
	defaultHistoryLimit = 20
)

func main() {
	configDir := flag.String("config", ".", "directory holding "+config.FileName)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config dir] run | classify <level> | history [tiers] [n]\n", appName)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	sub := "run"
	if len(args) > 0 {
		sub = strings.ToLower(args[0])
		args = args[1:]
	}

	var err error
	switch sub {
	case "run":
		err = run(*configDir)
	case "classify":
		err = classify(*configDir, args, os.Stdout)
	case "history":
		err = history(*configDir, args, os.Stdout)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configDir string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := initLogging(configDir)
	defer a.shutdown()

	if err := a.wire(ctx); err != nil {
		a.logger.Error("Startup failed", "error", err)
		return err
	}
	if _, err := a.handlers.StartMonitoring(); err != nil {
		return err
	}

	serveCommands(ctx, os.Stdin, os.Stdout, a.dispatcher)
	return nil
}

// response is one line of command output.
type response struct {
	Command string `json:"command,omitempty"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// serveCommands reads one command per line and writes one JSON response per
// command. Commands run concurrently so a long search does not block status
// queries. Returns at EOF or when ctx ends, after in-flight commands finish.
func serveCommands(ctx context.Context, in io.Reader, out io.Writer, d *dispatcher.Dispatcher) {
	var (
		mu       sync.Mutex
		inflight sync.WaitGroup
	)
	enc := json.NewEncoder(out)
	write := func(r response) {
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(r)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	defer inflight.Wait()
	for {
		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = l
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		e, err := dispatcher.ParseEvent(line)
		if err != nil {
			write(response{Error: err.Error()})
			continue
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			res, err := d.Dispatch(ctx, e)
			r := response{Command: e.Command, Result: res}
			if err != nil {
				r.Error = err.Error()
			}
			write(r)
		}()
	}
}

// classify prints the tier a level falls in under the configured thresholds.
func classify(configDir string, args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("classify takes exactly one battery level")
	}
	level, err := strconv.Atoi(args[0])
	if err != nil || level < 0 || level > 100 {
		return fmt.Errorf("battery level must be an integer in 0..100, got %q", args[0])
	}
	if err := loadConfig(configDir); err != nil {
		return err
	}

	settings := config.GetSettings()
	if err := settings.Validate(); err != nil {
		return err
	}
	tier := battery.Classify(level, settings.Thresholds)
	return json.NewEncoder(out).Encode(map[string]any{
		"level":      level,
		"tier":       tier,
		"thresholds": settings.Thresholds,
	})
}

// loadConfig reads the config file. A missing file means defaults; a file
// that cannot be parsed is an error.
func loadConfig(configDir string) error {
	err := config.Load(configDir)
	var notFound viper.ConfigFileNotFoundError
	if err != nil && !errors.As(err, &notFound) {
		return err
	}
	return nil
}

// history prints the most recent searches, or tier changes with "tiers",
// from the configured backend.
func history(configDir string, args []string, out io.Writer) error {
	show := printHistory
	if len(args) > 0 && strings.EqualFold(args[0], "tiers") {
		show = printTierHistory
		args = args[1:]
	}
	limit := defaultHistoryLimit
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return fmt.Errorf("history limit must be a non-negative integer, got %q", args[0])
		}
		limit = n
	}

	a := initLogging(configDir)
	defer a.shutdown()
	if err := a.initStorage(); err != nil {
		return err
	}
	return show(a.storage, limit, out)
}

func printHistory(q storage.Querier, limit int, out io.Writer) error {
	reports, err := q.Searches(limit)
	if err != nil {
		return fmt.Errorf("reading search history: %w", err)
	}
	return encodeIndented(out, reports)
}

func printTierHistory(q storage.Querier, limit int, out io.Writer) error {
	changes, err := q.TierChanges(limit)
	if err != nil {
		return fmt.Errorf("reading tier history: %w", err)
	}
	return encodeIndented(out, changes)
}

func encodeIndented(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
