// Command relayprobe connects to a relay, identifies as a user and prints
// every event it receives as a JSON line.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"kampus/internal/client"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "relay websocket URL")
	user := flag.String("user", "", "user id to identify as")
	chatID := flag.String("chat", "", "chat to join after identifying")
	flag.Parse()

	if *user == "" {
		fmt.Fprintln(os.Stderr, "Usage: relayprobe -user <id> [-url <ws url>] [-chat <chat id>]")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := probe(ctx, log, os.Stdout, *url, *user, *chatID); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("probe failed", "error", err)
		os.Exit(1)
	}
}

func probe(ctx context.Context, log *slog.Logger, out io.Writer, url, user, chatID string) error {
	c, err := client.Dial(ctx, log, url)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	log.Info("connected", "conn_id", c.ConnectionID())

	if err := c.Identify(user); err != nil {
		return err
	}
	if chatID != "" {
		if err := c.JoinChat(chatID); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(out)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				return client.ErrClosed
			}
			if err := enc.Encode(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
