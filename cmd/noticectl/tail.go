package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/notice-relay/client"
)

// runTail prints the backlog and then live notices until interrupted.
func runTail(args []string) error {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	url := fs.String("url", relayURL(), "Relay WebSocket URL")
	raw := fs.Bool("raw", false, "Print payloads exactly as received")
	timeout := fs.Duration("timeout", 5*time.Second, "Connect timeout")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := dial(ctx, *url, *timeout)
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Println(dimStyle.Render("connected to " + *url))

	for {
		select {
		case msg, ok := <-c.Messages():
			if !ok {
				return c.Err()
			}
			fmt.Println(formatMessage(msg, *raw))
		case <-ctx.Done():
			return nil
		}
	}
}

func formatMessage(msg client.Message, raw bool) string {
	if raw {
		return string(msg.Raw)
	}
	if msg.Err != nil {
		return errStyle.Render("undecodable: ") + string(msg.Raw)
	}
	if msg.Notice.IsClear() {
		return infoStyle.Render("-- cleared --")
	}

	stamp := msg.Notice.RawDate
	if !msg.Notice.Date.IsZero() {
		stamp = msg.Notice.Date.Local().Format("2006-01-02 15:04:05")
	}
	return dimStyle.Render(stamp) + " " + msg.Notice.Message
}
