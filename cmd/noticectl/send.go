package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/whisper/notice-relay/client"
	"github.com/whisper/notice-relay/internal/protocol"
)

// runSend publishes one notice and waits for the relay to echo it back, so
// that the command only returns once the notice was accepted.
func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	url := fs.String("url", relayURL(), "Relay WebSocket URL")
	timeout := fs.Duration("timeout", 5*time.Second, "Connect and echo timeout")
	fs.Parse(args)

	message := strings.Join(fs.Args(), " ")
	if message == "" {
		return errors.New("send: message is required")
	}
	return publishAndConfirm(*url, *timeout, protocol.NewNotice(message))
}

// runClear sends a CLEAR command.
func runClear(args []string) error {
	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	url := fs.String("url", relayURL(), "Relay WebSocket URL")
	timeout := fs.Duration("timeout", 5*time.Second, "Connect and echo timeout")
	fs.Parse(args)

	return publishAndConfirm(*url, *timeout, protocol.NewClear())
}

func publishAndConfirm(url string, timeout time.Duration, n protocol.Notice) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c, err := dial(ctx, url, timeout)
	if err != nil {
		return err
	}
	defer c.Close()

	payload, err := protocol.Encode(n)
	if err != nil {
		return err
	}
	if err := c.SendRaw(payload); err != nil {
		return err
	}

	// The backlog arrives first; wait for our own payload.
	if err := waitForEcho(ctx, c, payload); err != nil {
		return err
	}

	if n.IsClear() {
		fmt.Println(infoStyle.Render("history cleared"))
	} else {
		fmt.Printf("%s %s\n", infoStyle.Render("sent"), n.Message)
	}
	return nil
}

func waitForEcho(ctx context.Context, c *client.Client, payload []byte) error {
	for {
		select {
		case msg, ok := <-c.Messages():
			if !ok {
				if err := c.Err(); err != nil {
					return err
				}
				return client.ErrClosed
			}
			if string(msg.Raw) == string(payload) {
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("waiting for echo: %w", ctx.Err())
		}
	}
}
