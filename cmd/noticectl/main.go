// Command noticectl talks to a notice relay from the terminal.
//
// Usage:
//
//	noticectl <command> [options]
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gookit/color"

	"github.com/whisper/notice-relay/client"
)

const defaultURL = "ws://localhost:4040/"

var (
	errStyle  = color.New(color.FgRed, color.OpBold)
	dimStyle  = color.New(color.FgGray)
	infoStyle = color.New(color.FgCyan)
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "send":
		err = runSend(os.Args[2:])
	case "clear":
		err = runClear(os.Args[2:])
	case "tail":
		err = runTail(os.Args[2:])
	case "discover":
		err = runDiscover(os.Args[2:])
	case "bench":
		err = runBench(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: noticectl <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  send <message>  Publish a notice")
	fmt.Println("  clear           Clear the relay history")
	fmt.Println("  tail            Print the backlog, then live notices")
	fmt.Println("  discover        Find relays on the local network")
	fmt.Println("  bench           Measure fan-out latency with many clients")
	fmt.Println()
	fmt.Println("Run 'noticectl <command> -h' for command-specific options.")
}

// relayURL returns the default relay URL, overridable with RELAY_URL.
func relayURL() string {
	if v := os.Getenv("RELAY_URL"); v != "" {
		return v
	}
	return defaultURL
}

func dial(ctx context.Context, url string, timeout time.Duration) (*client.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return client.Dial(ctx, url)
}
