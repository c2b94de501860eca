package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/whisper/notice-relay/internal/discovery"
)

// runDiscover browses mDNS for relays and prints those found.
func runDiscover(args []string) error {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	wait := fs.Duration("wait", 3*time.Second, "How long to browse")
	fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), *wait)
	defer cancel()

	var mu sync.Mutex
	found := make(map[string]discovery.Relay)
	err := discovery.Browse(ctx, func(r discovery.Relay) {
		mu.Lock()
		found[r.Name] = r
		mu.Unlock()
	})
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	if len(found) == 0 {
		fmt.Println(dimStyle.Render("no relays found"))
		return nil
	}

	names := make([]string, 0, len(found))
	for name := range found {
		names = append(names, name)
	}
	sort.Strings(names)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Name", "URL", "Info"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, name := range names {
		r := found[name]
		table.Append([]string{r.Name, r.URL(), strings.Join(r.Text, " ")})
	}
	table.Render()
	return nil
}
