// Command lightstreamer-example dials a TLCP server, subscribes to one
// MERGE item, and prints each update until interrupted. It exists to
// prove the public API surface compiles and wires together; CLI/logging
// configuration proper is out of scope for the core (see SPEC_FULL.md).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	lightstreamer "github.com/daniloaz/lightstreamer-client"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "TLCP server URL")
	adapterSet := flag.String("adapter-set", "DEMO", "adapter set name")
	items := flag.String("items", "item1", "comma-separated item names")
	fields := flag.String("fields", "value", "comma-separated field names")
	flag.Parse()

	logger := lightstreamer.NewZerologLogger("lightstreamer-example")

	client, err := lightstreamer.NewClient(*serverURL, *adapterSet, "", "", lightstreamer.ClientConfig{
		Logger: logger,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "new client:", err)
		os.Exit(1)
	}
	client.AddListener(statusListener{})

	sub, err := lightstreamer.NewSubscription(
		lightstreamer.ModeMerge,
		strings.Split(*items, ","),
		"",
		strings.Split(*fields, ","),
		"",
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, "new subscription:", err)
		os.Exit(1)
	}
	sub.AddListener(updatePrinter{})
	if _, err := client.Subscribe(sub); err != nil {
		fmt.Fprintln(os.Stderr, "subscribe:", err)
		os.Exit(1)
	}

	shutdown := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		close(shutdown)
	}()

	if err := client.Connect(shutdown); err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}
	<-shutdown
	_ = client.Disconnect()
}

type statusListener struct {
	lightstreamer.BaseClientListener
}

func (statusListener) OnStatusChange(status string) {
	fmt.Println("status:", status)
}

func (statusListener) OnServerError(code int, message string) {
	fmt.Fprintf(os.Stderr, "server error %d: %s\n", code, message)
}

type updatePrinter struct {
	lightstreamer.BaseSubscriptionListener
}

func (updatePrinter) OnItemUpdate(update lightstreamer.ItemUpdate) {
	fmt.Printf("item %d snapshot=%v changed=%v values=%v\n",
		update.ItemIndex, update.IsSnapshot, update.Changed, deref(update.Values))
}

func deref(values map[string]*string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if v == nil {
			out[k] = "<null>"
			continue
		}
		out[k] = *v
	}
	return out
}
