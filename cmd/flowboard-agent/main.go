// flowboard-agent is a headless flowboard client: it joins a document as an
// observing participant and logs roster, presence and operation traffic.
// Useful for smoke-testing an authority and as a worked example of the
// client core.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"

	"github.com/kettlebird/flowboard/pkg/collab"
)

var url = flag.String("url", "", "authority websocket url, e.g. ws://localhost:8000/ws")
var discover = flag.Bool("discover", false, "discover an authority on the local network via mDNS")
var documentID = flag.String("doc", "", "document id to join")
var documentKind = flag.String("kind", "workflow", "document kind")
var username = flag.String("name", "agent", "username to join as")

// loggingHost satisfies collab.Host with an in-memory document and prints
// what a real UI would render.
type loggingHost struct {
	doc collab.Document
}

func (h *loggingHost) Document() collab.Document {
	return h.doc
}

func (h *loggingHost) ReplaceDocument(doc collab.Document) {
	h.doc = doc
	log.Printf("Document replaced: %d nodes, %d edges", len(doc.Nodes), len(doc.Edges))
}

func (h *loggingHost) PresenceChanged() {
	log.Print("Presence changed")
}

func (h *loggingHost) StructuralChanged() {
	log.Print("Graph structure changed")
}

func discoverAuthority(ctx context.Context) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("initialize mDNS resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	browseCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := resolver.Browse(browseCtx, "_flowboard._tcp", "local.", entries); err != nil {
		return "", fmt.Errorf("browse for authorities: %w", err)
	}
	for entry := range entries {
		if len(entry.AddrIPv4) == 0 {
			continue
		}
		found := fmt.Sprintf("ws://%s:%d/ws", entry.AddrIPv4[0], entry.Port)
		log.Printf("Discovered authority %s at %s", entry.Instance, found)
		return found, nil
	}
	return "", fmt.Errorf("no authority found on the local network")
}

func main() {
	flag.Parse()
	if *documentID == "" {
		log.Fatal("-doc is required")
	}
	ctx := context.Background()

	endpoint := *url
	if *discover {
		var err error
		endpoint, err = discoverAuthority(ctx)
		if err != nil {
			log.Fatal(err)
		}
	}
	if endpoint == "" {
		log.Fatal("either -url or -discover is required")
	}

	session := collab.NewSession(&loggingHost{}, collab.WebsocketFactory(endpoint), collab.Options{
		UserID:   uuid.NewString(),
		Username: *username,
	})
	defer session.Close()

	if err := session.Join(ctx, *documentID, *documentKind); err != nil {
		log.Fatal(err)
	}
	log.Printf("Joined document %s at %s", *documentID, endpoint)

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	for {
		select {
		case <-ticker.C:
			log.Printf("connected=%v version=%d participants=%d cursors=%d pending=%d",
				session.IsConnected(), session.ServerVersion(),
				len(session.Participants()), len(session.Cursors()),
				session.PendingOperations())
		case <-c:
			log.Print("Leaving")
			session.Leave()
			return
		}
	}
}
