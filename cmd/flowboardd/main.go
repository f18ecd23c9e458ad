package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/gorilla/mux"
	"github.com/grandcat/zeroconf"
	"nhooyr.io/websocket"

	"github.com/kettlebird/flowboard/pkg/authority"
)

var port = flag.Int("port", 8000, "port to listen for http server")
var assetDir = flag.String("assetDir", "", "directory of static web assets to serve, empty disables static serving")
var boltPath = flag.String("boltPath", "", "path to an embedded bbolt database, used when DATABASE_URL is not set")
var purgeSeconds = flag.Int("purgeSeconds", 600, "seconds an empty room is kept before it is closed")
var mdns = flag.Bool("mdns", false, "advertise this authority on the local network via mDNS")

func openStore(ctx context.Context) (authority.Store, error) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		store, err := authority.NewPGStore(ctx, dsn)
		if err != nil {
			return nil, err
		}
		log.Print("Persisting documents to PostgreSQL")
		return store, nil
	}
	if *boltPath != "" {
		store, err := authority.NewBoltStore(*boltPath)
		if err != nil {
			return nil, err
		}
		log.Printf("Persisting documents to %s", *boltPath)
		return store, nil
	}
	log.Print("No persistence configured, documents are kept in memory only")
	return authority.NewMemStore(), nil
}

func webSocketHandler(manager *authority.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		c, err := websocket.Accept(w, req, &websocket.AcceptOptions{})
		if err != nil {
			log.Print("Error upgrading websocket:", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "oops")

		err = serveConnection(req.Context(), c, manager)
		if err != nil {
			log.Print("Connection ended:", err)
		}
		c.Close(websocket.StatusNormalClosure, "bye")
	}
}

func main() {
	flag.Parse()
	ctx := context.Background()

	store, err := openStore(ctx)
	if err != nil {
		log.Fatal(err)
	}

	var bridge *authority.Bridge
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		bridge, err = authority.NewBridge(ctx, addr)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Relaying operations through redis at %s", addr)
	}

	manager := authority.NewManager(store, bridge, time.Duration(*purgeSeconds)*time.Second)

	router := mux.NewRouter()
	router.HandleFunc("/ws", webSocketHandler(manager))
	router.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	if *assetDir != "" {
		router.PathPrefix("/").Handler(gziphandler.GzipHandler(http.FileServer(http.Dir(*assetDir))))
	}

	if *mdns {
		hostname, _ := os.Hostname()
		server, err := zeroconf.Register(
			fmt.Sprintf("flowboard-%s", hostname),
			"_flowboard._tcp",
			"local.",
			*port,
			[]string{"path=/ws"},
			nil,
		)
		if err != nil {
			log.Fatalf("Failed to register mDNS service: %v", err)
		}
		defer server.Shutdown()
		log.Print("Advertising _flowboard._tcp via mDNS")
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: router,
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		log.Print("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		manager.StopAll()
		if bridge != nil {
			bridge.Close()
		}
		store.Close()
		os.Exit(0)
	}()

	log.Printf("Starting authority on port: %d", *port)
	err = httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
