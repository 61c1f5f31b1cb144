package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/zeromicro/go-zero/core/conf"
	"github.com/zeromicro/go-zero/rest"

	"marketpulse/internal/config"
	"marketpulse/internal/store"
	"marketpulse/internal/svc"
)

var configFile = flag.String("f", "etc/marketpulse.yaml", "the config file")

func main() {
	flag.Parse()

	var c config.Config
	conf.MustLoad(*configFile, &c)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Session/position durable storage is an external collaborator; this
	// process only reads it. The in-memory stores here are placeholders
	// for a real database-backed implementation supplied at deploy time.
	sessions := store.NewMemorySessionStore()
	positions := store.NewMemoryPositionStore()

	core := svc.New(c, sessions, positions)

	server := rest.MustNewServer(c.RestConf)
	defer server.Stop()

	server.AddRoute(rest.Route{
		Method:  "GET",
		Path:    "/ws",
		Handler: core.Gateway.ServeHTTP,
	})

	go core.Run(ctx)
	log.Println("[Main] pipeline started")

	fmt.Printf("Starting server at %s:%d...\n", c.Host, c.Port)
	fmt.Printf("WebSocket endpoint: ws://%s:%d/ws\n", c.Host, c.Port)
	server.Start()
}
