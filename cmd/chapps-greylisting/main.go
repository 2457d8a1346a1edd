// chapps-greylisting runs the standalone greylisting policy service,
// mirroring the original chapps_greylisting.py service script.
package main

import (
	"flag"
	"fmt"

	"blitiri.com.ar/go/log"

	"github.com/easydns/chapps/internal/config"
	"github.com/easydns/chapps/internal/daemon"
	"github.com/easydns/chapps/internal/dispatch"
	"github.com/easydns/chapps/internal/greylist"
)

var configPath = flag.String("config", "", "path to the CHAPPS config file (overrides "+config.EnvVar+")")

func main() {
	flag.Parse()
	log.Init()

	log.Infof("chapps-greylisting starting")
	cfg := daemon.LoadConfig(*configPath)

	stores, err := daemon.OpenStores(cfg)
	if err != nil {
		log.Fatalf("opening stores: %v", err)
	}
	defer stores.Close()

	engine := greylist.New(stores.Cache, stores.Config, cfg.Greylisting)
	policy := dispatch.GreylistPolicy(engine, cfg.Greylisting)

	addr := fmt.Sprintf("%s:%d", cfg.Greylisting.ListenAddress, cfg.Greylisting.ListenPort)
	srv := dispatch.NewServer(addr, policy)

	listener, err := daemon.Listen(addr)
	if err != nil {
		log.Fatalf("listening on %s: %v", addr, err)
	}

	go daemon.WaitForShutdown(func() { listener.Close() })

	log.Infof("chapps-greylisting listening on %s", addr)
	if err := srv.Serve(listener); err != nil {
		log.Infof("server stopped: %v", err)
	}
}
