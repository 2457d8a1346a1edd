// chapps-sender-domain-auth runs the standalone sender-domain
// authorization policy service: one TCP listener, one engine, no
// cascade. The original source has no dedicated service script for this
// engine alone (only the bundled chapps_outbound_multi.py); this binary
// exists so every engine named in the module map has a standalone
// service, matching the per-engine layout of chapps-outbound-quota and
// chapps-greylisting.
package main

import (
	"flag"
	"fmt"

	"blitiri.com.ar/go/log"

	"github.com/easydns/chapps/internal/config"
	"github.com/easydns/chapps/internal/daemon"
	"github.com/easydns/chapps/internal/dispatch"
	"github.com/easydns/chapps/internal/senderdomain"
)

var configPath = flag.String("config", "", "path to the CHAPPS config file (overrides "+config.EnvVar+")")

func main() {
	flag.Parse()
	log.Init()

	log.Infof("chapps-sender-domain-auth starting")
	cfg := daemon.LoadConfig(*configPath)

	stores, err := daemon.OpenStores(cfg)
	if err != nil {
		log.Fatalf("opening stores: %v", err)
	}
	defer stores.Close()

	engine := senderdomain.New(stores.Cache, stores.Config, cfg.Core.UserKey, cfg.SDA)
	policy := dispatch.SenderDomainPolicy(engine, cfg.SDA)

	addr := fmt.Sprintf("%s:%d", cfg.SDA.ListenAddress, cfg.SDA.ListenPort)
	srv := dispatch.NewServer(addr, policy)

	listener, err := daemon.Listen(addr)
	if err != nil {
		log.Fatalf("listening on %s: %v", addr, err)
	}

	go daemon.WaitForShutdown(func() { listener.Close() })

	log.Infof("chapps-sender-domain-auth listening on %s", addr)
	if err := srv.Serve(listener); err != nil {
		log.Infof("server stopped: %v", err)
	}
}
