// chapps-outbound-quota runs the standalone outbound send-rate quota
// policy service: one TCP listener, one engine, no cascade, mirroring the
// original chapps_outbound_quota.py service script.
package main

import (
	"flag"
	"fmt"

	"blitiri.com.ar/go/log"

	"github.com/easydns/chapps/internal/config"
	"github.com/easydns/chapps/internal/daemon"
	"github.com/easydns/chapps/internal/dispatch"
	"github.com/easydns/chapps/internal/quota"
)

var configPath = flag.String("config", "", "path to the CHAPPS config file (overrides "+config.EnvVar+")")

func main() {
	flag.Parse()
	log.Init()

	log.Infof("chapps-outbound-quota starting")
	cfg := daemon.LoadConfig(*configPath)

	stores, err := daemon.OpenStores(cfg)
	if err != nil {
		log.Fatalf("opening stores: %v", err)
	}
	defer stores.Close()

	engine := quota.New(stores.Cache, stores.Config, cfg.Core.UserKey, cfg.Quota)
	policy := dispatch.QuotaPolicy(engine, cfg.Quota)

	addr := fmt.Sprintf("%s:%d", cfg.Quota.ListenAddress, cfg.Quota.ListenPort)
	srv := dispatch.NewServer(addr, policy)

	listener, err := daemon.Listen(addr)
	if err != nil {
		log.Fatalf("listening on %s: %v", addr, err)
	}

	go daemon.WaitForShutdown(func() { listener.Close() })

	log.Infof("chapps-outbound-quota listening on %s", addr)
	if err := srv.Serve(listener); err != nil {
		log.Infof("server stopped: %v", err)
	}
}
