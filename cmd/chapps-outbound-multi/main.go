// chapps-outbound-multi runs the cascading outbound policy bundle: sender
// domain authorization, then quota admission, on one TCP listener. The
// first engine to deny ends evaluation, mirroring the original
// chapps_outbound_multi.py service script's OutboundMultipolicyHandler.
package main

import (
	"flag"
	"fmt"

	"blitiri.com.ar/go/log"

	"github.com/easydns/chapps/internal/config"
	"github.com/easydns/chapps/internal/daemon"
	"github.com/easydns/chapps/internal/dispatch"
	"github.com/easydns/chapps/internal/quota"
	"github.com/easydns/chapps/internal/senderdomain"
)

var (
	configPath = flag.String("config", "", "path to the CHAPPS config file (overrides "+config.EnvVar+")")
	listenAddr = flag.String("listen", "", "override the bundle's listen address:port (defaults to SenderDomainAuthPolicy's)")
)

func main() {
	flag.Parse()
	log.Init()

	log.Infof("chapps-outbound-multi starting")
	cfg := daemon.LoadConfig(*configPath)

	stores, err := daemon.OpenStores(cfg)
	if err != nil {
		log.Fatalf("opening stores: %v", err)
	}
	defer stores.Close()

	sdaEngine := senderdomain.New(stores.Cache, stores.Config, cfg.Core.UserKey, cfg.SDA)
	quotaEngine := quota.New(stores.Cache, stores.Config, cfg.Core.UserKey, cfg.Quota)

	policies := []dispatch.Policy{
		dispatch.SenderDomainPolicy(sdaEngine, cfg.SDA),
		dispatch.QuotaPolicy(quotaEngine, cfg.Quota),
	}

	addr := *listenAddr
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", cfg.SDA.ListenAddress, cfg.SDA.ListenPort)
	}
	srv := dispatch.NewServer(addr, policies...)

	listener, err := daemon.Listen(addr)
	if err != nil {
		log.Fatalf("listening on %s: %v", addr, err)
	}

	go daemon.WaitForShutdown(func() { listener.Close() })

	log.Infof("chapps-outbound-multi listening on %s (SDA -> Quota)", addr)
	if err := srv.Serve(listener); err != nil {
		log.Infof("server stopped: %v", err)
	}
}
