// chapps-inbound-multi runs the cascading inbound policy bundle:
// greylisting, then SPF enforcement, on one TCP listener, mirroring the
// original chapps_inbound_multi.py service script's
// InboundMultipolicyHandler. The SPF engine's "none"/"neutral" results
// may fall through to the greylist engine's own decision on the same
// request, per the PostfixSPFActions "greylist" marker (§4.H).
package main

import (
	"flag"
	"fmt"

	"blitiri.com.ar/go/log"

	"github.com/easydns/chapps/internal/config"
	"github.com/easydns/chapps/internal/daemon"
	"github.com/easydns/chapps/internal/dispatch"
	"github.com/easydns/chapps/internal/greylist"
	"github.com/easydns/chapps/internal/spfengine"
)

var (
	configPath = flag.String("config", "", "path to the CHAPPS config file (overrides "+config.EnvVar+")")
	listenAddr = flag.String("listen", "", "override the bundle's listen address:port (defaults to GreylistingPolicy's)")
)

func main() {
	flag.Parse()
	log.Init()

	log.Infof("chapps-inbound-multi starting")
	cfg := daemon.LoadConfig(*configPath)

	stores, err := daemon.OpenStores(cfg)
	if err != nil {
		log.Fatalf("opening stores: %v", err)
	}
	defer stores.Close()

	greylistEngine := greylist.New(stores.Cache, stores.Config, cfg.Greylisting)
	spfEngine := spfengine.New(stores.Config, cfg.SPF, cfg.SPFActions)

	policies := []dispatch.Policy{
		dispatch.GreylistPolicy(greylistEngine, cfg.Greylisting),
		dispatch.SPFPolicy(spfEngine, cfg.SPF, greylistEngine),
	}

	addr := *listenAddr
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", cfg.Greylisting.ListenAddress, cfg.Greylisting.ListenPort)
	}
	srv := dispatch.NewServer(addr, policies...)

	listener, err := daemon.Listen(addr)
	if err != nil {
		log.Fatalf("listening on %s: %v", addr, err)
	}

	go daemon.WaitForShutdown(func() { listener.Close() })

	log.Infof("chapps-inbound-multi listening on %s (Greylist -> SPF)", addr)
	if err := srv.Serve(listener); err != nil {
		log.Infof("server stopped: %v", err)
	}
}
