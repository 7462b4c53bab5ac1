package network

import (
	"fmt"
	"net"
	"strconv"

	"glc-node/pkg/logger"
)

var log = logger.NewDefaultLogger()

// LookUpSeeds resolves configured seed entries (host:port) into dialable
// ip:port addresses. A host that resolves to several records contributes
// them all.
func LookUpSeeds(seeds []string) []string {
	var addrs []string
	for _, seed := range seeds {
		host, portStr, err := net.SplitHostPort(seed)
		if err != nil {
			log.Warn(fmt.Sprintf("bad seed %q: %v", seed, err))
			continue
		}
		if _, err := strconv.Atoi(portStr); err != nil {
			log.Warn(fmt.Sprintf("bad seed port %q: %v", seed, err))
			continue
		}

		ips, err := net.LookupIP(host)
		if err != nil {
			log.Warn(err.Error())
			continue
		}
		log.Info(fmt.Sprintf("Found %d Peers From %s", len(ips), host))

		for _, ip := range ips {
			addrs = append(addrs, net.JoinHostPort(ip.String(), portStr))
		}
	}
	return addrs
}
