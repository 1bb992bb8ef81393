package netmon

import (
	"context"
	"net"
	"strings"
	"time"
)

// DialProber probes with a TCP dial and guesses the link type from the names
// of the interfaces that are up.
type DialProber struct {
	Dialer net.Dialer
}

// Ping measures the time to open (and immediately close) a TCP connection to
// target, a host:port.
func (p *DialProber) Ping(ctx context.Context, target string) (time.Duration, error) {
	start := time.Now()
	conn, err := p.Dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(start)
	_ = conn.Close()
	return elapsed, nil
}

// CurrentLinkType reports LinkNone when no non-loopback interface is up.
func (p *DialProber) CurrentLinkType(context.Context) (LinkType, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return LinkNone, err
	}
	best := LinkNone
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}
		lt := linkTypeFromName(ifc.Name)
		if best == LinkNone || lt.preferred(best) {
			best = lt
		}
	}
	return best, nil
}

func linkTypeFromName(name string) LinkType {
	n := strings.ToLower(name)
	switch {
	case strings.HasPrefix(n, "wl"), strings.HasPrefix(n, "wifi"), strings.HasPrefix(n, "ath"):
		return LinkWiFi
	case strings.HasPrefix(n, "wwan"), strings.HasPrefix(n, "rmnet"),
		strings.HasPrefix(n, "ccmni"), strings.HasPrefix(n, "pdp_ip"):
		return LinkCellular
	default:
		return LinkOther
	}
}

// preferred orders links by how unconstrained they are: other (wired) beats
// wifi beats cellular.
func (l LinkType) preferred(than LinkType) bool {
	rank := func(x LinkType) int {
		switch x {
		case LinkOther:
			return 3
		case LinkWiFi:
			return 2
		case LinkCellular:
			return 1
		}
		return 0
	}
	return rank(l) > rank(than)
}
