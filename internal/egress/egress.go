// Package egress gives the in-process bridge an advisory check on its
// own cloud-leg dials: a dial to any host other than the one the last
// /list/get exchange named is logged. The robot's own egress enforcement
// is iptables-based and stays out of scope (spec.md §1, §6); this
// package only logs a foreign-host dial attempt, mirroring
// the original's tcp_start addon hook (original_source/python/mitm.py)
// without its os.system("iptables ...") side effect.
package egress

import (
	"strings"
	"sync"

	logging "github.com/op/go-logging"
)

var log = logging.MustGetLogger("egress")

// Guard tracks the single cloud host the /list/get exchange most
// recently authorised and flags a cloud-leg dial to anything else.
type Guard struct {
	mu          sync.RWMutex
	allowedHost string
}

// NewGuard builds an empty Guard; SetAllowed is called whenever the
// resolver learns a new remote address.
func NewGuard() *Guard {
	return &Guard{}
}

// SetAllowed records the host the bridge is now authorised to dial, per
// the most recent /list/get interception.
func (g *Guard) SetAllowed(host string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allowedHost = host
}

// CheckDial reports whether host matches the last authorised cloud
// host. It never blocks the dial itself — callers decide what to do
// with a false result — it only logs a warning for visibility.
func (g *Guard) CheckDial(host string) bool {
	g.mu.RLock()
	allowed := g.allowedHost
	g.mu.RUnlock()

	if allowed == "" || strings.EqualFold(host, allowed) {
		return true
	}
	log.Warningf("cloud leg dialing %s, which does not match the last /list/get-authorised host %s", host, allowed)
	return false
}
