// Package condition evaluates the textual conditions that steer an
// invocation to the remote or the local path.
//
// A condition evaluating true means "go remote"; false means "go local".
// The built-in forms are composed with user-registered prefix handlers
// behind a single boolean predicate.
package condition

import (
	"net"
	"strings"
	"sync"
	"time"
)

// Handler evaluates the remainder of a condition after its prefix.
type Handler func(rest string) bool

// Evaluator resolves condition strings. Zero value is not usable; call New.
type Evaluator struct {
	mu     sync.RWMutex
	custom map[string]Handler

	// ipCache memoizes interface scans per literal address.
	ipCache sync.Map // string → bool

	// now and hostAddrs are swapped by tests.
	now       func() time.Time
	hostAddrs func() []string
}

// New returns an evaluator with the built-in strategies.
func New() *Evaluator {
	return &Evaluator{
		custom:    make(map[string]Handler),
		now:       time.Now,
		hostAddrs: upInterfaceAddrs,
	}
}

// Register adds a custom prefix handler. Built-in prefixes take precedence.
func (e *Evaluator) Register(prefix string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.custom[prefix] = h
}

// Evaluate resolves a condition string. Matching is case-sensitive after
// trimming surrounding whitespace; unrecognized strings evaluate to false.
func (e *Evaluator) Evaluate(cond string) bool {
	cond = strings.TrimSpace(cond)

	switch {
	case cond == "":
		return true
	case cond == "booltrue":
		return true
	case cond == "boolfalse":
		return false
	case strings.HasPrefix(cond, "time"):
		return e.evalTime(cond[len("time"):])
	case strings.HasPrefix(cond, "ip"):
		return e.evalIP(cond[len("ip"):])
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	// Longest registered prefix wins so "regionEU" beats "region".
	var best string
	for prefix := range e.custom {
		if strings.HasPrefix(cond, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		return e.custom[best](cond[len(best):])
	}
	return false
}

// evalTime expects exactly "HHMM-HHMM" and reports whether the local
// wall-clock time lies within the range. Both bounds are inclusive, and a
// range whose start exceeds its end spans midnight.
func (e *Evaluator) evalTime(spec string) bool {
	if len(spec) != 9 || spec[4] != '-' {
		return false
	}
	start, ok1 := parseHHMM(spec[:4])
	end, ok2 := parseHHMM(spec[5:])
	if !ok1 || !ok2 {
		return false
	}

	now := e.now()
	minute := now.Hour()*60 + now.Minute()

	if start <= end {
		return minute >= start && minute <= end
	}
	return minute >= start || minute <= end
}

func parseHHMM(s string) (int, bool) {
	for i := 0; i < 4; i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[2]-'0')*10 + int(s[3]-'0')
	if h > 23 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// evalIP reports whether the host carries the literal IPv4 address on any
// up, non-loopback interface. The scan result is cached per address.
func (e *Evaluator) evalIP(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() == nil {
		return false
	}

	if cached, ok := e.ipCache.Load(addr); ok {
		return cached.(bool)
	}

	found := false
	for _, have := range e.hostAddrs() {
		if have == addr {
			found = true
			break
		}
	}
	e.ipCache.Store(addr, found)
	return found
}

// upInterfaceAddrs collects IPv4 addresses of up, non-loopback interfaces.
func upInterfaceAddrs() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var out []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil && ip.To4() != nil {
				out = append(out, ip.To4().String())
			}
		}
	}
	return out
}
