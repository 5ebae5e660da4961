package testutils

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
)

// FakeRule is a forwarding rule as the fake device stores it.
type FakeRule struct {
	ID           string
	Name         string
	Protocol     string
	ExternalPort int
	InternalIP   string
	InternalPort int
	Enabled      bool
}

// FakeGateway is an in-process device speaking the luci admin dialect.
// It backs an httptest server so tests exercise the real transport,
// decoder and session code. Failure injection is per operation, and every
// accepted mutation lands in an ordered operation log.
type FakeGateway struct {
	mu sync.RWMutex

	server   *httptest.Server
	username string
	password string

	token   string
	expired bool
	nextID  int
	rules   []FakeRule

	callCount         map[string]int
	simulatedFailures map[string]bool
	transientFailures map[string]int
	silentDrops       map[string]bool
	opLog             []string

	// WANIP is what gwinfo reports as the public address.
	WANIP string
}

// NewFakeGateway starts a fake device accepting the given credentials.
func NewFakeGateway(username, password string) *FakeGateway {
	g := &FakeGateway{
		username:          username,
		password:          password,
		nextID:            1,
		callCount:         make(map[string]int),
		simulatedFailures: make(map[string]bool),
		transientFailures: make(map[string]int),
		silentDrops:       make(map[string]bool),
		WANIP:             "203.0.113.7",
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/luci", g.handleLogin)
	mux.HandleFunc("/cgi-bin/luci/admin/logout", g.handleLogout)
	mux.HandleFunc("/cgi-bin/luci/admin/settings/gwinfo", g.handleGwInfo)
	mux.HandleFunc("/cgi-bin/luci/admin/settings/pmDisplay", g.handleDisplay)
	mux.HandleFunc("/cgi-bin/luci/admin/settings/pmSetSingle", g.handleSetSingle)
	g.server = httptest.NewServer(mux)
	return g
}

// URL returns the fake device's base URL.
func (g *FakeGateway) URL() string {
	return g.server.URL
}

// Close shuts the fake device down.
func (g *FakeGateway) Close() {
	g.server.Close()
}

// SeedRule adds a rule directly to the table and returns its id.
func (g *FakeGateway) SeedRule(name, protocol string, externalPort int, internalIP string, internalPort int, enabled bool) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := strconv.Itoa(g.nextID)
	g.nextID++
	g.rules = append(g.rules, FakeRule{
		ID:           id,
		Name:         name,
		Protocol:     protocol,
		ExternalPort: externalPort,
		InternalIP:   internalIP,
		InternalPort: internalPort,
		Enabled:      enabled,
	})
	return id
}

// Rules returns a copy of the current rule table.
func (g *FakeGateway) Rules() []FakeRule {
	g.mu.RLock()
	defer g.mu.RUnlock()
	result := make([]FakeRule, len(g.rules))
	copy(result, g.rules)
	return result
}

// ExpireSession invalidates the current session; the next authenticated
// call answers with the login page until a fresh login succeeds.
func (g *FakeGateway) ExpireSession() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expired = true
}

// SetSimulatedFailure controls failure for specific operations. Known
// keys: "login", "del", "add", "enable", "disable", "display", "gwinfo",
// and "session" (authenticated calls keep answering the login page even
// after a successful re-login).
func (g *FakeGateway) SetSimulatedFailure(operation string, shouldFail bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.simulatedFailures[operation] = shouldFail
}

// FailNext makes the next count calls of an operation fail, then clears.
// Reads answer 500, mutations answer a rejecting ack.
func (g *FakeGateway) FailNext(operation string, count int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transientFailures[operation] = count
}

// SetSilentDrop makes "add" or "del" acknowledge success without
// touching the table.
func (g *FakeGateway) SetSilentDrop(operation string, drop bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.silentDrops[operation] = drop
}

// CallCount returns how many times an endpoint or operation was hit.
func (g *FakeGateway) CallCount(operation string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.callCount[operation]
}

// OpLog returns the ordered log of accepted mutations.
func (g *FakeGateway) OpLog() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	result := make([]string, len(g.opLog))
	copy(result, g.opLog)
	return result
}

const loginPage = `<html><body><form method="post" action="/cgi-bin/luci">
<input name="username"/><input name="psd" type="password"/></form></body></html>`

func loginSuccessPage(token string) string {
	return fmt.Sprintf(`<html><script>var ctx = { token: '%s' };</script></html>`, token)
}

func newToken() string {
	raw := make([]byte, 16)
	_, _ = rand.Read(raw)
	return hex.EncodeToString(raw)
}

func (g *FakeGateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.callCount["login"]++

	if g.simulatedFailures["login"] ||
		r.FormValue("username") != g.username ||
		r.FormValue("psd") != g.password {
		fmt.Fprint(w, loginPage)
		return
	}

	g.token = newToken()
	g.expired = false
	http.SetCookie(w, &http.Cookie{Name: "sysauth", Value: g.token, Path: "/"})
	fmt.Fprint(w, loginSuccessPage(g.token))
}

// authorized reports whether the request carries a live session. Called
// with the lock held.
func (g *FakeGateway) authorized(r *http.Request) bool {
	if g.expired || g.simulatedFailures["session"] || g.token == "" {
		return false
	}
	cookie, err := r.Cookie("sysauth")
	return err == nil && cookie.Value == g.token
}

func (g *FakeGateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.callCount["logout"]++
	g.token = ""
	g.expired = true
	writeJSON(w, map[string]int{"retVal": 0})
}

func (g *FakeGateway) handleGwInfo(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.callCount["gwinfo"]++

	if !g.authorized(r) {
		fmt.Fprint(w, loginPage)
		return
	}
	if g.simulatedFailures["gwinfo"] {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{
		"LANIP":      "192.168.1.1",
		"LANIPv6":    "fe80::1",
		"MAC":        "00:11:22:33:44:55",
		"WANIP":      g.WANIP,
		"WANIPv6":    "",
		"ProductSN":  "TEST00001",
		"DevType":    "Gateway",
		"SWVer":      "1.0-test",
		"ProductCls": "e8",
	})
}

func (g *FakeGateway) handleDisplay(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.callCount["display"]++

	if !g.authorized(r) {
		fmt.Fprint(w, loginPage)
		return
	}
	if g.simulatedFailures["display"] {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if g.transientFailures["display"] > 0 {
		g.transientFailures["display"]--
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	body := map[string]any{
		"mask":  "255.255.255.0",
		"lanIp": "192.168.1.1",
		"count": len(g.rules),
	}
	for _, rule := range g.rules {
		enable := 0
		if rule.Enabled {
			enable = 1
		}
		body[rule.ID] = map[string]any{
			"desp":     rule.Name,
			"protocol": rule.Protocol,
			"exPort":   rule.ExternalPort,
			"inPort":   rule.InternalPort,
			"client":   rule.InternalIP,
			"enable":   enable,
		}
	}
	writeJSON(w, body)
}

func (g *FakeGateway) handleSetSingle(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	op := r.FormValue("op")
	g.callCount[op]++

	if !g.authorized(r) || r.FormValue("token") != g.token {
		fmt.Fprint(w, loginPage)
		return
	}
	if g.simulatedFailures[op] {
		writeJSON(w, map[string]int{"retVal": 1})
		return
	}
	if g.transientFailures[op] > 0 {
		g.transientFailures[op]--
		writeJSON(w, map[string]int{"retVal": 1})
		return
	}

	switch op {
	case "add":
		exPort, _ := strconv.Atoi(r.FormValue("exPort"))
		inPort, _ := strconv.Atoi(r.FormValue("inPort"))
		// The device refuses a second rule on the same external port and
		// protocol.
		for _, rule := range g.rules {
			if rule.ExternalPort == exPort && rule.Protocol == r.FormValue("protocol") && rule.InternalIP == r.FormValue("client") {
				writeJSON(w, map[string]int{"retVal": 1})
				return
			}
		}
		if !g.silentDrops["add"] {
			id := strconv.Itoa(g.nextID)
			g.nextID++
			g.rules = append(g.rules, FakeRule{
				ID:           id,
				Name:         r.FormValue("srvname"),
				Protocol:     r.FormValue("protocol"),
				ExternalPort: exPort,
				InternalIP:   r.FormValue("client"),
				InternalPort: inPort,
				Enabled:      true,
			})
			g.opLog = append(g.opLog, fmt.Sprintf("add %s->%s", r.FormValue("srvname"), r.FormValue("client")))
		}
		writeJSON(w, map[string]int{"retVal": 0})
	case "del":
		id := r.FormValue("id")
		for i, rule := range g.rules {
			if rule.ID == id {
				if !g.silentDrops["del"] {
					g.rules = append(g.rules[:i], g.rules[i+1:]...)
					g.opLog = append(g.opLog, "del "+id)
				}
				writeJSON(w, map[string]int{"retVal": 0})
				return
			}
		}
		writeJSON(w, map[string]int{"retVal": 2})
	case "enable", "disable":
		id := r.FormValue("id")
		for i, rule := range g.rules {
			if rule.ID == id {
				g.rules[i].Enabled = op == "enable"
				g.opLog = append(g.opLog, op+" "+id)
				writeJSON(w, map[string]int{"retVal": 0})
				return
			}
		}
		writeJSON(w, map[string]int{"retVal": 2})
	default:
		writeJSON(w, map[string]int{"retVal": 1})
	}
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
