package rules

import (
	"context"
	"testing"
	"time"

	"github.com/edsky/tianyi-api/pkg/gateway"
	"github.com/edsky/tianyi-api/testutils"
)

func newTestRepository(t *testing.T, fake *testutils.FakeGateway) *Repository {
	t.Helper()
	transport, err := gateway.NewTransport(gateway.TransportConfig{
		BaseURL: fake.URL(),
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to create transport: %v", err)
	}
	decoder := gateway.NewDecoder()
	session := gateway.NewSessionManager(gateway.SessionManagerConfig{
		Transport: transport,
		Decoder:   decoder,
		Username:  "useradmin",
		Password:  "secret",
	})
	if err := session.Login(context.Background()); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	return NewRepository(session, decoder)
}

func TestListMapsWireRules(t *testing.T) {
	fake := testutils.NewFakeGateway("useradmin", "secret")
	defer fake.Close()
	webID := fake.SeedRule("web", "TCP", 80, "192.168.1.11", 80, true)
	fake.SeedRule("dns", "UDP", 53, "192.168.1.12", 5353, false)

	repo := newTestRepository(t, fake)
	rules, err := repo.List(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}

	var web *ForwardingRule
	for i := range rules {
		if rules[i].ID == webID {
			web = &rules[i]
		}
	}
	if web == nil {
		t.Fatalf("rule %s not in list", webID)
	}
	if web.Name != "web" || web.Protocol != ProtocolTCP || web.ExternalPort != 80 ||
		web.InternalIP != "192.168.1.11" || web.InternalPort != 80 || !web.Enabled {
		t.Errorf("web rule mapped wrong: %+v", web)
	}
}

func TestFindByTargetIPFiltersLastListWithoutFetching(t *testing.T) {
	fake := testutils.NewFakeGateway("useradmin", "secret")
	defer fake.Close()
	fake.SeedRule("web", "TCP", 80, "192.168.1.11", 80, true)
	fake.SeedRule("ssh", "TCP", 22, "192.168.1.11", 22, true)
	fake.SeedRule("dns", "UDP", 53, "192.168.1.12", 5353, true)

	repo := newTestRepository(t, fake)
	if _, err := repo.List(context.Background()); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	fetches := fake.CallCount("display")

	matched := repo.FindByTargetIP("192.168.1.11")
	if len(matched) != 2 {
		t.Errorf("expected 2 rules for .11, got %d", len(matched))
	}
	if fake.CallCount("display") != fetches {
		t.Error("FindByTargetIP must not fetch")
	}
}

func TestAddResolvesAssignedID(t *testing.T) {
	fake := testutils.NewFakeGateway("useradmin", "secret")
	defer fake.Close()

	repo := newTestRepository(t, fake)
	added, err := repo.Add(context.Background(), Draft{
		Name:         "web",
		Protocol:     ProtocolTCP,
		ExternalPort: 80,
		InternalIP:   "192.168.1.11",
		InternalPort: 80,
		Enabled:      true,
	})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if added.ID == "" {
		t.Error("expected a router-assigned id")
	}
	if got := fake.Rules(); len(got) != 1 || got[0].Name != "web" {
		t.Errorf("device table wrong after add: %+v", got)
	}
}

func TestAddRejectedOnConflict(t *testing.T) {
	fake := testutils.NewFakeGateway("useradmin", "secret")
	defer fake.Close()
	fake.SeedRule("web", "TCP", 80, "192.168.1.11", 80, true)

	repo := newTestRepository(t, fake)
	_, err := repo.Add(context.Background(), Draft{
		Name:         "web-dup",
		Protocol:     ProtocolTCP,
		ExternalPort: 80,
		InternalIP:   "192.168.1.11",
		InternalPort: 80,
	})
	if !IsRepoKind(err, RepoRejected) {
		t.Fatalf("expected Rejected, got %v", err)
	}
}

func TestAddRefusesOverlappingProtocolBeforeDevice(t *testing.T) {
	fake := testutils.NewFakeGateway("useradmin", "secret")
	defer fake.Close()
	fake.SeedRule("web", "TCP", 80, "192.168.1.11", 80, true)

	repo := newTestRepository(t, fake)
	if _, err := repo.List(context.Background()); err != nil {
		t.Fatalf("list failed: %v", err)
	}

	// BOTH overlaps the existing TCP rule on the same port and client.
	_, err := repo.Add(context.Background(), Draft{
		Name:         "web-any",
		Protocol:     ProtocolBoth,
		ExternalPort: 80,
		InternalIP:   "192.168.1.11",
		InternalPort: 80,
	})
	if !IsRepoKind(err, RepoRejected) {
		t.Fatalf("expected Rejected, got %v", err)
	}
	if got := fake.CallCount("add"); got != 0 {
		t.Errorf("add calls = %d, want 0 (overlap refused before the device)", got)
	}
}

func TestRemoveMissingRuleIsNotFound(t *testing.T) {
	fake := testutils.NewFakeGateway("useradmin", "secret")
	defer fake.Close()

	repo := newTestRepository(t, fake)
	err := repo.Remove(context.Background(), "42")
	if !IsRepoKind(err, RepoNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestSetEnabled(t *testing.T) {
	fake := testutils.NewFakeGateway("useradmin", "secret")
	defer fake.Close()
	id := fake.SeedRule("web", "TCP", 80, "192.168.1.11", 80, true)

	repo := newTestRepository(t, fake)
	ctx := context.Background()

	if err := repo.SetEnabled(ctx, id, false); err != nil {
		t.Fatalf("disable failed: %v", err)
	}
	if rules := fake.Rules(); rules[0].Enabled {
		t.Error("rule still enabled after disable")
	}

	if err := repo.SetEnabled(ctx, id, true); err != nil {
		t.Fatalf("enable failed: %v", err)
	}
	if rules := fake.Rules(); !rules[0].Enabled {
		t.Error("rule still disabled after enable")
	}
}

func TestMutationsUnavailableWhenDeviceDown(t *testing.T) {
	fake := testutils.NewFakeGateway("useradmin", "secret")
	repo := newTestRepository(t, fake)
	fake.Close()

	err := repo.Remove(context.Background(), "1")
	if !IsRepoKind(err, RepoUnavailable) {
		t.Fatalf("expected Unavailable, got %v", err)
	}
	if !IsRetryable(err) {
		t.Error("transport failure should be retryable")
	}
}
