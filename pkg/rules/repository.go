package rules

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"

	"github.com/go-logr/logr"

	"github.com/edsky/tianyi-api/pkg/gateway"
)

// RepoErrorKind categorizes rule repository failures.
type RepoErrorKind string

const (
	// RepoUnauthorized means no session could be established, even after
	// the session manager's single re-login retry.
	RepoUnauthorized RepoErrorKind = "UNAUTHORIZED"
	// RepoRejected means the device refused the mutation (port conflict,
	// table full, malformed rule).
	RepoRejected RepoErrorKind = "REJECTED"
	// RepoNotFound means the addressed rule id is no longer present.
	RepoNotFound RepoErrorKind = "NOT_FOUND"
	// RepoDecodeFailed means the response could not be decoded into the
	// expected record.
	RepoDecodeFailed RepoErrorKind = "DECODE_FAILED"
	// RepoUnavailable means the transport could not complete the exchange.
	RepoUnavailable RepoErrorKind = "NETWORK"
)

// RepoError is the typed error returned by Repository operations.
// Retryable marks failures the transaction engine's bounded verify retry
// may repeat (network hiccups, stale UI-layer responses).
type RepoError struct {
	Kind      RepoErrorKind
	Operation string
	Cause     error
	Retryable bool
}

func (e *RepoError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error in %s: %s", e.Kind, e.Operation, e.Cause.Error())
	}
	return fmt.Sprintf("%s error in %s", e.Kind, e.Operation)
}

func (e *RepoError) Unwrap() error {
	return e.Cause
}

// IsRepoKind reports whether err is a RepoError of the given kind.
func IsRepoKind(err error, kind RepoErrorKind) bool {
	var repoErr *RepoError
	return errors.As(err, &repoErr) && repoErr.Kind == kind
}

// IsRetryable reports whether err is a RepoError worth retrying.
func IsRetryable(err error) bool {
	var repoErr *RepoError
	return errors.As(err, &repoErr) && repoErr.Retryable
}

// Repository is the read/write model over the device's forwarding table.
// All exchanges route through the session manager's authenticated call.
// It remembers the most recent List result so FindByTargetIP can filter
// without a fresh fetch; callers decide freshness by calling List again.
type Repository struct {
	session *gateway.SessionManager
	decoder gateway.Decoder

	mu       sync.RWMutex
	lastList []ForwardingRule
}

// NewRepository builds a repository over an established session manager.
func NewRepository(session *gateway.SessionManager, decoder gateway.Decoder) *Repository {
	return &Repository{session: session, decoder: decoder}
}

// List fetches and decodes the current forwarding table. Ordering follows
// the device's table keys; it is not guaranteed stable across mutations,
// so callers must not assume positional identity survives a change.
func (r *Repository) List(ctx context.Context) ([]ForwardingRule, error) {
	resp, err := r.session.AuthenticatedCall(ctx, &gateway.Request{
		Method: http.MethodGet,
		Path:   gateway.RuleListPath,
	})
	if err != nil {
		return nil, r.wrapCallError("list", err)
	}

	record, err := r.decoder.Decode(resp.Body, gateway.KindRuleList)
	if err != nil {
		return nil, &RepoError{Kind: RepoDecodeFailed, Operation: "list", Cause: err, Retryable: true}
	}
	table, ok := record.(*gateway.RuleTable)
	if !ok {
		return nil, &RepoError{Kind: RepoDecodeFailed, Operation: "list",
			Cause: fmt.Errorf("decoder returned %T for rule list", record), Retryable: false}
	}

	rules := make([]ForwardingRule, 0, len(table.Rules))
	for id, wire := range table.Rules {
		protocol, err := NormalizeProtocol(wire.Protocol)
		if err != nil {
			return nil, &RepoError{Kind: RepoDecodeFailed, Operation: "list",
				Cause: fmt.Errorf("rule %s: %w", id, err), Retryable: false}
		}
		rules = append(rules, ForwardingRule{
			ID:           id,
			Name:         wire.Description,
			Protocol:     protocol,
			ExternalPort: wire.ExternalPort,
			InternalIP:   wire.Client,
			InternalPort: wire.InternalPort,
			Enabled:      wire.Enable != 0,
		})
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	r.mu.Lock()
	r.lastList = rules
	r.mu.Unlock()

	logr.FromContextOrDiscard(ctx).V(1).Info("listed forwarding rules", "count", len(rules))
	return rules, nil
}

// FindByTargetIP filters the most recent List result by internal IP. It
// does not fetch; pair it with List when freshness matters.
func (r *Repository) FindByTargetIP(ip string) []ForwardingRule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []ForwardingRule
	for _, rule := range r.lastList {
		if rule.InternalIP == ip {
			matched = append(matched, rule)
		}
	}
	return matched
}

// Add submits a new rule. The device acknowledges without echoing the
// assigned id, so Add resolves it with one follow-up List; if the table
// has not reflected the add yet, the returned rule carries an empty ID and
// the caller verifies with a fresh List of its own.
func (r *Repository) Add(ctx context.Context, draft Draft) (ForwardingRule, error) {
	if conflict := r.findConflict(draft); conflict != nil {
		return ForwardingRule{}, &RepoError{Kind: RepoRejected, Operation: "add",
			Cause: fmt.Errorf("port %d conflicts with rule %s (%s)",
				draft.ExternalPort, conflict.ID, conflict.Protocol),
			Retryable: false}
	}

	form := url.Values{}
	form.Set("op", "add")
	form.Set("srvname", draft.Name)
	form.Set("client", draft.InternalIP)
	form.Set("protocol", string(draft.Protocol))
	form.Set("exPort", strconv.Itoa(draft.ExternalPort))
	form.Set("inPort", strconv.Itoa(draft.InternalPort))
	if err := r.mutate(ctx, "add", form); err != nil {
		return ForwardingRule{}, err
	}

	added := ForwardingRule{
		Name:         draft.Name,
		Protocol:     draft.Protocol,
		ExternalPort: draft.ExternalPort,
		InternalIP:   draft.InternalIP,
		InternalPort: draft.InternalPort,
		Enabled:      draft.Enabled,
	}

	rules, err := r.List(ctx)
	if err != nil {
		// The add was acknowledged; id resolution is best effort here.
		return added, nil
	}
	for _, rule := range rules {
		if draft.Matches(rule) {
			added.ID = rule.ID
			added.Enabled = rule.Enabled
			break
		}
	}
	return added, nil
}

// findConflict checks the draft against the last table view. The device
// refuses a second rule on an external port whose protocols overlap for
// the same client; catching it here names the conflicting rule instead of
// surfacing a bare rejection ack.
func (r *Repository) findConflict(draft Draft) *ForwardingRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.lastList {
		rule := r.lastList[i]
		if rule.InternalIP == draft.InternalIP && rule.ExternalPort == draft.ExternalPort &&
			(rule.Protocol.Covers(draft.Protocol) || draft.Protocol.Covers(rule.Protocol)) {
			return &rule
		}
	}
	return nil
}

// Remove deletes a rule by id. A missing id is reported as RepoNotFound;
// idempotent callers downgrade that to success.
func (r *Repository) Remove(ctx context.Context, id string) error {
	form := url.Values{}
	form.Set("op", "del")
	form.Set("id", id)
	return r.mutate(ctx, "remove", form)
}

// SetEnabled enables or disables a rule by id.
func (r *Repository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	op := "disable"
	if enabled {
		op = "enable"
	}
	form := url.Values{}
	form.Set("op", op)
	form.Set("id", id)
	return r.mutate(ctx, op, form)
}

// mutate posts one pmSetSingle operation and maps the ack.
func (r *Repository) mutate(ctx context.Context, operation string, form url.Values) error {
	resp, err := r.session.AuthenticatedCall(ctx, &gateway.Request{
		Method: http.MethodPost,
		Path:   gateway.RuleSetPath,
		Form:   form,
	})
	if err != nil {
		return r.wrapCallError(operation, err)
	}

	record, err := r.decoder.Decode(resp.Body, gateway.KindOperationAck)
	if err != nil {
		return &RepoError{Kind: RepoDecodeFailed, Operation: operation, Cause: err, Retryable: true}
	}
	ack, ok := record.(*gateway.OperationAck)
	if !ok {
		return &RepoError{Kind: RepoDecodeFailed, Operation: operation,
			Cause: fmt.Errorf("decoder returned %T for ack", record), Retryable: false}
	}

	switch ack.RetVal {
	case gateway.AckAccepted:
		return nil
	case gateway.AckNotFound:
		return &RepoError{Kind: RepoNotFound, Operation: operation,
			Cause: fmt.Errorf("device answered retVal=%d", ack.RetVal), Retryable: false}
	default:
		return &RepoError{Kind: RepoRejected, Operation: operation,
			Cause: fmt.Errorf("device answered retVal=%d", ack.RetVal), Retryable: false}
	}
}

// wrapCallError maps session/transport failures onto the repository's
// error taxonomy.
func (r *Repository) wrapCallError(operation string, err error) *RepoError {
	if gateway.IsAuthKind(err, gateway.AuthSessionExpired) ||
		gateway.IsAuthKind(err, gateway.AuthInvalidCredentials) {
		return &RepoError{Kind: RepoUnauthorized, Operation: operation, Cause: err, Retryable: false}
	}
	var transportErr *gateway.TransportError
	if errors.As(err, &transportErr) {
		return &RepoError{Kind: RepoUnavailable, Operation: operation, Cause: err, Retryable: transportErr.Retryable}
	}
	return &RepoError{Kind: RepoUnavailable, Operation: operation, Cause: err, Retryable: true}
}
