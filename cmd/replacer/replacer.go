// Package replacer runs the rule-replacement transaction end to end:
// login, replace, logout, structured outcome back to the caller.
package replacer

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/edsky/tianyi-api/pkg/rules"
	"github.com/edsky/tianyi-api/pkg/tianyi"
)

// Config holds what the replacer needs to reach the gateway.
type Config struct {
	RouterIP       string
	Username       string
	Password       string
	ProxyURL       string
	Timeout        time.Duration
	VerifyAttempts int
	Concurrency    int
}

// Run rebinds every enabled forwarding rule from oldIP to newIP. The
// outcome is returned even on partial success; the error is non-nil only
// when the transaction could not run at all.
func Run(ctx context.Context, config Config, oldIP, newIP string) (*rules.TransactionOutcome, error) {
	logger := logr.FromContextOrDiscard(ctx)

	client, err := tianyi.NewBuilder().
		IP(config.RouterIP).
		Username(config.Username).
		Password(config.Password).
		Proxy(config.ProxyURL).
		Timeout(config.Timeout).
		VerifyAttempts(config.VerifyAttempts).
		Concurrency(config.Concurrency).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	if err := client.Login(ctx); err != nil {
		return nil, fmt.Errorf("failed to log in: %w", err)
	}
	defer func() {
		if err := client.Logout(ctx); err != nil {
			logger.Error(err, "logout failed")
		}
	}()

	outcome, err := client.ReplaceRuleTargetIP(ctx, oldIP, newIP)
	if err != nil {
		return outcome, fmt.Errorf("replace transaction failed: %w", err)
	}
	return outcome, nil
}
