package observability

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nexus-trading/alphawatch/internal/fetch"
	"github.com/nexus-trading/alphawatch/internal/solana"
)

// StreamCheck reports the push channel. A permanently failed or reconnecting
// stream is degraded rather than unhealthy because the poller keeps coverage.
func StreamCheck(w *solana.Watcher) HealthCheck {
	return func(context.Context) ComponentHealth {
		if w == nil || !w.Enabled() {
			return ComponentHealth{Status: StatusHealthy, Message: "stream disabled, poll only"}
		}
		state := w.State()
		details := map[string]any{"state": state.String()}
		switch state {
		case solana.StateSubscribed:
			return ComponentHealth{Status: StatusHealthy, Details: details}
		case solana.StatePermanentlyFailed:
			return ComponentHealth{Status: StatusDegraded, Message: "stream rejected by provider, poll only", Details: details}
		default:
			return ComponentHealth{Status: StatusDegraded, Message: "stream not subscribed", Details: details}
		}
	}
}

// FreshnessCheck reports a periodic worker by the age of its last completed
// run. Older than maxAge is degraded, older than three times maxAge is
// unhealthy. Before the first run the process start time is used.
func FreshnessCheck(last func() time.Time, maxAge time.Duration) HealthCheck {
	started := time.Now()
	return func(context.Context) ComponentHealth {
		at := last()
		ref := at
		if ref.IsZero() {
			ref = started
		}
		age := time.Since(ref)
		details := map[string]any{"age": age.Truncate(time.Second).String()}
		if !at.IsZero() {
			details["last_run"] = at
		}

		switch {
		case age > 3*maxAge:
			return ComponentHealth{Status: StatusUnhealthy, Message: fmt.Sprintf("no run for %s", age.Truncate(time.Second)), Details: details}
		case age > maxAge:
			return ComponentHealth{Status: StatusDegraded, Message: fmt.Sprintf("last run %s ago", age.Truncate(time.Second)), Details: details}
		default:
			return ComponentHealth{Status: StatusHealthy, Details: details}
		}
	}
}

// FetchCheck is degraded while any host is in a 429 streak.
func FetchCheck(client *fetch.Client) HealthCheck {
	return func(context.Context) ComponentHealth {
		st := client.Stats()
		details := map[string]any{
			"requests":      st.Requests,
			"rate_limited":  st.RateLimited,
			"server_errors": st.ServerErrors,
			"failures":      st.Failures,
		}
		hosts := client.Registry().Throttled()
		if len(hosts) > 0 {
			details["throttled"] = hosts
			return ComponentHealth{Status: StatusDegraded, Message: "rate limited by " + strings.Join(hosts, ", "), Details: details}
		}
		return ComponentHealth{Status: StatusHealthy, Details: details}
	}
}
