package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/treykane/sshgate/internal/appconfig"
	"github.com/treykane/sshgate/internal/events"
	"github.com/treykane/sshgate/internal/model"
	"github.com/treykane/sshgate/internal/sshclient"
	"github.com/treykane/sshgate/internal/tunnel"
)

// RestartPolicy controls automatic restarts of disconnected tunnels. The
// engine never reconnects on its own; this supervisor sits on top of it.
type RestartPolicy struct {
	Enabled     bool
	MaxAttempts int
	// Backoff doubles after every failed attempt, capped at MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
	// StableWindow resets the attempt count once a restarted tunnel has
	// stayed up this long.
	StableWindow time.Duration
}

func PolicyFromConfig(c appconfig.TunnelConfig) RestartPolicy {
	return RestartPolicy{
		Enabled:      c.AutoRestart,
		MaxAttempts:  c.RestartMaxAttempts,
		Backoff:      time.Duration(c.RestartBackoffSeconds) * time.Second,
		MaxBackoff:   60 * time.Second,
		StableWindow: time.Duration(c.RestartStableWindowSeconds) * time.Second,
	}
}

type restartState struct {
	running     bool
	attempts    int
	restartedAt time.Time
	// halted is set when a restart needs a password or host-key decision.
	// It clears once the tunnel is active again.
	halted bool
}

type restarter struct {
	engine *tunnel.Engine
	policy RestartPolicy

	mu    sync.Mutex
	state map[string]*restartState
	wg    sync.WaitGroup
}

func newRestarter(engine *tunnel.Engine, policy RestartPolicy) *restarter {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.Backoff <= 0 {
		policy.Backoff = time.Second
	}
	if policy.MaxBackoff < policy.Backoff {
		policy.MaxBackoff = policy.Backoff
	}
	return &restarter{engine: engine, policy: policy, state: map[string]*restartState{}}
}

func (r *restarter) run(ctx context.Context, sub *events.Subscription) {
	defer r.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			info, ok := evt.Data.(model.ActiveTunnelInfo)
			if !ok {
				continue
			}
			switch info.Status {
			case model.TunnelDisconnected:
				r.schedule(ctx, info.ID)
			case model.TunnelActive:
				r.mu.Lock()
				if st, ok := r.state[info.ID]; ok {
					st.halted = false
				}
				r.mu.Unlock()
			case model.TunnelStopped:
				r.mu.Lock()
				delete(r.state, info.ID)
				r.mu.Unlock()
			}
		}
	}
}

func (r *restarter) schedule(ctx context.Context, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.state[id]
	if !ok {
		st = &restartState{}
		r.state[id] = st
	}
	if st.running || st.halted {
		return
	}
	if !st.restartedAt.IsZero() && time.Since(st.restartedAt) >= r.policy.StableWindow {
		st.attempts = 0
	}
	if st.attempts >= r.policy.MaxAttempts {
		return
	}
	st.running = true
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop(ctx, id, st)
	}()
}

func (r *restarter) loop(ctx context.Context, id string, st *restartState) {
	defer func() {
		r.mu.Lock()
		st.running = false
		r.mu.Unlock()
	}()
	backoff := r.policy.Backoff
	for {
		r.mu.Lock()
		if st.attempts >= r.policy.MaxAttempts {
			r.mu.Unlock()
			slog.Warn("tunnel restart attempts exhausted", "id", id, "attempts", st.attempts)
			return
		}
		st.attempts++
		attempt := st.attempts
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		cur, err := r.engine.Get(id)
		if err != nil || cur.Status != model.TunnelDisconnected {
			return
		}
		slog.Info("restarting tunnel", "id", id, "alias", cur.Alias, "attempt", attempt)
		if _, err := r.engine.Restart(ctx, id, sshclient.AuthOptions{}); err != nil {
			if _, ok := Decision(err); ok {
				slog.Warn("tunnel restart needs user input, leaving it disconnected", "id", id, "attempt", attempt, "error", err)
				r.mu.Lock()
				st.halted = true
				r.mu.Unlock()
				return
			}
			slog.Warn("tunnel restart failed", "id", id, "attempt", attempt, "error", err)
			backoff *= 2
			if backoff > r.policy.MaxBackoff {
				backoff = r.policy.MaxBackoff
			}
			continue
		}
		r.mu.Lock()
		st.restartedAt = time.Now()
		r.mu.Unlock()
		return
	}
}
