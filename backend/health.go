package backend

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// HealthChecker probes every backend on an interval and flips its state
// between up and down. It runs a real protocol-level ping through the MySQL
// driver rather than a bare TCP dial, so a wedged server counts as down.
type HealthChecker struct {
	group    *Group
	user     string
	password string
	timeout  time.Duration
}

// NewHealthChecker creates a checker that authenticates probes as user.
func NewHealthChecker(group *Group, user, password string) *HealthChecker {
	return &HealthChecker{
		group:    group,
		user:     user,
		password: password,
		timeout:  2 * time.Second,
	}
}

// Start probes all backends every interval until ctx is cancelled.
func (h *HealthChecker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.checkAll(ctx)
		}
	}
}

func (h *HealthChecker) checkAll(ctx context.Context) {
	for _, b := range h.group.All() {
		state := b.State()
		if state == StateMaintaining || state == StateDeleted || state == StateOffline {
			continue
		}
		up := h.check(ctx, b.Addr)
		if up && state != StateUp {
			log.Printf("[Health] Backend %s is up", b.Addr)
			b.SetState(StateUp)
		} else if !up && state != StateDown {
			log.Printf("[Health] Backend %s is down", b.Addr)
			b.SetState(StateDown)
		}
	}
}

func (h *HealthChecker) check(ctx context.Context, addr string) bool {
	dsn := fmt.Sprintf("%s:%s@tcp(%s)/?timeout=%s", h.user, h.password, addr, h.timeout)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return false
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return db.PingContext(pingCtx) == nil
}
