package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger is satisfied by *pgxpool.Pool; other dependencies wrap their ping
// in a PingFunc.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Status struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	State   string          `json:"state,omitempty"`
	Checks  map[string]bool `json:"checks,omitempty"`
}

type namedCheck struct {
	name string
	p    Pinger
}

// Checker reports the scheduler state and the reachability of its optional
// dependencies.
type Checker struct {
	state   func() string
	timeout time.Duration

	mu     sync.RWMutex
	checks []namedCheck
}

// NewChecker builds a checker; state may be nil.
func NewChecker(state func() string) *Checker {
	return &Checker{state: state, timeout: time.Second}
}

func (c *Checker) Add(name string, p Pinger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, namedCheck{name: name, p: p})
}

// Check returns the status and the HTTP code to serve it with.
func (c *Checker) Check(ctx context.Context) (Status, int) {
	st := Status{OK: true, Message: "ok"}
	if c.state != nil {
		st.State = c.state()
		if st.State != "running" {
			st.OK = false
			st.Message = "scheduler " + st.State
		}
	}

	c.mu.RLock()
	checks := append([]namedCheck(nil), c.checks...)
	c.mu.RUnlock()

	if len(checks) > 0 {
		st.Checks = make(map[string]bool, len(checks))
	}
	for _, chk := range checks {
		pctx, cancel := context.WithTimeout(ctx, c.timeout)
		err := chk.p.Ping(pctx)
		cancel()
		st.Checks[chk.name] = err == nil
		if err != nil && st.OK {
			st.OK = false
			st.Message = chk.name + " ping failed"
		}
	}

	if !st.OK {
		return st, http.StatusServiceUnavailable
	}
	return st, http.StatusOK
}

func (c *Checker) GinHandler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		st, code := c.Check(ctx.Request.Context())
		ctx.JSON(code, st)
	}
}
