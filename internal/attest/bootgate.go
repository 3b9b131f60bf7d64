package attest

import (
	"context"
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"github.com/capturemesh/captureproof/internal/security"
)

// ErrGateFailed is returned by Check when any independent technique
// fails, or when hardware attestation is required but unavailable.
var ErrGateFailed = errors.New("attest: boot-chain gate failed")

// Result is the outcome of one gate run.
type Result struct {
	Passed      bool
	Checks      []CheckResult
	Attestation *Attestation
	RanAt       time.Time
}

// FailureHandler is invoked when a gate run fails, after sensitive key
// material has already been wiped. It must not block: spec.md requires
// the process to exit without user-visible notification, so a typical
// handler just calls os.Exit with a nonzero code.
type FailureHandler func(Result)

// Config configures a BootGate.
type Config struct {
	Provider             Provider
	VerificationInterval time.Duration
	MinOSVersion         string
	RequireHardware      bool
	SensitiveMaterial    [][]byte // wiped on any failure, e.g. a signing key's raw bytes
	OnFailure            FailureHandler
}

// BootGate runs the boot-chain attestation gate once at startup and
// again every VerificationInterval while a session is active, per
// spec.md §4.13. Like every other stateful component in this module
// (quality, ledger, nonce registry) it is a single goroutine owning its
// state, reached only through a request channel, here via Check calls.
type BootGate struct {
	cfg Config

	mu      sync.Mutex
	lastRun Result

	requests chan checkRequest
	cancel   context.CancelFunc
	done     chan struct{}
}

type checkRequest struct {
	reply chan Result
}

// New creates a BootGate. Call Start to begin the periodic loop, or
// call Check directly for a one-shot verification without a running
// loop (e.g. from a CLI tool).
func New(cfg Config) *BootGate {
	if cfg.Provider == nil {
		cfg.Provider = NoOpProvider{}
	}
	return &BootGate{
		cfg:      cfg,
		requests: make(chan checkRequest),
	}
}

// Start launches the gate's owning goroutine: it runs one check
// immediately, then one every VerificationInterval, until ctx is
// cancelled or Stop is called.
func (g *BootGate) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.done = make(chan struct{})

	go g.run(ctx)
}

// Stop ends the periodic loop and waits for the owning goroutine to exit.
func (g *BootGate) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	if g.done != nil {
		<-g.done
	}
}

func (g *BootGate) run(ctx context.Context) {
	defer close(g.done)

	interval := g.cfg.VerificationInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	result := g.execute()
	g.publish(result)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := g.execute()
			g.publish(result)
		case req := <-g.requests:
			result := g.execute()
			g.publish(result)
			req.reply <- result
		}
	}
}

// Check forces an immediate, synchronous gate run and returns its
// result. If the gate's owning goroutine is running (Start was
// called), the check is routed through it to preserve the "one message
// at a time" invariant; otherwise it runs inline.
func (g *BootGate) Check() Result {
	if g.done == nil {
		result := g.execute()
		g.publish(result)
		return result
	}
	reply := make(chan Result, 1)
	select {
	case g.requests <- checkRequest{reply: reply}:
		return <-reply
	case <-g.done:
		result := g.execute()
		g.publish(result)
		return result
	}
}

// LastResult returns the most recent gate result, or a zero Result if
// none has run yet.
func (g *BootGate) LastResult() Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastRun
}

func (g *BootGate) publish(r Result) {
	g.mu.Lock()
	g.lastRun = r
	g.mu.Unlock()
}

func (g *BootGate) execute() Result {
	checks := runIndependentChecks(g.cfg.MinOSVersion)

	var attestation *Attestation
	passed := true
	for _, c := range checks {
		if !c.Passed {
			passed = false
		}
	}

	if g.cfg.RequireHardware && !g.cfg.Provider.Available() {
		passed = false
	} else if g.cfg.Provider.Available() {
		nonce := bootNonce()
		a, err := g.cfg.Provider.Quote(nonce[:])
		if err != nil {
			passed = false
		} else {
			attestation = a
			if subtle.ConstantTimeCompare(a.Data, nonce[:]) != 1 {
				passed = false
			}
		}
	}

	result := Result{
		Passed:      passed,
		Checks:      checks,
		Attestation: attestation,
		RanAt:       time.Now(),
	}

	if !passed {
		g.wipeSensitiveMaterial()
		if g.cfg.OnFailure != nil {
			g.cfg.OnFailure(result)
		}
	}

	return result
}

func (g *BootGate) wipeSensitiveMaterial() {
	for _, buf := range g.cfg.SensitiveMaterial {
		security.Wipe(buf)
	}
}

// bootNonce returns a fresh 32-byte qualifying value for the
// attestation quote. It need not be unpredictable to an adversary with
// TPM access already; its purpose is freshness, not secrecy.
func bootNonce() [32]byte {
	var n [32]byte
	now := time.Now().UnixNano()
	for i := 0; i < 8; i++ {
		n[i] = byte(now >> (8 * i))
	}
	return n
}
