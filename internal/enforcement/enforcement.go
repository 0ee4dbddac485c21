// Package enforcement implements the Enforcement Middleware of the design:
// the pre-request gate that sits in front of every capability-gated
// endpoint. Responses pass through unchanged; no post-response redaction
// is applied.
// Grounded on the reference implementation's internal/controlplane/server Server-struct
// composition (a single struct holding references to every subsystem, with
// net/http handler methods) generalized to a reusable Gate + middleware.
package enforcement

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/anumate/capcore/internal/apierr"
	"github.com/anumate/capcore/internal/capcheck"
	"github.com/anumate/capcore/internal/captoken"
	"github.com/anumate/capcore/internal/usage"
	"github.com/anumate/capcore/internal/violation"
	"github.com/anumate/capcore/internal/violationreport"
)

// Request is the input to Gate.
type Request struct {
	Token        string
	Tenant       string
	Tool         string
	Action       string
	RequiredCaps []string
	Endpoint     string
	Method       string
	IP           string
	Agent        string
}

// Decision is Gate's output.
type Decision struct {
	Allowed         bool
	Code            apierr.Code
	Reason          string
	MatchedRules    []string
	Subject         string
	TokenCaps       []string
	ElapsedMS       int64
}

// FailMode controls what Gate does on an internal error.
type FailMode int

const (
	// FailClosed denies on internal error (the design default).
	FailClosed FailMode = iota
	// FailOpen allows on internal error. Opt-in per deployment.
	FailOpen
)

// Gate wires the Token Service, Capability Checker, and violation/usage
// stores into the five-step pre-request decision.
type Gate struct {
	Tokens     *captoken.Service
	Checker    *capcheck.Checker
	Violations *violation.Store
	Usage      *usage.Store
	Reports    *violationreport.Reporter
	FailMode   FailMode
	Log        *zap.Logger
}

// NewGate wires a Gate. log may be nil.
func NewGate(tokens *captoken.Service, checker *capcheck.Checker, violations *violation.Store, usageStore *usage.Store, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{Tokens: tokens, Checker: checker, Violations: violations, Usage: usageStore, Log: log}
}

// WithReports feeds every denied check into a violation reporter, which
// matches it against alert rules and dispatches to their notification
// channels, beyond the Violations store's plain persistence.
func (g *Gate) WithReports(r *violationreport.Reporter) *Gate {
	g.Reports = r
	return g
}

// Check runs the five pre-request steps of the gate against req: extract
// token and tenant, verify, intersect capabilities, check the tool, record
// usage.
func (g *Gate) Check(ctx context.Context, req Request) Decision {
	start := time.Now()

	deny := func(code apierr.Code, reason string, violationType violation.Type) Decision {
		if g.Violations != nil {
			if _, err := g.Violations.Record(ctx, violation.Violation{
				TenantID:           req.Tenant,
				ViolationType:      violationType,
				RequiredCapability: strings.Join(req.RequiredCaps, ","),
				AttemptedAction:    req.Action,
				Endpoint:           req.Endpoint,
				Method:             req.Method,
				IP:                 req.IP,
				Agent:              req.Agent,
			}); err != nil {
				g.Log.Error("violation record failed (best-effort)", zap.Error(err))
			}
		}
		if g.Reports != nil {
			g.Reports.RecordViolation(ctx, violationreport.Violation{
				PolicyName:    req.Tool,
				ViolationType: string(violationType),
				Severity:      strings.ToUpper(string(violation.SeverityFor(violationType))),
				Message:       reason,
				Subject:       req.Agent,
				TenantID:      req.Tenant,
				ResourcePath:  req.Endpoint,
			})
		}
		return Decision{Allowed: false, Code: code, Reason: reason, ElapsedMS: time.Since(start).Milliseconds()}
	}

	// 1. Extract bearer token and tenant.
	if req.Token == "" || req.Tenant == "" {
		return deny(apierr.CodeMalformedRequest, "missing token or tenant", violation.TypeMalformedRequest)
	}

	// 2. Token Service verify.
	vr, err := g.Tokens.Verify(ctx, req.Token, req.Tenant)
	if err != nil {
		return g.internalError(ctx, req, start, fmt.Errorf("enforcement: verify: %w", err))
	}
	if !vr.Valid {
		return deny(apierr.CodeInvalidToken, vr.Error, violation.TypeInvalidToken)
	}

	// 3. Intersect token capabilities with required_caps.
	if len(req.RequiredCaps) > 0 && !intersects(vr.Payload.Cap, req.RequiredCaps) {
		return deny(apierr.CodeInsufficientCap, "no intersection with required capabilities", violation.TypeInsufficientCap)
	}

	// 4. Capability Checker check.
	if g.Checker != nil {
		res, err := g.Checker.Check(ctx, capcheck.Request{
			Capabilities: vr.Payload.Cap, Tool: req.Tool, Action: req.Action, Tenant: req.Tenant,
		})
		if err != nil {
			return g.internalError(ctx, req, start, fmt.Errorf("enforcement: capcheck: %w", err))
		}
		if !res.Allowed {
			d := deny(apierr.CodeToolBlocked, res.ViolationReason, violation.TypeToolBlocked)
			d.MatchedRules = res.MatchedRules
			return d
		}
		decision := Decision{
			Allowed: true, Subject: vr.Payload.Sub, TokenCaps: vr.Payload.Cap,
			MatchedRules: res.MatchedRules, ElapsedMS: time.Since(start).Milliseconds(),
		}
		// 5. Record usage.
		g.recordUsage(ctx, req, decision)
		return decision
	}

	decision := Decision{Allowed: true, Subject: vr.Payload.Sub, TokenCaps: vr.Payload.Cap, ElapsedMS: time.Since(start).Milliseconds()}
	g.recordUsage(ctx, req, decision)
	return decision
}

func (g *Gate) recordUsage(ctx context.Context, req Request, d Decision) {
	if g.Usage == nil {
		return
	}
	if _, err := g.Usage.Record(ctx, usage.Record{
		TenantID: req.Tenant, ActionPerformed: req.Action, CapabilitiesUsed: d.TokenCaps,
		Success: d.Allowed, ResponseTimeMS: d.ElapsedMS,
	}); err != nil {
		g.Log.Error("usage record failed (best-effort)", zap.Error(err))
	}
}

// internalError implements the fail-closed/fail-open behavior of the design.
func (g *Gate) internalError(ctx context.Context, req Request, start time.Time, err error) Decision {
	g.Log.Error("enforcement gate internal error", zap.Error(err))
	if g.FailMode == FailOpen {
		return Decision{Allowed: true, ElapsedMS: time.Since(start).Milliseconds(), Reason: "fail-open after internal error"}
	}
	return Decision{Allowed: false, Code: apierr.CodeInternal, Reason: "internal error", ElapsedMS: time.Since(start).Milliseconds()}
}

func intersects(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

// Middleware wraps next with the gate, extracting Token/Tenant/Tool/Action
// from the request per the conventions of captokenserver's HTTP surface.
// requiredCaps and tool/action extraction are supplied by the caller since
// they vary per route.
func (g *Gate) Middleware(requiredCaps []string, tool string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		tenant := r.Header.Get("X-Tenant-ID")

		d := g.Check(r.Context(), Request{
			Token: token, Tenant: tenant, Tool: tool, Action: r.Method + " " + r.URL.Path,
			RequiredCaps: requiredCaps, Endpoint: r.URL.Path, Method: r.Method,
			IP: r.RemoteAddr, Agent: r.Header.Get("User-Agent"),
		})
		if !d.Allowed {
			apierr.WriteJSON(w, apierr.New(d.Code, d.Reason))
			return
		}
		ctx := context.WithValue(r.Context(), decisionKey{}, d)
		next(w, r.WithContext(ctx))
	}
}

type decisionKey struct{}

// DecisionFromContext retrieves the Decision a Middleware call stashed.
func DecisionFromContext(ctx context.Context) (Decision, bool) {
	d, ok := ctx.Value(decisionKey{}).(Decision)
	return d, ok
}
