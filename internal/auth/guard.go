package auth

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/odyssey-erp/gatekeeper/internal/platform/httpx"
)

// Policy selects how a guard answers denied requests.
type Policy int

const (
	// PolicyRedirect sends anonymous users to the login route (403 when no
	// route is known) and answers unauthorized users with 401.
	PolicyRedirect Policy = iota
	// PolicyStatus answers anonymous users with 403 and unauthorized users
	// with 401.
	PolicyStatus
	// PolicyNotFound hides the resource with 404 in both cases.
	PolicyNotFound
)

// MessageLoginRequired is shown when a guard denies access.
const MessageLoginRequired = "You must be logged in to view this page."

// Outcome labels passed to a Recorder.
const (
	OutcomeSuccess         = "success"
	OutcomeFailure         = "failure"
	OutcomeUnauthenticated = "unauthenticated"
	OutcomeUnauthorized    = "unauthorized"
)

// Recorder observes authentication outcomes.
type Recorder interface {
	RecordAuth(action, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordAuth(string, string) {}

// DeniedResponder writes the response for a denied request.
type DeniedResponder func(w http.ResponseWriter, r *http.Request, status int, message string)

// ProblemResponder answers denied requests with an RFC7807 body.
func ProblemResponder(w http.ResponseWriter, _ *http.Request, status int, message string) {
	httpx.Problem(w, status, http.StatusText(status), message)
}

// Guard attaches identity to requests and enforces requirements.
type Guard struct {
	provider Provider
	logger   *slog.Logger
	recorder Recorder
	denied   DeniedResponder
}

// GuardOption customises a Guard.
type GuardOption func(*Guard)

// WithRecorder reports outcomes to rec.
func WithRecorder(rec Recorder) GuardOption {
	return func(g *Guard) {
		if rec != nil {
			g.recorder = rec
		}
	}
}

// WithDeniedResponder overrides how denied requests are answered.
func WithDeniedResponder(fn DeniedResponder) GuardOption {
	return func(g *Guard) {
		if fn != nil {
			g.denied = fn
		}
	}
}

// WithGuardLogger sets the guard logger.
func WithGuardLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGuard constructs a Guard for provider.
func NewGuard(provider Provider, opts ...GuardOption) *Guard {
	g := &Guard{
		provider: provider,
		logger:   slog.New(slog.DiscardHandler),
		recorder: nopRecorder{},
		denied:   ProblemResponder,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Provider returns the guarded provider.
func (g *Guard) Provider() Provider {
	return g.provider
}

// Identify resolves the request user once, before any handler runs.
func (g *Guard) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, g.provider.HandleRequest(r))
	})
}

// AuthOptions configures RequireAuth.
type AuthOptions struct {
	Requirement
	Policy Policy
	// LoginRedirect overrides the provider's login route.
	LoginRedirect string
	// ForgetReferrer omits the redirect query parameter from login redirects.
	ForgetReferrer bool
}

// RequireAuth guards next so that only users satisfying opts reach it.
func (g *Guard) RequireAuth(opts AuthOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r = g.provider.HandleRequest(r)
			user := UserFromContext(r.Context())
			if user == nil {
				g.recorder.RecordAuth("guard", OutcomeUnauthenticated)
				g.unauthenticated(w, r, opts)
				return
			}
			if !g.provider.IsAuthorized(user, opts.Requirement) {
				g.recorder.RecordAuth("guard", OutcomeUnauthorized)
				g.logger.Info("access denied", slog.String("user", user.Username), slog.String("path", r.URL.Path))
				g.deny(w, r, opts.Policy, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (g *Guard) unauthenticated(w http.ResponseWriter, r *http.Request, opts AuthOptions) {
	if opts.Policy != PolicyRedirect {
		g.deny(w, r, opts.Policy, http.StatusForbidden)
		return
	}
	target := opts.LoginRedirect
	if target == "" {
		target = g.provider.Config().LoginRoute
	}
	if target == "" {
		g.deny(w, r, opts.Policy, http.StatusForbidden)
		return
	}
	if !opts.ForgetReferrer {
		target = WithRedirectParam(target, r.URL.RequestURI())
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (g *Guard) deny(w http.ResponseWriter, r *http.Request, policy Policy, status int) {
	if policy == PolicyNotFound {
		g.denied(w, r, http.StatusNotFound, http.StatusText(http.StatusNotFound))
		return
	}
	g.denied(w, r, status, MessageLoginRequired)
}

// WithRedirectParam appends ?redirect=<target> to route.
func WithRedirectParam(route, target string) string {
	sep := "?"
	if strings.Contains(route, "?") {
		sep = "&"
	}
	return route + sep + "redirect=" + url.QueryEscape(target)
}

// SafeRedirect reports whether target is a same-site relative path.
func SafeRedirect(target string) bool {
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return false
	}
	u, err := url.Parse(target)
	return err == nil && u.Scheme == "" && u.Host == ""
}
