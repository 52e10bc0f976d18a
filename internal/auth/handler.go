package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/gatekeeper/internal/acl"
	"github.com/odyssey-erp/gatekeeper/internal/shared"
	"github.com/odyssey-erp/gatekeeper/internal/view"
)

// Messages holds the user-facing text of the browser flows.
type Messages struct {
	InvalidCredentials string
	ForgottenSubject   string
	ForgottenSuccess   string
	AccountNotFound    string
	ResetSubject       string
	ResetSuccess       string
	PasswordMismatch   string
	PasswordTooLong    string
}

// DefaultMessages returns the stock flow messages.
func DefaultMessages() Messages {
	return Messages{
		InvalidCredentials: "Invalid username and/or password.",
		ForgottenSubject:   "A password reset request has been made",
		ForgottenSuccess:   "A password reset request has been sent to your email.",
		AccountNotFound:    "Could not find your account in the system, please try again.",
		ResetSubject:       "Your password has been reset",
		ResetSuccess:       "Your password has been changed successfully.",
		PasswordMismatch:   "The supplied passwords do not match, please try again.",
		PasswordTooLong:    "The supplied password is too long, please choose a shorter one.",
	}
}

// HandlerOption customises a Handler.
type HandlerOption func(*Handler)

// WithMessages overrides the flow messages.
func WithMessages(m Messages) HandlerOption {
	return func(h *Handler) { h.messages = m }
}

// WithLoginRequirements rejects logins from users failing any predicate.
func WithLoginRequirements(predicates ...Predicate) HandlerOption {
	return func(h *Handler) { h.requires = append(h.requires, predicates...) }
}

// WithRedirectCallback picks the post-login destination per user.
func WithRedirectCallback(fn func(*User) string) HandlerOption {
	return func(h *Handler) { h.redirectCallback = fn }
}

// WithUniformForgottenReply answers every forgotten-password request with
// the success message so the form does not reveal which emails exist.
func WithUniformForgottenReply() HandlerOption {
	return func(h *Handler) { h.uniformForgotten = true }
}

// WithHandlerRecorder reports login outcomes to rec.
func WithHandlerRecorder(rec Recorder) HandlerOption {
	return func(h *Handler) {
		if rec != nil {
			h.recorder = rec
		}
	}
}

// Handler wires the browser endpoints for authentication flows.
type Handler struct {
	logger           *slog.Logger
	provider         Provider
	tokens           *TokenManager
	templates        *view.Engine
	csrfManager      *shared.CSRFManager
	guard            *Guard
	validator        *validator.Validate
	messages         Messages
	requires         []Predicate
	redirectCallback func(*User) string
	recorder         Recorder
	uniformForgotten bool
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, provider Provider, tokens *TokenManager, templates *view.Engine, csrf *shared.CSRFManager, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	h := &Handler{
		logger:      logger,
		provider:    provider,
		tokens:      tokens,
		templates:   templates,
		csrfManager: csrf,
		validator:   newValidator(),
		messages:    DefaultMessages(),
		recorder:    nopRecorder{},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.guard = NewGuard(provider, WithRecorder(h.recorder), WithGuardLogger(logger), WithDeniedResponder(templates.ErrorPage))
	return h
}

// Guard returns the guard used for the handler's protected pages.
func (h *Handler) Guard() *Guard {
	return h.guard
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Use(h.guard.Identify)
	r.Get("/login", h.showLogin)
	r.Post("/login", h.handleLogin)
	r.Get("/logout", h.handleLogout)
	r.Post("/logout", h.handleLogout)
	r.Get("/forgotten-password", h.showForgotten)
	r.Post("/forgotten-password", h.handleForgotten)
	r.Get("/reset-password", h.showReset)
	r.Post("/reset-password", h.handleReset)
	r.With(h.guard.RequireAuth(AuthOptions{})).Get("/me", h.showMe)
}

type loginForm struct {
	Identifier string `validate:"required"`
	Password   string `validate:"required"`
}

type loginPageData struct {
	IdentifierField string
}

type forgottenForm struct {
	Email string `validate:"required,max=255"`
}

type resetForm struct {
	Password        string `validate:"required"`
	ConfirmPassword string `validate:"required,eqfield=Password"`
}

type mePageData struct {
	Username    string
	Email       string
	Roles       []string
	Permissions []acl.Permission
	MemberSince time.Time
}

func (h *Handler) showLogin(w http.ResponseWriter, r *http.Request) {
	cfg := h.provider.Config()
	if IsAuthenticated(r) {
		http.Redirect(w, r, cfg.AuthenticatedRoute, http.StatusSeeOther)
		return
	}
	h.render(w, r, "pages/login.html", "Sign in", loginPageData{IdentifierField: cfg.IdentifierField})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	cfg := h.provider.Config()
	if IsAuthenticated(r) {
		http.Redirect(w, r, cfg.AuthenticatedRoute, http.StatusSeeOther)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	form := loginForm{
		Identifier: r.PostFormValue(cfg.IdentifierField),
		Password:   r.PostFormValue("password"),
	}
	var user *User
	if err := h.validator.Struct(form); err == nil {
		user, _ = h.provider.Authenticate(r.Context(), form.Identifier, form.Password)
	}
	if user == nil || !h.provider.UserMeetsRequirements(user, h.requires...) {
		h.recorder.RecordAuth("login", OutcomeFailure)
		shared.Flash(r.Context(), shared.FlashError, h.messages.InvalidCredentials)
		http.Redirect(w, r, r.URL.RequestURI(), http.StatusSeeOther)
		return
	}

	target := cfg.AuthenticatedRoute
	if next := r.URL.Query().Get("redirect"); SafeRedirect(next) {
		target = next
	}
	if _, err := h.provider.Login(r, user); err != nil {
		h.logger.Error("login", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if h.redirectCallback != nil {
		if next := h.redirectCallback(user); next != "" {
			target = next
		}
	}
	h.recorder.RecordAuth("login", OutcomeSuccess)
	h.logger.Info("user logged in", slog.String("user", user.Username))
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if _, err := h.provider.Logout(r); err != nil {
		h.logger.Warn("logout", slog.Any("error", err))
	}
	h.recorder.RecordAuth("logout", OutcomeSuccess)
	http.Redirect(w, r, h.provider.Config().LogoutRoute, http.StatusSeeOther)
}

func (h *Handler) showForgotten(w http.ResponseWriter, r *http.Request) {
	if IsAuthenticated(r) {
		http.Redirect(w, r, h.provider.Config().AuthenticatedRoute, http.StatusSeeOther)
		return
	}
	h.render(w, r, "pages/forgotten-password.html", "Forgotten password", nil)
}

func (h *Handler) handleForgotten(w http.ResponseWriter, r *http.Request) {
	if IsAuthenticated(r) {
		http.Redirect(w, r, h.provider.Config().AuthenticatedRoute, http.StatusSeeOther)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	kind, message := shared.FlashError, h.messages.AccountNotFound
	form := forgottenForm{Email: r.PostFormValue("email")}
	if err := h.validator.Struct(form); err == nil {
		if user, err := h.provider.GetUserByEmail(r.Context(), form.Email); err == nil {
			if err := h.sendResetLink(r, user); err != nil {
				h.logger.Error("forgotten password", slog.Any("error", err))
			} else {
				kind, message = shared.FlashSuccess, h.messages.ForgottenSuccess
			}
		}
	}
	h.recorder.RecordAuth("forgotten", outcomeFor(kind))
	if h.uniformForgotten {
		kind, message = shared.FlashSuccess, h.messages.ForgottenSuccess
	}
	shared.Flash(r.Context(), kind, message)
	http.Redirect(w, r, r.URL.RequestURI(), http.StatusSeeOther)
}

func (h *Handler) sendResetLink(r *http.Request, user *User) error {
	token, err := h.tokens.CreateToken(r.Context(), user)
	if err != nil {
		return err
	}
	return h.tokens.NotifyUser(r.Context(), user, h.messages.ForgottenSubject, TemplateForgottenPassword, map[string]any{
		"Token":    token.Token,
		"ResetURL": h.tokens.ResetURL(token),
	})
}

func (h *Handler) showReset(w http.ResponseWriter, r *http.Request) {
	cfg := h.provider.Config()
	if IsAuthenticated(r) {
		http.Redirect(w, r, cfg.AuthenticatedRoute, http.StatusSeeOther)
		return
	}
	if _, err := h.tokens.GetToken(r.Context(), r.URL.Query().Get("token")); err != nil {
		h.logTokenError(err)
		shared.Flash(r.Context(), shared.FlashError, h.messages.AccountNotFound)
		http.Redirect(w, r, cfg.ForgottenPasswordRoute, http.StatusSeeOther)
		return
	}
	h.render(w, r, "pages/reset-password.html", "Reset password", nil)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	cfg := h.provider.Config()
	if IsAuthenticated(r) {
		http.Redirect(w, r, cfg.AuthenticatedRoute, http.StatusSeeOther)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	back := r.URL.RequestURI()
	form := resetForm{
		Password:        r.PostFormValue("password"),
		ConfirmPassword: r.PostFormValue("confirm_password"),
	}
	if err := h.validator.Struct(form); err != nil {
		shared.Flash(r.Context(), shared.FlashError, h.messages.PasswordMismatch)
		http.Redirect(w, r, back, http.StatusSeeOther)
		return
	}
	if limit := cfg.PasswordMaxLength; limit > 0 && utf8.RuneCountInString(form.Password) > limit {
		shared.Flash(r.Context(), shared.FlashError, h.messages.PasswordTooLong)
		http.Redirect(w, r, back, http.StatusSeeOther)
		return
	}

	token, err := h.tokens.GetToken(r.Context(), r.URL.Query().Get("token"))
	if err == nil {
		err = h.tokens.UpdateUserPassword(r.Context(), token, form.Password)
	}
	if err != nil {
		h.logTokenError(err)
		h.recorder.RecordAuth("reset", OutcomeFailure)
		shared.Flash(r.Context(), shared.FlashError, h.messages.AccountNotFound)
		http.Redirect(w, r, back, http.StatusSeeOther)
		return
	}

	user := token.User
	if err := h.tokens.NotifyUser(r.Context(), user, h.messages.ResetSubject, TemplateResetPassword, nil); err != nil {
		h.logger.Warn("reset notification", slog.Any("error", err))
	}
	target := cfg.LoginRoute
	if cfg.AuthenticateOnReset {
		if _, err := h.provider.Login(r, user); err != nil {
			h.logger.Error("login after reset", slog.Any("error", err))
		} else {
			target = cfg.AuthenticatedRoute
		}
	}
	h.recorder.RecordAuth("reset", OutcomeSuccess)
	shared.Flash(r.Context(), shared.FlashSuccess, h.messages.ResetSuccess)
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (h *Handler) showMe(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	h.render(w, r, "pages/me.html", user.Username, mePageData{
		Username:    user.Username,
		Email:       user.EmailAddress(),
		Roles:       user.RoleKeys(),
		Permissions: sortedPermissions(user.ACL(h.provider.Config().AllowDefault)),
		MemberSince: user.CreatedAt,
	})
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, name, title string, data any) {
	sess := shared.SessionFromContext(r.Context())
	csrfToken := ""
	if h.csrfManager != nil && sess != nil {
		csrfToken, _ = h.csrfManager.EnsureToken(r.Context(), sess)
	}
	viewData := view.TemplateData{
		Title:       title,
		CSRFToken:   csrfToken,
		Flash:       shared.PopFlash(r.Context()),
		CurrentPath: r.URL.Path,
		Data:        data,
	}
	if user := UserFromContext(r.Context()); user != nil {
		viewData.Identity = user.Username
	}
	if err := h.templates.Render(w, name, viewData); err != nil {
		h.logger.Error("render", slog.String("template", name), slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) logTokenError(err error) {
	if !errors.Is(err, shared.ErrNotFound) {
		h.logger.Error("reset token", slog.Any("error", err))
	}
}

func sortedPermissions(a *acl.Acl) []acl.Permission {
	perms := a.Permissions()
	out := make([]acl.Permission, 0, len(perms))
	for _, p := range perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func outcomeFor(flashKind string) string {
	if flashKind == shared.FlashSuccess {
		return OutcomeSuccess
	}
	return OutcomeFailure
}

func newValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}
