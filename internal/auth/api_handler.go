package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/gatekeeper/internal/platform/httpx"
)

// MessageUnableToAuthenticate is the body of a rejected token login.
const MessageUnableToAuthenticate = "Unable to authenticate the specified credentials."

// APIHandler serves the JSON login, logout and identity endpoints.
type APIHandler struct {
	logger    *slog.Logger
	provider  Provider
	guard     *Guard
	validator *validator.Validate
	requires  []Predicate
	recorder  Recorder
}

// NewAPIHandler constructs an APIHandler. requires is checked after the
// credentials verify.
func NewAPIHandler(logger *slog.Logger, provider Provider, recorder Recorder, requires ...Predicate) *APIHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &APIHandler{
		logger:    logger,
		provider:  provider,
		guard:     NewGuard(provider, WithRecorder(recorder), WithGuardLogger(logger)),
		validator: newValidator(),
		requires:  requires,
		recorder:  recorder,
	}
}

// Guard returns the guard used for the API's protected endpoints.
func (h *APIHandler) Guard() *Guard {
	return h.guard
}

// MountRoutes registers API routes on provided router.
func (h *APIHandler) MountRoutes(r chi.Router) {
	r.Use(h.guard.Identify)
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
	r.With(h.guard.RequireAuth(AuthOptions{Policy: PolicyStatus})).Get("/me", h.showMe)
}

type credentials struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type identityResponse struct {
	ID          uint64           `json:"id"`
	Username    string           `json:"username"`
	Email       string           `json:"email,omitempty"`
	Roles       []string         `json:"roles"`
	Permissions []permissionJSON `json:"permissions"`
}

type permissionJSON struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	Value     bool   `json:"value"`
	Inherited bool   `json:"inherited"`
}

func (h *APIHandler) readCredentials(r *http.Request) (loginForm, error) {
	var in credentials
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := httpx.DecodeJSON(r, &in); err != nil {
			return loginForm{}, err
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return loginForm{}, err
		}
		in = credentials{Username: r.PostFormValue(FieldUsername), Email: r.PostFormValue(FieldEmail), Password: r.PostFormValue("password")}
	}
	form := loginForm{Identifier: in.Username, Password: in.Password}
	if h.provider.Config().IdentifierField == FieldEmail {
		form.Identifier = in.Email
	}
	return form, h.validator.Struct(form)
}

func (h *APIHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var user *User
	if form, err := h.readCredentials(r); err == nil {
		user, _ = h.provider.Authenticate(r.Context(), form.Identifier, form.Password)
	}
	if user == nil || !h.provider.UserMeetsRequirements(user, h.requires...) {
		h.recorder.RecordAuth("token_login", OutcomeFailure)
		httpx.JSON(w, http.StatusForbidden, messageResponse{Message: MessageUnableToAuthenticate})
		return
	}
	token, err := h.provider.Login(r, user)
	if err != nil {
		h.logger.Error("token login", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	h.recorder.RecordAuth("token_login", OutcomeSuccess)
	httpx.JSON(w, http.StatusOK, tokenResponse{Token: token})
}

func (h *APIHandler) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, err := h.provider.Logout(r)
	if err != nil {
		h.logger.Error("token logout", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	h.recorder.RecordAuth("token_logout", OutcomeSuccess)
	httpx.JSON(w, http.StatusOK, tokenResponse{Token: token})
}

func (h *APIHandler) showMe(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	perms := sortedPermissions(user.ACL(h.provider.Config().AllowDefault))
	out := identityResponse{
		ID:          user.ID,
		Username:    user.Username,
		Email:       user.EmailAddress(),
		Roles:       user.RoleKeys(),
		Permissions: make([]permissionJSON, 0, len(perms)),
	}
	for _, p := range perms {
		out.Permissions = append(out.Permissions, permissionJSON(p))
	}
	httpx.JSON(w, http.StatusOK, out)
}
