// Package gitpub is a Micropub server and IndieAuth authority for
// git-backed static sites, built with Go, Echo, and templ. Posts and
// media never touch local disk: every create, update and delete becomes
// a commit against the site's repository, so git remains the only
// database for content.
//
// Users provide their own templ components for the HTML pages (index,
// login, consent, error) via the ViewFuncs struct, and gitpub handles
// the protocol endpoints, middleware, and auth state.
package gitpub

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/a-h/templ"
	"github.com/labstack/echo/v4"

	"github.com/eringen/gitpub/contentstore"
	"github.com/eringen/gitpub/hugo"
	"github.com/eringen/gitpub/tokens"
)

// ConsentView carries everything the consent page needs to render an
// authorization request.
type ConsentView struct {
	ClientID        string
	RedirectURI     string
	State           string
	Challenge       string
	ChallengeMethod string
	Me              string
	Scopes          []string
	ScopeInfo       map[string]string
}

// BlogView is the slice of blog state exposed to the index template.
type BlogView struct {
	Name string
	URI  string
}

// ViewFuncs holds user-provided templ components that the framework
// calls when rendering HTML pages. This is the inversion-of-control
// mechanism that lets users own and customize all templates.
type ViewFuncs struct {
	Index     func(name string, blogs []BlogView, authed bool) templ.Component
	Login     func(showError bool, next, csrfToken string) templ.Component
	Authorize func(req ConsentView, csrfToken string) templ.Component
	Error     func(code int, desc string) templ.Component
}

// App is the central gitpub application. It wires together the token
// store, the per-blog sites, handlers, middleware, and user-provided
// templates.
type App struct {
	Config *Config
	Echo   *echo.Echo
	Tokens *tokens.Store
	Views  ViewFuncs

	blogs        map[string]*hugo.Site
	backends     map[string]contentstore.Backend
	loginLimiter *LoginLimiter
	customRoutes []func(*App)
}

// New creates a new gitpub App with the given configuration and view
// functions.
func New(cfg *Config, views ViewFuncs, opts ...Option) *App {
	cfg.setDefaults()

	a := &App{
		Config:   cfg,
		Echo:     echo.New(),
		Views:    views,
		blogs:    make(map[string]*hugo.Site),
		backends: make(map[string]contentstore.Backend),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Start initializes the token store, blog sites, middleware, and routes,
// then starts the server.
func (a *App) Start() error {
	if err := a.setup(); err != nil {
		return err
	}
	if err := a.Echo.Start(a.Config.Addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// setup brings the App to a servable state without binding a listener.
func (a *App) setup() error {
	if a.Config.SessionSecret == "" {
		return fmt.Errorf("gitpub: session_secret is required")
	}
	if len(a.Config.Blogs) == 0 {
		return fmt.Errorf("gitpub: at least one blog must be configured")
	}

	store, err := tokens.NewStore(a.Config.DatabasePath)
	if err != nil {
		return fmt.Errorf("gitpub: init token store: %w", err)
	}
	a.Tokens = store

	for _, bc := range a.Config.Blogs {
		site, err := a.buildSite(bc)
		if err != nil {
			return err
		}
		a.blogs[bc.Name] = site
	}

	a.loginLimiter = NewLoginLimiter(5, time.Minute)

	a.setupMiddleware()
	a.setupRoutes()

	for _, fn := range a.customRoutes {
		fn(a)
	}
	return nil
}

func (a *App) buildSite(bc BlogConfig) (*hugo.Site, error) {
	backend := a.backends[bc.Name]
	if backend == nil {
		key, err := os.ReadFile(bc.GitHub.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("gitpub: blog %q: read private key: %w", bc.Name, err)
		}
		backend, err = contentstore.NewGitHub(contentstore.GitHubConfig{
			Owner:          bc.GitHub.Owner,
			Repo:           bc.GitHub.Repo,
			Branch:         bc.GitHub.Branch,
			AppID:          bc.GitHub.AppID,
			InstallationID: bc.GitHub.InstallationID,
			PrivateKeyPEM:  key,
			APIBase:        bc.GitHub.APIBase,
		})
		if err != nil {
			return nil, fmt.Errorf("gitpub: blog %q: %w", bc.Name, err)
		}
	}
	site, err := hugo.NewSite(bc.Name, bc.URI, hugo.SectionMap(bc.SectionMap), bc.MediaPrefix, backend)
	if err != nil {
		return nil, fmt.Errorf("gitpub: blog %q: %w", bc.Name, err)
	}
	return site, nil
}

func (a *App) setupRoutes() {
	e := a.Echo

	e.GET("/", a.handleIndex)

	ia := e.Group("/indieauth")
	ia.GET("", a.handleIndex)
	ia.GET("/login", a.handleLoginPage)
	ia.POST("/login", a.handleLogin)
	ia.GET("/logout", a.handleLogout)
	ia.GET("/authorize", a.handleAuthorizePage)
	ia.POST("/authorize", a.handleAuthorizeRedeem)
	ia.POST("/grant", a.handleGrant)
	ia.GET("/bearer", a.handleBearerVerify)
	ia.POST("/bearer", a.handleBearerToken)

	e.GET("/micropub/:blog", a.handleMicropubQuery)
	e.POST("/micropub/:blog", a.handleMicropubPost)
	e.POST("/micropub/:blog/media", a.handleMedia)
}

// site returns the configured blog site, or a wire-ready 404.
func (a *App) site(name string) (*hugo.Site, error) {
	if s, ok := a.blogs[name]; ok {
		return s, nil
	}
	return nil, errNotFound(fmt.Sprintf("no such blog configured: %s", name))
}

// Close cleans up resources. Call this when the app is shutting down.
func (a *App) Close() error {
	if a.Tokens != nil {
		return a.Tokens.Close()
	}
	return nil
}

// EnvOr returns the value of the environment variable key, or fallback
// if empty.
func EnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// MustEnv returns the value of the environment variable key, or fatally
// exits if empty.
func MustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("gitpub: required environment variable %s is not set", key)
	}
	return v
}
