// Package app wires every other component into one Application: the HTTP
// client, verifier, and the Fetcher/Refresh Engine/Topic Manager/Matcher/
// Planner/History/Lock/Search stack built on top of them — following the
// teacher's internal/app/app.go shape (HTTP client with a transport
// wrapper, one constructor, one Shutdown) but replacing its repo-build and
// signing responsibilities with oma's install-client ones: oma verifies a
// repository's signature as a consumer (internal/sig), it never signs one.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v80/github"

	"github.com/dionysius/oma-core/internal/aptcache"
	"github.com/dionysius/oma-core/internal/bus"
	"github.com/dionysius/oma-core/internal/config"
	"github.com/dionysius/oma-core/internal/fetch"
	"github.com/dionysius/oma-core/internal/history"
	"github.com/dionysius/oma-core/internal/lock"
	"github.com/dionysius/oma-core/internal/match"
	"github.com/dionysius/oma-core/internal/plan"
	"github.com/dionysius/oma-core/internal/refresh"
	"github.com/dionysius/oma-core/internal/search"
	"github.com/dionysius/oma-core/internal/sig"
	"github.com/dionysius/oma-core/internal/topic"
)

// Application holds every initialized runtime component, built once by New
// and torn down once by Shutdown.
type Application struct {
	Config *config.Config

	HTTPClient *http.Client

	Verifier     *sig.Verifier
	verifierDone func()
	verifiers    *verifierCache

	Cache   aptcache.Cache
	Bus     *bus.Bus
	Fetcher *fetch.Fetcher
	Refresh *refresh.Engine
	Topics  *topic.Manager
	Matcher *match.Matcher
	Lock    *lock.Lock
	History *history.Store
	Search  search.Backend
	Planner *plan.Committer
}

// New builds an Application from cfg. cache lets the caller supply a real
// libapt/dpkg-backed aptcache.Cache in production and aptcache.NewMemory()
// in tests; New never constructs one itself since §9 deliberately leaves
// the binding a caller concern.
func New(ctx context.Context, cfg *config.Config, cache aptcache.Cache) (*Application, error) {
	httpClient := &http.Client{}
	var transport http.RoundTripper = &http.Transport{
		MaxIdleConns:    cfg.HTTP.MaxIdleConns,
		MaxConnsPerHost: cfg.HTTP.MaxConnsPerHost,
	}
	if cfg.HTTP.UserAgent != "" {
		transport = &userAgentTransport{Base: transport, UserAgent: cfg.HTTP.UserAgent}
	}
	httpClient.Transport = transport
	if cfg.HTTP.Timeout > 0 {
		httpClient.Timeout = time.Duration(cfg.HTTP.Timeout) * time.Second
	}

	verifier, verifierDone, err := sig.NewVerifier(cfg.Trust.Dirs, nil)
	if err != nil {
		return nil, fmt.Errorf("app: init verifier: %w", err)
	}
	verifiers := newVerifierCache(cfg.Trust.Dirs, verifier)

	eventBus := bus.New()
	fetcher := fetch.New(httpClient, eventBus, fetch.Options{Concurrency: int(cfg.Workers.Download)})

	var topicSource topic.ManifestSource
	switch {
	case cfg.Topics.GitHubRepo != "":
		owner, repo, ok := strings.Cut(cfg.Topics.GitHubRepo, "/")
		if !ok {
			return nil, fmt.Errorf("app: topics.github_repo must be \"owner/repo\", got %q", cfg.Topics.GitHubRepo)
		}
		var client *github.Client
		if cfg.GitHub.Token != "" {
			client = github.NewClient(httpClient).WithAuthToken(cfg.GitHub.Token)
		} else {
			client = github.NewClient(httpClient)
		}
		topicSource = &topic.GitHubSource{Client: client, Owner: owner, Repo: repo, Asset: cfg.Topics.GitHubAsset}
	case cfg.Topics.ManifestURL != "":
		topicSource = &topic.HTTPSource{Client: httpClient, URL: cfg.Topics.ManifestURL}
	}
	topics := topic.New(cfg.Sysroot, cfg.Arch, topicSource)
	topics.BaseURL = cfg.Topics.BaseURL

	refreshEngine := refresh.New(fetcher, eventBus, refresh.Options{
		Arch:         cfg.Arch,
		DownloadDir:  cfg.ListsDir(),
		ClosedTopics: topics,
		VerifierFor:  verifiers.forEntry,
	})

	matcher := &match.Matcher{Cache: cache, NativeArch: cfg.Arch, FilterCandidate: true}

	lk := lock.New(cfg.Sysroot)
	hist := history.New(cfg.Plan.GetHistoryDir(cfg.Sysroot))

	var backend search.Backend
	switch cfg.Search.Engine {
	case "similarity":
		backend = &search.Similarity{Cache: cache}
	case "substring":
		backend = &search.Substring{Cache: cache}
	default:
		idx, err := search.NewNGram(cache)
		if err != nil {
			return nil, fmt.Errorf("app: build search index: %w", err)
		}
		backend = idx
	}

	committer := &plan.Committer{
		Cache:       cache,
		Matcher:     matcher,
		Bus:         eventBus,
		Lock:        lk,
		History:     hist,
		ArchiveDir:  cfg.Plan.GetArchiveDir(cfg.Sysroot),
		Concurrency: int(cfg.Workers.Download),
		ProtectEssentials: func(name string) bool {
			if cfg.Plan.AllowRemoveEssential {
				return false
			}
			vs, err := cache.Get(name)
			if err != nil {
				return false
			}
			for _, v := range vs {
				if v.Essential {
					return true
				}
			}
			return false
		},
	}

	return &Application{
		Config:       cfg,
		HTTPClient:   httpClient,
		Verifier:     verifier,
		verifierDone: verifierDone,
		verifiers:    verifiers,
		Cache:        cache,
		Bus:          eventBus,
		Fetcher:      fetcher,
		Refresh:      refreshEngine,
		Topics:       topics,
		Matcher:      matcher,
		Lock:         lk,
		History:      hist,
		Search:       backend,
		Planner:      committer,
	}, nil
}

// Shutdown stops the Topic Manager's watch loop, closes the Event Bus, and
// releases the verifier's temporary keyring files, mirroring the teacher's
// Application.Shutdown.
func (a *Application) Shutdown() {
	a.Topics.StopWatch()
	a.Bus.Close()
	if a.verifiers != nil {
		a.verifiers.Close()
	}
	if a.verifierDone != nil {
		a.verifierDone()
	}
}

// userAgentTransport wraps an http.RoundTripper to set a custom
// User-Agent header, carried from the teacher's app.go unchanged.
type userAgentTransport struct {
	Base      http.RoundTripper
	UserAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.UserAgent)
	}
	return t.Base.RoundTrip(req)
}
