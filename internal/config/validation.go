package config

import (
	"errors"
	"fmt"
)

var (
	ErrSysrootEmpty        = errors.New("sysroot must not be empty")
	ErrSearchEngineInvalid = errors.New("search.engine must be one of ngram, similarity, substring")
	ErrWorkersInvalid      = errors.New("workers.download must be at least 1")
)

var validSearchEngines = map[string]bool{
	"ngram":      true,
	"similarity": true,
	"substring":  true,
}

// validate checks the few invariants defaults() cannot repair on its own:
// every field it touches has already been defaulted by the time validate
// runs, so a failure here means the operator supplied an invalid override.
func validate(cfg *Config) error {
	if cfg.Sysroot == "" {
		return ErrSysrootEmpty
	}

	if !validSearchEngines[cfg.Search.Engine] {
		return fmt.Errorf("%w: got %q", ErrSearchEngineInvalid, cfg.Search.Engine)
	}

	if cfg.Workers.Download == 0 {
		return ErrWorkersInvalid
	}

	if cfg.Topics.GitHubRepo != "" {
		owner, repo := splitRepo(cfg.Topics.GitHubRepo)
		if owner == "" || repo == "" {
			return fmt.Errorf("topics.github_repo must be \"owner/repo\", got %q", cfg.Topics.GitHubRepo)
		}
	}

	return nil
}

func splitRepo(s string) (owner, repo string) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return s[:i], s[i+1:]
		}
	}
	return "", ""
}
