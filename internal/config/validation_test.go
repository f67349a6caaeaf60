package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.defaults()
		return cfg
	}

	t.Run("defaulted config is valid", func(t *testing.T) {
		require.NoError(t, validate(valid()))
	})

	t.Run("empty sysroot rejected", func(t *testing.T) {
		cfg := valid()
		cfg.Sysroot = ""
		err := validate(cfg)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSysrootEmpty)
	})

	t.Run("unknown search engine rejected", func(t *testing.T) {
		cfg := valid()
		cfg.Search.Engine = "magic"
		err := validate(cfg)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSearchEngineInvalid)
	})

	t.Run("zero download workers rejected", func(t *testing.T) {
		cfg := valid()
		cfg.Workers.Download = 0
		err := validate(cfg)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrWorkersInvalid)
	})

	t.Run("malformed github_repo rejected", func(t *testing.T) {
		cfg := valid()
		cfg.Topics.GitHubRepo = "not-owner-slash-repo"
		require.Error(t, validate(cfg))
	})

	t.Run("well-formed github_repo accepted", func(t *testing.T) {
		cfg := valid()
		cfg.Topics.GitHubRepo = "dionysius/oma-topics"
		require.NoError(t, validate(cfg))
	})
}

func TestSplitRepo(t *testing.T) {
	owner, repo := splitRepo("dionysius/oma-topics")
	assert.Equal(t, "dionysius", owner)
	assert.Equal(t, "oma-topics", repo)

	owner, repo = splitRepo("no-slash-here")
	assert.Empty(t, owner)
	assert.Empty(t, repo)
}
