package cmd

import (
	"fmt"

	"github.com/aptly-dev/aptly/deb"

	"github.com/dionysius/oma-core/internal/app"
	"github.com/dionysius/oma-core/internal/source"
	"github.com/dionysius/oma-core/internal/topic"
)

// downgradeSelectors turns newly-closed topics' packages into Planner
// selectors, per §4.8/E6: for every package a closed topic used to supply,
// select the highest version still available from a remaining (non-topic)
// source, or schedule a removal when none remain. Only currently-installed
// packages are considered — a topic package never installed has nothing to
// downgrade.
func downgradeSelectors(a *app.Application, removed []topic.RemovedTopic) (install, remove []string) {
	topicDist := make(map[string]bool, len(removed))
	for _, r := range removed {
		dist := source.NewEntry(a.Topics.BaseURL, r.Topic.Name, []string{"main"}, nil, false, "", false, a.Config.Arch).DistPath()
		topicDist[dist] = true
	}

	seen := make(map[string]bool)
	for _, r := range removed {
		for _, name := range r.Packages {
			if seen[name] {
				continue
			}
			seen[name] = true

			vs, err := a.Cache.Get(name)
			if err != nil {
				continue
			}

			var installed bool
			var best string
			for _, v := range vs {
				if v.Installed {
					installed = true
				}
				if topicDist[v.Source] || !v.Downloadable {
					continue
				}
				if best == "" || deb.CompareVersions(v.Version, best) > 0 {
					best = v.Version
				}
			}
			if !installed {
				continue // never installed from this topic; nothing to downgrade
			}

			if best != "" {
				install = append(install, fmt.Sprintf("%s=%s", name, best))
			} else {
				remove = append(remove, name)
			}
		}
	}
	return install, remove
}
