package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dionysius/oma-core/internal/app"
	"github.com/dionysius/oma-core/internal/aptcache"
	"github.com/dionysius/oma-core/internal/bus"
	"github.com/dionysius/oma-core/internal/config"
	"github.com/dionysius/oma-core/internal/lock"
	"github.com/dionysius/oma-core/internal/plan"
	"github.com/dionysius/oma-core/internal/source"
)

// ExitCode implements spec.md §6/§7's exit-code contract: 0 normal, 2 for
// a signal interrupt, 127 for a missing helper binary, non-zero (1)
// otherwise. main calls this with the context passed to ExecuteContext and
// the error it returned.
func ExitCode(ctx context.Context, err error) int {
	switch {
	case err == nil:
		return 0
	case ctx.Err() != nil:
		return 2
	case isExecNotFound(err):
		return 127
	default:
		return 1
	}
}

func isExecNotFound(err error) bool {
	return strings.Contains(err.Error(), "executable file not found")
}

// newApplication loads configuration and builds an app.Application wired
// against aptcache.NewMemory(), the in-memory reference Cache the §9
// adapter interface allows in place of a real libapt/dpkg binding;
// DESIGN.md records this as the deliberate scoping boundary of this core.
func newApplication(ctx context.Context) (*app.Application, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("cmd: load config: %w", err)
	}

	cache := aptcache.NewMemory()
	if err := cache.Load(cfg.Sysroot, nil); err != nil {
		return nil, fmt.Errorf("cmd: load cache: %w", err)
	}

	a, err := app.New(ctx, cfg, cache)
	if err != nil {
		return nil, err
	}

	a.Planner.ConfirmPhraseInput = promptEssentialConfirm

	if !noProgress {
		go bus.NewMultiBarRenderer().Run(ctx, a.Bus.Events())
	} else {
		go (&bus.LogRenderer{}).Run(ctx, a.Bus.Events())
	}

	return a, nil
}

// promptEssentialConfirm asks the operator to type the literal
// confirmation phrase before an essential package is removed, the same
// "Do as I say!" gate the original CLI enforces.
func promptEssentialConfirm() string {
	typed, _ := pterm.DefaultInteractiveTextInput.WithDefaultText(plan.EssentialConfirmPhrase).Show(
		fmt.Sprintf("Type %q to confirm removing an essential package", plan.EssentialConfirmPhrase),
	)
	return strings.TrimSpace(typed)
}

// scanSources loads every configured source entry for cfg's sysroot and
// architecture, the shared starting point of refresh/install/upgrade.
func scanSources(cfg *config.Config) ([]*source.Entry, error) {
	result, err := source.Scan(cfg.Sysroot, cfg.Arch, nil)
	if err != nil {
		return nil, fmt.Errorf("cmd: scan sources: %w", err)
	}
	return result.Entries, nil
}

// printPlan renders an Operation Plan as a table before Commit, following
// the teacher's pterm-based table rendering.
func printPlan(p plan.Plan) {
	rows := [][]string{{"Action", "Package", "Old", "New"}}
	add := func(label string, changes []aptcache.Change) {
		for _, c := range changes {
			rows = append(rows, []string{label, c.Name, c.OldVersion, c.NewVersion})
		}
	}
	add("Remove", p.Remove)
	add("Purge", p.Purge)
	add("Install", p.Install)
	add("Upgrade", p.Upgrade)
	add("Downgrade", p.Downgrade)
	add("Reinstall", p.Reinstall)

	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	fmt.Fprintf(os.Stdout, "Download: %d bytes, disk delta: %+d bytes\n", p.Totals.DownloadBytes, p.Totals.DiskDelta)
}

// confirmProceed asks a yes/no question unless --yes was passed.
func confirmProceed(assumeYes bool) (bool, error) {
	if assumeYes {
		return true, nil
	}
	return pterm.DefaultInteractiveConfirm.Show("Proceed?")
}

// commitPlan runs the full §4.10 sequence shared by install/upgrade/
// remove/purge/pick/fix-broken: build the plan, show it, confirm, download
// archives, then commit.
func commitPlan(cmd *cobra.Command, a *app.Application, install, remove []string, purge, fixBroken bool) error {
	ctx := cmd.Context()

	p, err := a.Planner.Build(ctx, install, remove, purge, fixBroken)
	if err != nil {
		return err
	}

	printPlan(p)

	session, err := lock.Connect()
	if err != nil {
		slog.Debug("cmd: session bus unavailable, skipping battery/inhibitor checks", "err", err)
	}
	defer func() { _ = session.Close() }()

	if onBattery, err := session.OnBattery(); err == nil && onBattery && !assumeYes {
		proceed, err := pterm.DefaultInteractiveConfirm.Show("Running on battery power. Proceed anyway?")
		if err != nil {
			return err
		}
		if !proceed {
			cmd.Println("Aborted.")
			return nil
		}
	}

	ok, err := confirmProceed(assumeYes)
	if err != nil {
		return err
	}
	if !ok {
		cmd.Println("Aborted.")
		return nil
	}

	inhibitor, err := session.Inhibit("applying a package transaction")
	if err != nil {
		slog.Debug("cmd: failed to take sleep inhibitor", "err", err)
	}
	defer func() { _ = inhibitor.Release() }()

	toDownload := make([]aptcache.Change, 0, len(p.Install)+len(p.Upgrade)+len(p.Reinstall))
	toDownload = append(toDownload, p.Install...)
	toDownload = append(toDownload, p.Upgrade...)
	toDownload = append(toDownload, p.Reinstall...)
	if err := a.Planner.DownloadArchives(ctx, toDownload); err != nil {
		return err
	}

	return a.Planner.Commit(ctx, a.Config.Sysroot, p, false)
}
