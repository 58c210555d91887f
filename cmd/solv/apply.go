package main

import (
	"context"
	"os"

	"github.com/AlexanderEkdahl/solvent/internal/auth"
	"github.com/AlexanderEkdahl/solvent/internal/fetch"
	"github.com/AlexanderEkdahl/solvent/internal/report"
	"github.com/AlexanderEkdahl/solvent/internal/solver"
	"github.com/AlexanderEkdahl/solvent/internal/transaction"
)

// apply loads the database for cfg's channels, solves jobs against it,
// prints the resulting plan, and — unless the user declines or cfg.Yes
// skips the prompt — executes the transaction. cmdName and specs are
// recorded in the prefix history entry.
func apply(ctx context.Context, cfg *config, jobs []solver.Job, cmdName string, specs []string) error {
	sink := report.Default()

	db, prefix, err := cfg.loadDatabase(ctx, sink, nil)
	if err != nil {
		return err
	}

	sol, err := solveAndSummarize(db, prefix, jobs)
	if err != nil {
		return err
	}

	plan := transaction.BuildPlan(sol)
	plan.Fprint(os.Stdout)
	if len(plan.Entries) == 0 {
		return nil
	}

	if !cfg.Yes && !transaction.Confirm(os.Stdin) {
		sink.Infof("aborted by user")
		return nil
	}

	fetcher := fetch.New(fetch.NewMirrorMap(nil, nil), auth.NewStore(), sink)
	txn := transaction.New(cfg.pkgCache(), fetcher, prefix, transaction.LinkHardlink, sink)

	result, err := txn.Execute(ctx, sol, cmdName, specs)
	if err != nil {
		return err
	}

	sink.Infof("%d installed, %d removed", len(result.Installed), len(result.Removed))
	return nil
}
