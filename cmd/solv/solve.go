package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/AlexanderEkdahl/solvent/internal/auth"
	"github.com/AlexanderEkdahl/solvent/internal/channel"
	"github.com/AlexanderEkdahl/solvent/internal/database"
	"github.com/AlexanderEkdahl/solvent/internal/fetch"
	"github.com/AlexanderEkdahl/solvent/internal/matchspec"
	"github.com/AlexanderEkdahl/solvent/internal/pkgcache"
	"github.com/AlexanderEkdahl/solvent/internal/prefixdata"
	"github.com/AlexanderEkdahl/solvent/internal/repodata"
	"github.com/AlexanderEkdahl/solvent/internal/report"
	"github.com/AlexanderEkdahl/solvent/internal/solver"
)

// config bundles the root command's persistent flags, resolved once
// per invocation and threaded into every subcommand.
type config struct {
	Prefix     string
	Channels   []string
	Offline    bool
	Yes        bool
	RootDir    string // parent of pkgs/ and repodata/ cache subdirectories
	PipInterop bool
}

func defaultRootDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "solvent")
	}
	return filepath.Join(os.TempDir(), "solvent")
}

func (c *config) pkgCache() *pkgcache.Cache {
	return pkgcache.New(filepath.Join(c.RootDir, "pkgs"))
}

func (c *config) repodataCacheDir() string {
	return filepath.Join(c.RootDir, "repodata")
}

// loadDatabase resolves every configured channel for the host platform
// (plus noarch), downloads their repodata, and assembles a
// database.Database with the installed repo marked, per spec.md §4.1,
// §4.4 and §4.5 wired together the way a real command needs them.
func (c *config) loadDatabase(ctx context.Context, sink report.Sink, roots []string) (*database.Database, *prefixdata.PrefixData, error) {
	resolver, err := channel.NewResolver(channel.Params{
		Alias:        "https://conda.anaconda.org",
		HostPlatform: hostPlatform(),
	})
	if err != nil {
		return nil, nil, err
	}

	fetcher := fetch.New(fetch.NewMirrorMap(nil, nil), auth.NewStore(), sink)
	cacheDir := c.repodataCacheDir()

	var loaders []*repodata.SubdirLoader
	for _, name := range c.Channels {
		chans, err := resolver.Resolve(name)
		if err != nil {
			return nil, nil, err
		}
		for _, ch := range chans {
			platforms := ch.PlatformFilters
			if len(platforms) == 0 {
				platforms = []string{hostPlatform(), "noarch"}
			}
			for _, platform := range platforms {
				loaders = append(loaders, repodata.Create(
					repodata.Params{Offline: c.Offline, Roots: roots},
					ch, platform, cacheDir, fetcher, nil, sink,
				))
			}
		}
	}

	if err := repodata.DownloadRequiredIndexes(ctx, loaders, repodata.DownloadOptions{Concurrency: 4}, nil); err != nil {
		return nil, nil, err
	}

	db := database.New(database.PriorityStrict)
	for i, l := range loaders {
		h := db.AddRepoFromPackages(l.Records(), l.Channel.ID, true)
		db.SetRepoPriority(h, database.Priority{Priority: len(loaders) - i})
	}

	virtual := database.VirtualPackagesAsRecords(database.DetectVirtualPackages(database.VirtualPackageParams{}))
	db.AddRepoFromPackages(virtual, "@", false)

	prefix, err := prefixdata.Load(c.Prefix)
	if err != nil {
		return nil, nil, err
	}
	pipRecords := make([]matchspec.PackageInfo, 0, len(prefix.PipRecords))
	for _, p := range prefix.PipRecords {
		pipRecords = append(pipRecords, p)
	}
	installedHandle := db.AddRepoFromPackages(
		database.MergePrefixInteropRecords(prefix.InstalledPackages(false), pipRecords, c.PipInterop),
		"installed", false)
	db.SetInstalledRepo(installedHandle)

	return db, prefix, nil
}

// installedMap adapts a PrefixData into the name-keyed map
// solver.SolveParams expects.
func installedMap(prefix *prefixdata.PrefixData) map[string]matchspec.PackageInfo {
	out := map[string]matchspec.PackageInfo{}
	for _, p := range prefix.InstalledPackages(true) {
		out[p.Name] = p
	}
	return out
}

func parseSpecs(args []string) ([]matchspec.MatchSpec, error) {
	specs := make([]matchspec.MatchSpec, 0, len(args))
	for _, a := range args {
		ms, err := matchspec.Parse(a)
		if err != nil {
			return nil, err
		}
		specs = append(specs, *ms)
	}
	return specs, nil
}

func jobsForSpecs(specs []matchspec.MatchSpec, kind string) []solver.Job {
	jobs := make([]solver.Job, 0, len(specs))
	for _, s := range specs {
		switch kind {
		case "install":
			jobs = append(jobs, solver.Install{Spec: s})
		case "update":
			jobs = append(jobs, solver.Update{Spec: s})
		case "remove":
			jobs = append(jobs, solver.Remove{Spec: s})
		}
	}
	return jobs
}

func solveAndSummarize(db *database.Database, prefix *prefixdata.PrefixData, jobs []solver.Job) (*solver.Solution, error) {
	driver := solver.NewDriver()
	sol, err := driver.Solve(db, solver.SolveParams{
		Request:   solver.Request{Jobs: jobs},
		Installed: installedMap(prefix),
	})
	if err != nil {
		// *solver.Unsolvable already renders its conflict graph in
		// Error(), so there is nothing to special-case here.
		return nil, err
	}
	return sol, nil
}
