package crawler

import (
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/datamirror/datamirror/internal/downloaders"
	"github.com/datamirror/datamirror/pkg/annexificator"
	"github.com/datamirror/datamirror/pkg/archive"
	"github.com/datamirror/datamirror/pkg/domain"
	"github.com/datamirror/datamirror/pkg/gitannex"
	"github.com/datamirror/datamirror/pkg/nodes"
	"github.com/datamirror/datamirror/pkg/pipeline"
	"github.com/datamirror/datamirror/pkg/statusdb"
	"github.com/datamirror/datamirror/pkg/versions"
)

// ArchivesDir is where extracted archive content is cached inside a dataset.
const ArchivesDir = ".datalad/crawl/archives"

// TemplateURLs ingests a fixed list of remote files.
const TemplateURLs = "urls"

type versioningArgs struct {
	Pattern         string `yaml:"pattern"`
	AlwaysVersioned string `yaml:"always_versioned"`
	Unversioned     string `yaml:"unversioned"`
	Default         string `yaml:"default"`
}

type archivesArgs struct {
	Match               string      `yaml:"match"`
	Exclude             []string    `yaml:"exclude"`
	StripLeadingDirs    bool        `yaml:"strip_leading_dirs"`
	LeadingDirsDepth    int         `yaml:"leading_dirs_depth"`
	LeadingDirsConsider []string    `yaml:"leading_dirs_consider"`
	Rename              [][2]string `yaml:"rename"`
	Delete              bool        `yaml:"delete"`
	DeleteAfter         bool        `yaml:"delete_after"`
	DropAfter           bool        `yaml:"drop_after"`
	Persistent          bool        `yaml:"persistent"`
}

type urlsArgs struct {
	URLs []nodes.Source `yaml:"urls"`

	Mode            string `yaml:"mode"`
	StatusDB        string `yaml:"statusdb"`
	YieldNonUpdated bool   `yaml:"yield_non_updated"`
	BatchAdd        bool   `yaml:"batch_add"`
	Tag             bool   `yaml:"tag"`
	TagPrefix       string `yaml:"tag_prefix"`
	FetchRetries    int    `yaml:"fetch_retries"`
	FetchTimeout    string `yaml:"fetch_timeout"`

	Substitutions map[string]map[string]string `yaml:"substitutions"`
	Skip          string                       `yaml:"skip"`

	Versioning *versioningArgs `yaml:"versioning"`
	Archives   *archivesArgs   `yaml:"archives"`
}

// decodeArgs round-trips the artifact's loose args map into a typed struct.
func decodeArgs(args map[string]any, out any) error {
	data, err := yaml.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to marshal template args: %w", err)
	}

	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal template args: %w", err)
	}

	return nil
}

func registerTemplates(registry *pipeline.Registry, fs afero.Fs, datasetPath string) {
	registry.Register(TemplateURLs, func(args map[string]any) (pipeline.Pipeline, error) {
		var a urlsArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, domain.NewConfigError("template %s: %v", TemplateURLs, err)
		}

		return buildURLsPipeline(fs, datasetPath, a)
	})
}

func buildURLsPipeline(fs afero.Fs, datasetPath string, a urlsArgs) (pipeline.Pipeline, error) {
	producer, err := nodes.NewURLList(a.URLs)
	if err != nil {
		return nil, err
	}

	ann, err := buildAnnexificator(fs, datasetPath, a)
	if err != nil {
		return nil, err
	}

	p := pipeline.Pipeline{pipeline.Leaf(producer)}

	if len(a.Substitutions) > 0 {
		sub, err := nodes.NewSub(a.Substitutions)
		if err != nil {
			return nil, err
		}

		p = append(p, pipeline.Leaf(sub))
	}

	if a.Skip != "" {
		cond, err := nodes.FilenameMatches(a.Skip)
		if err != nil {
			return nil, err
		}

		p = append(p, pipeline.Leaf(nodes.SkipIf{Cond: cond}))
	}

	if a.Archives != nil {
		match := a.Archives.Match
		if match == "" {
			match = `\.(tar\.gz|tgz|tar|zip)$`
		}

		cond, err := nodes.FilenameMatches(match)
		if err != nil {
			return nil, err
		}

		tracker := &nodes.Collect{Cond: cond}
		p = append(p, pipeline.Leaf(tracker))

		ann.RegisterPostProcessor(ann.ArchivePostProcessor(annexificator.AddArchiveContentParams{
			ExcludePatterns:     a.Archives.Exclude,
			StripLeadingDirs:    a.Archives.StripLeadingDirs,
			LeadingDirsDepth:    a.Archives.LeadingDirsDepth,
			LeadingDirsConsider: a.Archives.LeadingDirsConsider,
			RenameRules:         a.Archives.Rename,
			Delete:              a.Archives.Delete,
			DeleteAfter:         a.Archives.DeleteAfter,
			DropAfter:           a.Archives.DropAfter,
			Persistent:          a.Archives.Persistent,
		}, tracker.Paths))
	}

	p = append(p, pipeline.Leaf(ann))

	return p, nil
}

func buildAnnexificator(fs afero.Fs, datasetPath string, a urlsArgs) (*annexificator.Annexificator, error) {
	repo := gitannex.NewRepo(gitannex.RepoDependencies{
		Path:   datasetPath,
		Runner: gitannex.NewExecRunner(),
	})

	var statusDB statusdb.DB

	switch a.StatusDB {
	case "", "json":
		db, err := statusdb.NewPersisted(statusdb.PersistedDependencies{
			Fs:   fs,
			Root: datasetPath,
			Name: "incoming",
		})
		if err != nil {
			return nil, err
		}

		statusDB = db
	case "physical":
		statusDB = statusdb.NewPhysical(statusdb.PhysicalDependencies{Repo: repo})
	default:
		return nil, domain.NewConfigError("unknown statusdb %q", a.StatusDB)
	}

	versionDB, err := versions.NewDB(versions.DBDependencies{
		Fs:   fs,
		Root: datasetPath,
		Name: "incoming",
	})
	if err != nil {
		return nil, err
	}

	var extractor *versions.Extractor
	if a.Versioning != nil {
		extractor, err = versions.NewExtractor(versions.ExtractorOptions{
			Pattern:         a.Versioning.Pattern,
			AlwaysVersioned: a.Versioning.AlwaysVersioned,
			Unversioned:     versions.UnversionedPolicy(a.Versioning.Unversioned),
			Default:         a.Versioning.Default,
		})
		if err != nil {
			return nil, err
		}
	}

	cache := archive.NewCache(archive.CacheDependencies{
		Fs:   fs,
		Root: filepath.Join(datasetPath, ArchivesDir),
	})

	var timeout time.Duration
	if a.FetchTimeout != "" {
		timeout, err = time.ParseDuration(a.FetchTimeout)
		if err != nil {
			return nil, domain.NewConfigError("fetch_timeout %q: %v", a.FetchTimeout, err)
		}
	}

	downloader := downloaders.NewHTTPDownloader(downloaders.HTTPDownloaderDependencies{
		Client:  httpClient(timeout),
		Retries: a.FetchRetries,
	})

	return annexificator.New(annexificator.Dependencies{
		Repo:       repo,
		StatusDB:   statusDB,
		VersionDB:  versionDB,
		Extractor:  extractor,
		Downloader: downloader,
		Cache:      cache,
		Fs:         fs,
		Options: annexificator.Options{
			Mode:            annexificator.Mode(modeOrAuto(a.Mode)),
			YieldNonUpdated: a.YieldNonUpdated,
			BatchAdd:        a.BatchAdd,
			Tag:             a.Tag,
			TagPrefix:       a.TagPrefix,
		},
	}), nil
}

func modeOrAuto(mode string) string {
	if mode == "" {
		return string(annexificator.ModeAuto)
	}

	return mode
}

func httpClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		return nil
	}

	return &http.Client{Timeout: timeout}
}
