package annexificator

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/datamirror/datamirror/pkg/archive"
	"github.com/datamirror/datamirror/pkg/domain"
)

// AddArchiveContentParams describe one archive-unpacking step.
type AddArchiveContentParams struct {
	// ArchivePath is the archive, relative to the repository root.
	ArchivePath string
	// DestDir receives the extracted files, relative to the repository
	// root; empty means the archive's own directory.
	DestDir string

	ExcludePatterns     []string
	StripLeadingDirs    bool
	LeadingDirsDepth    int
	LeadingDirsConsider []string
	RenameRules         [][2]string

	// Delete removes the archive from the tree after extraction.
	Delete bool
	// DeleteAfter removes the archive only once every extracted file has
	// been staged, i.e. extraction has been fully re-verified.
	DeleteAfter bool
	// DropAfter additionally drops the archive's annex content once the
	// source URL is confirmed to still resolve it (the backend verifies a
	// remaining copy before dropping).
	DropAfter bool
	// Persistent selects the surviving archive cache area.
	Persistent bool
}

// AddArchiveContent extracts an archive through the content-addressed cache
// and stages the extracted files with the same dedup and git-vs-annex logic
// as fetched content. Byte-identical archives never extract twice.
func (a *Annexificator) AddArchiveContent(ctx context.Context, p AddArchiveContentParams) (domain.ActivityStats, error) {
	var stats domain.ActivityStats

	if a.cache == nil {
		return stats, fmt.Errorf("no archive cache configured")
	}

	rawKey, err := a.repo.AnnexKey(ctx, p.ArchivePath)
	if err != nil {
		return stats, err
	}

	if rawKey == "" {
		return stats, fmt.Errorf("archive %s is not annexed, no content key to cache by", p.ArchivePath)
	}

	destDir := p.DestDir
	if destDir == "" {
		destDir = filepath.Dir(p.ArchivePath)
	}

	extracted, err := a.cache.Extract(ctx, archive.ExtractParams{
		ArchivePath:         filepath.Join(a.repo.Path(), p.ArchivePath),
		Key:                 rawKey,
		DestDir:             filepath.Join(a.repo.Path(), destDir),
		Persistent:          p.Persistent,
		ExcludePatterns:     p.ExcludePatterns,
		StripLeadingDirs:    p.StripLeadingDirs,
		LeadingDirsDepth:    p.LeadingDirsDepth,
		LeadingDirsConsider: p.LeadingDirsConsider,
		RenameRules:         p.RenameRules,
	})
	if err != nil {
		return stats, fmt.Errorf("extracting %s: %w", p.ArchivePath, err)
	}

	for _, rel := range extracted {
		treeRel := filepath.Join(destDir, rel)
		full := filepath.Join(a.repo.Path(), treeRel)

		// The copy's mtime is extraction time, not a content property.
		// Size plus the source archive's content key decide sameness.
		status := domain.FileStatus{
			Digests: map[string]string{"source-key": rawKey},
		}
		if info, err := a.fs.Stat(full); err == nil {
			status.Size = domain.Int64Ptr(info.Size())
		}

		different, err := a.statusDB.IsDifferent(ctx, full, status)
		if err != nil {
			return stats, err
		}

		existedBefore, _ := afero.Exists(a.fs, full)

		if !different && existedBefore {
			stats.Skipped++
			continue
		}

		toAnnex, err := a.placement(ctx, treeRel)
		if err != nil {
			return stats, err
		}

		if err := a.addPath(ctx, treeRel, toAnnex); err != nil {
			return stats, err
		}

		if err := a.statusDB.Set(ctx, full, status); err != nil {
			return stats, err
		}

		if toAnnex {
			stats.AddAnnex++
		} else {
			stats.AddGit++
		}
		stats.Files++
	}

	log.Info().Str("archive", p.ArchivePath).Int("files", len(extracted)).Msg("added archive content")

	if p.Delete || p.DeleteAfter {
		if p.DropAfter {
			copies, err := a.repo.AnnexWhereis(ctx, p.ArchivePath)
			if err != nil {
				return stats, err
			}

			if copies < 2 {
				log.Warn().Str("archive", p.ArchivePath).Int("copies", copies).
					Msg("no other copy known, keeping local archive content")
			} else if err := a.repo.AnnexDrop(ctx, p.ArchivePath, false); err != nil {
				return stats, err
			}
		}

		if err := a.repo.Remove(ctx, p.ArchivePath); err != nil {
			return stats, err
		}

		log.Info().Str("archive", p.ArchivePath).Msg("removed source archive from tree")
	}

	return stats, nil
}

// ArchivePostProcessor returns a merge-time hook that unpacks every archive
// matching the processed batch, typically registered right after
// construction so finalize applies it on incoming-processed.
func (a *Annexificator) ArchivePostProcessor(params AddArchiveContentParams, archives func() []string) PostProcessor {
	return func(ctx context.Context, stats *domain.ActivityStats) error {
		for _, archivePath := range archives() {
			p := params
			p.ArchivePath = archivePath

			delta, err := a.AddArchiveContent(ctx, p)
			if err != nil {
				return err
			}

			stats.Add(delta)
		}

		return nil
	}
}
