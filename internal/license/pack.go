package license

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	licenseErrors "licensekit/internal/errors"
)

// IssueLicensePack ensures key resources in dir and issues one license per
// entry, signing in parallel. Paths are returned in input order. Every entry
// is checked before anything is signed; two entries that would share a
// license file are rejected.
//
// If an entry fails after signing has started, the remaining entries are
// abandoned and the error is returned together with the paths of the
// licenses already written, in input order. Those files stay on disk.
func (m *Manager) IssueLicensePack(ctx context.Context, dir string, pack []Terms) ([]string, error) {
	if len(pack) == 0 {
		return nil, fmt.Errorf("%w: empty license pack", licenseErrors.ErrInvalidTerms)
	}
	m.recordPackSize(ctx, len(pack))

	paths := make([]string, len(pack))
	seen := make(map[string]int, len(pack))
	for i, terms := range pack {
		if err := m.validateTerms(terms); err != nil {
			return nil, fmt.Errorf("pack entry %d: %w", i+1, err)
		}
		paths[i] = LicensePath(dir, terms)
		// Case-insensitive file systems would merge these.
		key := strings.ToLower(paths[i])
		if first, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: pack entries %d and %d share license file %s",
				licenseErrors.ErrInvalidTerms, first+1, i+1, paths[i])
		}
		seen[key] = i
	}

	created, err := m.EnsureKeyResources(ctx, dir)
	if err != nil {
		return nil, err
	}
	key, err := m.LoadIssuerKey(dir)
	if err != nil {
		return nil, err
	}

	written := make([]bool, len(pack))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, terms := range pack {
		g.Go(func() error {
			if err := m.issue(gctx, key, terms, paths[i]); err != nil {
				return err
			}
			written[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var completed []string
		for i, ok := range written {
			if ok {
				completed = append(completed, paths[i])
			}
		}
		m.logError(ctx, "issue_pack", "license pack incomplete",
			slog.Int("size", len(pack)),
			slog.Int("written", len(completed)),
			errorAttr(err),
		)
		return completed, err
	}

	m.logInfo(ctx, "issue_pack", "license pack issued",
		slog.Int("size", len(pack)),
		slog.Bool("keys_created", created),
		keyIDAttr(key.KeyID()),
		slog.String("dir", dir),
	)
	return paths, nil
}
