// Package analysis runs user supplied graph jobs after every provider has
// synced, typically to derive relationships across providers.
package analysis

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cartography/internal/client"
	"github.com/xkilldash9x/cartography/internal/config"
	"github.com/xkilldash9x/cartography/internal/graph/job"
	"github.com/xkilldash9x/cartography/internal/intel"
)

// JobFiles returns the *.json files directly under dir, sorted by name.
func JobFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read analysis job directory %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// RunDirectory runs every job in dir in name order with UPDATE_TAG as the
// common parameter. The first failing job stops the run.
func RunDirectory(ctx context.Context, session client.Session, dir string, params intel.Params, logger *zap.Logger) error {
	files, err := JobFiles(dir)
	if err != nil {
		return err
	}
	common := params.JobParameters(nil)
	for _, path := range files {
		j, err := job.FromFile(path, common)
		if err != nil {
			return err
		}
		if err := j.Run(ctx, session, logger); err != nil {
			return fmt.Errorf("analysis job %s: %w", filepath.Base(path), err)
		}
	}
	logger.Info("Finished analysis jobs.", zap.String("directory", dir), zap.Int("jobs", len(files)))
	return nil
}

// StartIngestion is the engine entrypoint for the analysis stage. It is a
// no-op when no job directory is configured.
func StartIngestion(ctx context.Context, session client.Session, cfg *config.Config, params intel.Params, logger *zap.Logger) error {
	log := logger.Named("analysis")
	if cfg.Analysis.JobDirectory == "" {
		log.Debug("No analysis job directory configured. Skipping analysis.")
		return nil
	}
	return RunDirectory(ctx, session, cfg.Analysis.JobDirectory, params, log)
}
