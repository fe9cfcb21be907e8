package reconciler

import (
	"context"
	"log/slog"

	"github.com/melih/inga-supervisor/internal/core/ports"
)

// CollectImage removes ref when no container, running or stopped, references
// it. Failures are logged; an image that stays behind only costs disk space.
func CollectImage(ctx context.Context, daemon ports.Daemon, ref string, log *slog.Logger) bool {
	if ref == "" {
		return false
	}
	containers, err := daemon.ListContainers(ctx, true)
	if err != nil {
		log.Warn("skipping image cleanup", slog.String("image", ref), slog.Any("error", err))
		return false
	}
	for _, c := range containers {
		if c.ReferencesImage(ref) {
			log.Debug("image still in use", slog.String("image", ref), slog.String("container", c.Name))
			return false
		}
	}
	if err := daemon.RemoveImage(ctx, ref); err != nil {
		log.Warn("failed to remove image", slog.String("image", ref), slog.Any("error", err))
		return false
	}
	log.Info("removed unused image", slog.String("image", ref))
	return true
}
