package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/melih/inga-supervisor/internal/core/domain"
)

// PullImage pulls ref and blocks until the daemon finishes. Progress lines are
// reported to onStatus as they arrive.
func (a *Adapter) PullImage(ctx context.Context, ref domain.ImageRef, platform string, onStatus func(string)) error {
	cli, err := a.client()
	if err != nil {
		return err
	}
	reader, err := cli.ImagePull(ctx, ref.String(), types.ImagePullOptions{Platform: platform})
	if err != nil {
		return classifyPull(ref, err)
	}
	defer reader.Close()

	if err := decodePull(reader, onStatus); err != nil {
		return classifyPull(ref, err)
	}
	a.log.Debug("pulled image", slog.String("image", ref.String()))
	return nil
}

// decodePull consumes the daemon's JSON message stream. An error message in
// the stream fails the pull even though the HTTP request succeeded.
func decodePull(r io.Reader, onStatus func(string)) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if msg.Error != nil {
			return msg.Error
		}
		if msg.ErrorMessage != "" {
			return errors.New(msg.ErrorMessage)
		}
		if onStatus != nil {
			if line := pullStatus(msg); line != "" {
				onStatus(line)
			}
		}
	}
}

func pullStatus(msg jsonmessage.JSONMessage) string {
	line := msg.Status
	if msg.ID != "" {
		line = msg.ID + ": " + line
	}
	if p := msg.Progress; p != nil && p.Total > 0 {
		line = fmt.Sprintf("%s %d%%", line, p.Current*100/p.Total)
	}
	return line
}

// ImageID returns the local ID of ref.
func (a *Adapter) ImageID(ctx context.Context, ref domain.ImageRef) (string, error) {
	cli, err := a.client()
	if err != nil {
		return "", err
	}
	inspect, _, err := cli.ImageInspectWithRaw(ctx, ref.String())
	if err != nil {
		if gone(err) {
			return "", fmt.Errorf("image %s: %w", ref, domain.ErrNotFound)
		}
		return "", classify("failed to inspect image "+ref.String(), err)
	}
	return inspect.ID, nil
}

// RemoveImage deletes a local image by reference or ID. A missing image is not an error.
func (a *Adapter) RemoveImage(ctx context.Context, ref string) error {
	cli, err := a.client()
	if err != nil {
		return err
	}
	if _, err := cli.ImageRemove(ctx, ref, types.ImageRemoveOptions{PruneChildren: true}); err != nil {
		if gone(err) {
			return nil
		}
		return classify("failed to remove image "+ref, err)
	}
	a.log.Info("removed image", slog.String("image", ref))
	return nil
}

// CreateVolume creates a named volume. Creating an existing volume succeeds.
func (a *Adapter) CreateVolume(ctx context.Context, name string) error {
	cli, err := a.client()
	if err != nil {
		return err
	}
	if _, err := cli.VolumeCreate(ctx, volume.CreateOptions{Name: name}); err != nil {
		return classify("failed to create volume "+name, err)
	}
	return nil
}

// RemoveVolume deletes a named volume. A missing volume is not an error.
func (a *Adapter) RemoveVolume(ctx context.Context, name string) error {
	cli, err := a.client()
	if err != nil {
		return err
	}
	if err := cli.VolumeRemove(ctx, name, false); err != nil {
		if gone(err) {
			return nil
		}
		return classify("failed to remove volume "+name, err)
	}
	return nil
}
