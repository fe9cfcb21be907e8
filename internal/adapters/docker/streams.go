package docker

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// Exec runs cmd in a running container. The returned reader yields stdout and
// stderr interleaved and reaches EOF when the command exits.
func (a *Adapter) Exec(ctx context.Context, id string, cmd []string) (io.ReadCloser, error) {
	cli, err := a.client()
	if err != nil {
		return nil, err
	}
	created, err := cli.ContainerExecCreate(ctx, id, types.ExecConfig{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, classify("failed to create exec", err)
	}
	hijacked, err := cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, classify("failed to attach exec", err)
	}
	return demux(hijacked.Reader, nil, hijacked.Close), nil
}

// Logs returns the container's log stream with the daemon framing removed.
func (a *Adapter) Logs(ctx context.Context, id string, follow bool) (io.ReadCloser, error) {
	cli, err := a.client()
	if err != nil {
		return nil, err
	}
	rc, err := cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
	})
	if err != nil {
		return nil, classify("failed to read logs", err)
	}
	return demux(rc, nil, func() { rc.Close() }), nil
}

// WaitForExit blocks until the container next exits.
func (a *Adapter) WaitForExit(ctx context.Context, id string) (int64, error) {
	cli, err := a.client()
	if err != nil {
		return -1, err
	}
	statusCh, errCh := cli.ContainerWait(ctx, id, container.WaitConditionNextExit)
	select {
	case err := <-errCh:
		return -1, classify("failed to wait for container", err)
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			a.log.Warn("wait reported error", slog.String("id", id), slog.String("error", status.Error.Message))
		}
		return status.StatusCode, nil
	}
}

// Attach connects to the container's stdio. Reads return stdout; stderr lines
// go to the log.
func (a *Adapter) Attach(ctx context.Context, id string) (io.ReadWriteCloser, error) {
	cli, err := a.client()
	if err != nil {
		return nil, err
	}
	hijacked, err := cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, classify("failed to attach", err)
	}
	stderr := &lineLogger{log: a.log.With(slog.String("container", id))}
	return &attached{
		ReadCloser: demux(hijacked.Reader, stderr, hijacked.Close),
		w:          hijacked.Conn,
	}, nil
}

type attached struct {
	io.ReadCloser
	w io.Writer
}

func (a *attached) Write(p []byte) (int, error) { return a.w.Write(p) }

// demux splits a multiplexed daemon stream. stdout goes to the returned reader;
// stderr goes to the reader too when stderr is nil.
func demux(src io.Reader, stderr io.Writer, closeSrc func()) io.ReadCloser {
	pr, pw := io.Pipe()
	errw := stderr
	if errw == nil {
		errw = pw
	}
	go func() {
		_, err := stdcopy.StdCopy(pw, errw, src)
		pw.CloseWithError(err)
	}()
	return &demuxed{PipeReader: pr, closeSrc: closeSrc}
}

type demuxed struct {
	*io.PipeReader
	closeSrc func()
}

func (d *demuxed) Close() error {
	err := d.PipeReader.Close()
	if d.closeSrc != nil {
		d.closeSrc()
	}
	return err
}

// lineLogger writes each complete line it receives as a debug record.
type lineLogger struct {
	log *slog.Logger
	buf bytes.Buffer
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf.Write(p)
	for {
		line, err := l.buf.ReadString('\n')
		if err != nil {
			// keep the partial line for the next write
			l.buf.Reset()
			l.buf.WriteString(line)
			return len(p), nil
		}
		l.log.Debug("stderr", slog.String("line", strings.TrimRight(line, "\r\n")))
	}
}
