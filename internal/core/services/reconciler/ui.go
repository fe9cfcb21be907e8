package reconciler

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/melih/inga-supervisor/internal/core/domain"
	"github.com/melih/inga-supervisor/internal/core/ports"
)

// UIContainerPort is the port the report server listens on inside its container.
const UIContainerPort = 4173

// UIConfig is the static part of the UI's desired state.
type UIConfig struct {
	Workspace  string
	Image      domain.ImageRef
	Platform   string
	PullPolicy PullPolicy
	// Exec is run inside the container after every start when non-empty.
	Exec []string
}

// UIService is the report UI container.
type UIService struct {
	cfg    UIConfig
	store  ports.SettingsStore
	daemon ports.Daemon
	log    *slog.Logger

	// FreePort allocates the host port when none is configured.
	FreePort func() (int, error)
}

func NewUIService(cfg UIConfig, store ports.SettingsStore, daemon ports.Daemon, log *slog.Logger) *UIService {
	if log == nil {
		log = slog.Default()
	}
	return &UIService{cfg: cfg, store: store, daemon: daemon, log: log, FreePort: FindFreePort}
}

func (u *UIService) Key() domain.ServiceKey {
	return domain.NewServiceKey(domain.ServiceUI, u.cfg.Workspace)
}

func (u *UIService) PullPolicy() PullPolicy { return u.cfg.PullPolicy }

func (u *UIService) Desired(ctx context.Context) (Desired, error) {
	settings, err := u.store.Load(ctx, u.cfg.Workspace)
	if err != nil {
		return Desired{}, fmt.Errorf("loading settings: %w", err)
	}
	params := settings.UIUserParameters

	port := params.Port
	if port == 0 {
		if port, err = u.FreePort(); err != nil {
			return Desired{}, fmt.Errorf("allocating ui port: %w", err)
		}
	}

	spec := domain.ServiceSpec{
		Key:      u.Key(),
		Image:    u.cfg.Image,
		Platform: u.cfg.Platform,
		Mounts: []domain.Mount{
			{Volume: true, Source: OutputVolume(u.cfg.Workspace), Target: OutputPath, ReadOnly: true},
		},
		Ports: []domain.PortBinding{{HostPort: port, ContainerPort: UIContainerPort}},
	}
	return Desired{
		Spec:    spec,
		Current: settings.UICurrent(),
		Record: func(ctx context.Context) error {
			return u.store.SaveUIApplied(ctx, u.cfg.Workspace, &params)
		},
	}, nil
}

// AfterStart runs the configured command and streams its output to the log
// until the command exits.
func (u *UIService) AfterStart(ctx context.Context, id string) error {
	if len(u.cfg.Exec) == 0 {
		return nil
	}
	out, err := u.daemon.Exec(ctx, id, u.cfg.Exec)
	if err != nil {
		return err
	}
	log := u.log.With(slog.String("component", "ui-exec"))
	go func() {
		defer out.Close()
		sc := bufio.NewScanner(out)
		for sc.Scan() {
			log.Info(sc.Text())
		}
	}()
	return nil
}

// FindFreePort asks the OS for an available TCP port.
func FindFreePort() (int, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := lis.Addr().(*net.TCPAddr).Port
	lis.Close()
	return port, nil
}
