package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	launchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "arena",
		Subsystem: "defense",
		Name:      "launch_duration_seconds",
		Help:      "Time from container create until the defense answered its readiness check",
		Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"image"})

	launchTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arena",
		Subsystem: "defense",
		Name:      "launch_timeouts_total",
		Help:      "Number of defense containers that never became ready",
	}, []string{"image"})

	launchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arena",
		Subsystem: "defense",
		Name:      "launch_failures_total",
		Help:      "Number of defense launches that failed before readiness",
	}, []string{"image"})
)

// ErrNotReady is returned when a started container never answers on its port.
var ErrNotReady = errors.New("defense container did not become ready")

// Launcher starts long-lived defense containers that answer classification requests over HTTP.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (*Container, error)
	Stop(ctx context.Context, c *Container) error
}

// LaunchRequest identifies the image to start. ImageRef may be a Docker Hub URL.
type LaunchRequest struct {
	ImageRef string
	Labels   map[string]string
}

// Container is a running, ready defense.
type Container struct {
	ID       string
	Name     string
	Image    string
	Endpoint string
	Started  time.Time
}

// Config groups launcher configuration values.
type Config struct {
	Host          string
	Network       string
	MemoryLimitMB int64
	NanoCPUs      int64
	PidsLimit     int64
	Port          int
	User          string
	StartTimeout  time.Duration
	PollInterval  time.Duration
	Logger        zerolog.Logger
}

// DockerLauncher implements Launcher on the Docker engine API.
type DockerLauncher struct {
	client *client.Client
	cfg    Config
	ready  *http.Client
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewDockerLauncher constructs a Docker backed launcher.
func NewDockerLauncher(cfg Config) (*DockerLauncher, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	if cfg.Network == "" {
		cfg.Network = "eval_net"
	}
	if cfg.Port <= 0 {
		cfg.Port = 8080
	}
	if cfg.User == "" {
		cfg.User = "1000:1000"
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 300 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	return &DockerLauncher{
		client: cli,
		cfg:    cfg,
		ready:  &http.Client{Timeout: 2 * time.Second},
		tracer: otel.Tracer("github.com/mlsec-arena/evalengine/pkg/docker"),
		logger: logger.With().Str("component", "docker_launcher").Logger(),
	}, nil
}

// Launch pulls the image when missing, starts a locked-down container on the evaluation network and
// blocks until it answers HTTP or the start timeout elapses.
func (l *DockerLauncher) Launch(parent context.Context, req LaunchRequest) (*Container, error) {
	imageName := ResolveImageName(req.ImageRef)
	if imageName == "" {
		return nil, errors.New("image is required")
	}

	ctx, span := l.tracer.Start(parent, "docker.launcher.launch", trace.WithAttributes(
		attribute.String("docker.image", imageName),
	))
	defer span.End()

	fail := func(err error) (*Container, error) {
		launchFailures.WithLabelValues(imageName).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := l.ensureImage(ctx, imageName); err != nil {
		return fail(err)
	}

	name := "defense-" + uuid.NewString()[:12]
	config := &container.Config{
		Image:  imageName,
		User:   l.cfg.User,
		Labels: req.Labels,
	}
	hostCfg := &container.HostConfig{
		NetworkMode:    container.NetworkMode(l.cfg.Network),
		ReadonlyRootfs: true,
		Privileged:     false,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		Tmpfs: map[string]string{
			"/tmp":     "size=64M",
			"/run":     "size=16M",
			"/var/tmp": "size=16M",
		},
		Resources: container.Resources{
			Memory:   l.cfg.MemoryLimitMB * 1024 * 1024,
			NanoCPUs: l.cfg.NanoCPUs,
		},
	}
	if l.cfg.PidsLimit > 0 {
		pids := l.cfg.PidsLimit
		hostCfg.Resources.PidsLimit = &pids
	}
	networking := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{l.cfg.Network: {}},
	}

	start := time.Now()
	resp, err := l.client.ContainerCreate(ctx, config, hostCfg, networking, nil, name)
	if err != nil {
		return fail(fmt.Errorf("container create: %w", err))
	}

	launched := &Container{
		ID:       resp.ID,
		Name:     name,
		Image:    imageName,
		Endpoint: fmt.Sprintf("http://%s:%d/", name, l.cfg.Port),
		Started:  start,
	}

	if err := l.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		l.remove(resp.ID)
		return fail(fmt.Errorf("container start: %w", err))
	}

	if err := l.waitReady(ctx, launched.Endpoint); err != nil {
		if errors.Is(err, ErrNotReady) {
			launchTimeouts.WithLabelValues(imageName).Inc()
		}
		l.logTail(resp.ID)
		l.remove(resp.ID)
		return fail(err)
	}

	launchDuration.WithLabelValues(imageName).Observe(time.Since(start).Seconds())
	l.logger.Info().
		Str("container_id", shortID(resp.ID)).
		Str("image", imageName).
		Dur("ready_after", time.Since(start)).
		Msg("defense container ready")

	return launched, nil
}

// Stop stops and removes the container; container logs are emitted at debug level first.
func (l *DockerLauncher) Stop(ctx context.Context, c *Container) error {
	if c == nil {
		return nil
	}
	l.logTail(c.ID)

	timeout := 2
	if err := l.client.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout}); err != nil {
		l.logger.Warn().Err(err).Str("container_id", shortID(c.ID)).Msg("failed to stop container")
	}
	return l.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
}

func (l *DockerLauncher) ensureImage(ctx context.Context, imageName string) error {
	if _, _, err := l.client.ImageInspectWithRaw(ctx, imageName); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("image inspect: %w", err)
	}

	l.logger.Info().Str("image", imageName).Msg("pulling defense image")
	reader, err := l.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull: %w", err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("image pull: %w", err)
	}
	return nil
}

func (l *DockerLauncher) waitReady(ctx context.Context, endpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.StartTimeout)
	defer cancel()

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		if resp, err := l.ready.Do(req); err == nil {
			resp.Body.Close()
			return nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w after %s", ErrNotReady, l.cfg.StartTimeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *DockerLauncher) remove(containerID string) {
	removeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.client.ContainerRemove(removeCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
		l.logger.Error().Err(err).Str("container_id", shortID(containerID)).Msg("failed to remove container")
	}
}

func (l *DockerLauncher) logTail(containerID string) {
	if l.logger.GetLevel() > zerolog.DebugLevel {
		return
	}
	logCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reader, err := l.client.ContainerLogs(logCtx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "200",
	})
	if err != nil {
		l.logger.Debug().Err(err).Str("container_id", shortID(containerID)).Msg("failed to fetch container logs")
		return
	}
	defer reader.Close()

	stdout, stderr, err := splitDockerLogs(reader)
	if err != nil {
		l.logger.Debug().Err(err).Str("container_id", shortID(containerID)).Msg("failed to read container logs")
		return
	}
	l.logger.Debug().
		Str("container_id", shortID(containerID)).
		Str("stdout", stdout).
		Str("stderr", stderr).
		Msg("defense container logs")
}

// Close shuts down the launcher's underlying client.
func (l *DockerLauncher) Close() error {
	if l.client == nil {
		return nil
	}
	return l.client.Close()
}

// ResolveImageName maps Docker Hub page URLs to pullable image names:
// "https://hub.docker.com/r/user/repo" becomes "user/repo" and "https://hub.docker.com/_/nginx"
// becomes "nginx". Anything that is not an http(s) URL is returned unchanged.
func ResolveImageName(ref string) string {
	ref = strings.TrimSpace(ref)
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		return ref
	}

	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")

	if parsed.Host == "hub.docker.com" && len(segments) >= 2 {
		switch {
		case segments[0] == "r" && len(segments) >= 3:
			return segments[1] + "/" + segments[2]
		case segments[0] == "_":
			return segments[1]
		}
	}
	return strings.Trim(parsed.Path, "/")
}

func splitDockerLogs(reader io.Reader) (string, string, error) {
	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, reader); err != nil {
		return "", "", err
	}
	return stdoutBuf.String(), stderrBuf.String(), nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
