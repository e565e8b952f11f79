package service

import (
	"context"
	"fmt"

	"github.com/mlsec-arena/evalengine/internal/models"
	"github.com/mlsec-arena/evalengine/pkg/classifier"
	"github.com/mlsec-arena/evalengine/pkg/docker"
)

// ExecutionEnvironment starts a defense so samples can be classified against it.
type ExecutionEnvironment interface {
	Open(ctx context.Context, defense models.Submission) (ExecutionSession, error)
}

// ExecutionSession classifies samples against one started defense. Classify is safe for
// concurrent use.
type ExecutionSession interface {
	Classify(ctx context.Context, sample []byte) (classifier.Verdict, error)
	Close(ctx context.Context) error
}

// SampleClassifier posts a sample to a defense endpoint.
type SampleClassifier interface {
	Classify(ctx context.Context, endpoint string, sample []byte) (classifier.Verdict, error)
}

type dockerEnvironment struct {
	launcher   docker.Launcher
	classifier SampleClassifier
}

// NewDockerEnvironment runs each defense as a container and reaches it over HTTP.
func NewDockerEnvironment(launcher docker.Launcher, classifier SampleClassifier) ExecutionEnvironment {
	return &dockerEnvironment{launcher: launcher, classifier: classifier}
}

func (e *dockerEnvironment) Open(ctx context.Context, defense models.Submission) (ExecutionSession, error) {
	if defense.ArtifactRef == "" {
		return nil, fmt.Errorf("%w: defense %s has no image", ErrDefenseUnavailable, defense.ID)
	}

	container, err := e.launcher.Launch(ctx, docker.LaunchRequest{
		ImageRef: defense.ArtifactRef,
		Labels: map[string]string{
			"arena.submission_id": defense.ID,
			"arena.user_id":       defense.UserID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDefenseUnavailable, err)
	}

	return &dockerSession{launcher: e.launcher, classifier: e.classifier, container: container}, nil
}

type dockerSession struct {
	launcher   docker.Launcher
	classifier SampleClassifier
	container  *docker.Container
}

func (s *dockerSession) Classify(ctx context.Context, sample []byte) (classifier.Verdict, error) {
	return s.classifier.Classify(ctx, s.container.Endpoint, sample)
}

func (s *dockerSession) Close(ctx context.Context) error {
	return s.launcher.Stop(ctx, s.container)
}
