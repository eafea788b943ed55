package testutils

import (
	"fmt"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// MinioContainer represents a MinIO container for testing purposes.
type MinioContainer struct {
	Container testcontainers.Container
	Endpoint  string

	AccessKey string
	SecretKey string
}

// StartMinioContainer starts a MinIO container for testing purposes.
// The container is terminated when the test ends.
func StartMinioContainer(t *testing.T) *MinioContainer {
	t.Helper()

	const (
		accessKey = "minio-test"
		secretKey = "minio-test-secret"
	)

	if runtime.GOOS != "linux" {
		t.Skip("Skipping MinIO container test on non-Linux OS")
	}
	if testing.Short() {
		t.Skip("Skipping MinIO container test in short mode")
	}

	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     accessKey,
			"MINIO_ROOT_PASSWORD": secretKey,
		},
		Cmd:        []string{"server", "/data"},
		WaitingFor: wait.ForHTTP("/minio/health/ready").WithPort("9000/tcp"),
	}
	ctx := t.Context()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Setup: failed to start MinIO container")
	t.Cleanup(func() {
		require.NoError(t, testcontainers.TerminateContainer(container), "Cleanup: failed to terminate MinIO container")
	})

	host, err := container.Host(ctx)
	require.NoError(t, err, "Setup: failed to get container host")

	port, err := container.MappedPort(ctx, "9000/tcp")
	require.NoError(t, err, "Setup: failed to get mapped port")

	return &MinioContainer{
		Container: container,
		Endpoint:  fmt.Sprintf("http://%s:%s", host, port.Port()),
		AccessKey: accessKey,
		SecretKey: secretKey,
	}
}
