package pipeline

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioSource reads templates from an object store bucket
type MinioSource struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioSource connects to an S3-compatible endpoint holding the template pairs
func NewMinioSource(endpoint, accessKey, secretKey string, useTLS bool, bucket, prefix string) (*MinioSource, error) {
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create template store client: %w", err)
	}
	return &MinioSource{client: mc, bucket: bucket, prefix: prefix}, nil
}

// Read implements TemplateSource
func (m *MinioSource) Read(ctx context.Context, name string) ([]byte, []byte, error) {
	topology, err := m.object(ctx, TopologyFile(name))
	if err != nil {
		return nil, nil, &TemplateLoadError{Name: name, File: TopologyFile(name), Err: err}
	}

	instance, err := m.object(ctx, InstanceFile(name))
	if err != nil {
		return nil, nil, &TemplateLoadError{Name: name, File: InstanceFile(name), Err: err}
	}

	return topology, instance, nil
}

func (m *MinioSource) object(ctx context.Context, file string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, path.Join(m.prefix, file), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	return io.ReadAll(obj)
}
