package kbuild

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// MirrorClient wraps the S3 client for the configured artifact mirror.
type MirrorClient struct {
	Client     *s3.Client
	BucketName string
}

// NewMirrorClient initializes an S3 client against the [mirror] endpoint.
func NewMirrorClient(ctx context.Context, mc *MirrorConfig) (*MirrorClient, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: mc.Endpoint}, nil
		})

	options := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithEndpointResolverWithOptions(resolver),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(mc.AccessKey, mc.SecretKey, "")),
		awsconfig.WithRegion(mc.Region),
	}
	if Debug {
		options = append(options, awsconfig.WithClientLogMode(
			aws.LogSigning|aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load mirror config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &MirrorClient{Client: client, BucketName: mc.Bucket}, nil
}

// UploadLocalFile uploads a file from disk to the mirror bucket.
func (m *MirrorClient) UploadLocalFile(ctx context.Context, key, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}

	contentType := "application/octet-stream"
	switch {
	case strings.HasSuffix(key, ".zst"):
		contentType = "application/zstd"
	case strings.HasSuffix(key, ".b3"):
		contentType = "text/plain"
	}

	_, err = m.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.BucketName),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(contentType),
	})
	return err
}

// uploadArtifacts pushes the packed kernel, its checksum file, and the
// module bundle (when present) under <arch>/<postfix>/ keys.
func uploadArtifacts(ctx context.Context, cfg *Config, outputPath string) error {
	if cfg.Mirror == nil {
		return fmt.Errorf("no [mirror] section in configuration")
	}

	m, err := NewMirrorClient(ctx, cfg.Mirror)
	if err != nil {
		return err
	}

	prefix := cfg.KernelArch + "/" + cfg.Source.Postfix() + "/"
	candidates := []string{"vmlinux.kpart", "vmlinux.kpart.b3", "modules.tar.zst"}

	uploaded := 0
	for _, name := range candidates {
		path := filepath.Join(outputPath, name)
		if _, err := os.Stat(path); err != nil {
			debugf("skipping %s: %v\n", name, err)
			continue
		}
		colArrow.Print("-> ")
		colSuccess.Printf("Uploading %s\n", prefix+name)
		if err := m.UploadLocalFile(ctx, prefix+name, path); err != nil {
			return fmt.Errorf("failed to upload %s: %w", name, err)
		}
		uploaded++
	}

	if uploaded == 0 {
		return fmt.Errorf("nothing to upload in %s (run 'kbuild build' first)", outputPath)
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Uploaded %d artifact(s)\n", uploaded)
	return nil
}
