package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/persist"
)

// S3Interface is the part of the S3 client the backend uses
type S3Interface interface {
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
}

// Persist implements persist.Persist with one object per name.
type Persist struct {
	s3         S3Interface
	BucketName string
	Prefix     string
}

// Load loads the bytes persisted in the named object.
func (p Persist) Load(ctx context.Context, name string) ([]byte, error) {
	input := s3.GetObjectInput{
		Bucket: &p.BucketName,
		Key:    aws.String(p.Prefix + name),
	}
	output, err := p.s3.GetObjectWithContext(ctx, &input)
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, fmt.Errorf("%s: %w", name, persist.ErrNotFound)
		}
		return nil, err
	}
	defer output.Body.Close()
	return io.ReadAll(output.Body)
}

// Store writes the bytes to the named object, replacing it.
func (p Persist) Store(ctx context.Context, name string, b []byte) error {
	input := s3.PutObjectInput{
		Bucket: &p.BucketName,
		Key:    aws.String(p.Prefix + name),
		Body:   bytes.NewReader(b),
	}
	_, err := p.s3.PutObjectWithContext(ctx, &input)
	return err
}

// NewPersist returns a Persist that loads and stores objects with the
// given S3 client and bucket name.
func NewPersist(client S3Interface, bucketName, prefix string) Persist {
	return Persist{client, bucketName, prefix}
}

// Config selects the bucket and, for S3-compatible stores, the endpoint
type Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

// Open builds a client from the default credential chain and cfg
func Open(cfg Config) (Persist, error) {
	awsConfig := aws.Config{
		Region: aws.String(cfg.Region),
	}
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(&awsConfig)
	if err != nil {
		return Persist{}, fmt.Errorf("s3 session: %w", err)
	}
	return NewPersist(s3.New(sess), cfg.Bucket, cfg.Prefix), nil
}

