package notify

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/iurnickita/donationledger/internal/model"
	"github.com/iurnickita/donationledger/internal/notify/config"
	"github.com/iurnickita/donationledger/internal/receipt"
)

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver кладет копию каждой квитанции в bucket.
type S3Archiver struct {
	client objectPutter
	bucket string
	prefix string
}

func NewS3Archiver(ctx context.Context, cfg config.Config) (*S3Archiver, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.ArchiveRegion != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.ArchiveRegion))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return newS3Archiver(s3.NewFromConfig(awsCfg), cfg), nil
}

func newS3Archiver(client objectPutter, cfg config.Config) *S3Archiver {
	prefix := cfg.ArchivePrefix
	if prefix == "" {
		prefix = "receipts"
	}
	return &S3Archiver{client: client, bucket: cfg.ArchiveBucket, prefix: prefix}
}

func (a *S3Archiver) Name() string { return "archive" }

func (a *S3Archiver) Key(entry model.DonationEntry) string {
	return path.Join(a.prefix, entry.Date.Format("2006"), receipt.Number(entry.ReceiptSeq)+".txt")
}

func (a *S3Archiver) Deliver(ctx context.Context, entry model.DonationEntry) error {
	text, err := receipt.Render(entry)
	if err != nil {
		return err
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.Key(entry)),
		Body:        bytes.NewReader(text),
		ContentType: aws.String("text/plain; charset=utf-8"),
		Metadata: map[string]string{
			"donation-id": entry.ID,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload receipt to S3: %w", err)
	}
	return nil
}
