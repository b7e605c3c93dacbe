package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/geolink-authz/vault"
)

// S3API is the subset of *s3.Client used by S3SecretStore.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config selects the bucket and key prefix for wallet records.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	KeyPrefix string `yaml:"key_prefix"`
}

// S3SecretStore keeps one CBOR object per wallet. A PUT replaces an object
// whole, which gives the atomic swap rotation needs.
type S3SecretStore struct {
	client S3API
	bucket string
	prefix string
}

var _ vault.Store = (*S3SecretStore)(nil)

// NewS3SecretStore loads the default AWS configuration for cfg.Region.
func NewS3SecretStore(ctx context.Context, cfg S3Config) (*S3SecretStore, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewS3SecretStoreWithClient(s3.NewFromConfig(awsCfg), cfg), nil
}

// NewS3SecretStoreWithClient uses an existing client.
func NewS3SecretStoreWithClient(client S3API, cfg S3Config) *S3SecretStore {
	prefix := cfg.KeyPrefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3SecretStore{client: client, bucket: cfg.Bucket, prefix: prefix}
}

func (s *S3SecretStore) key(walletID string) string {
	return s.prefix + "secrets/" + walletID + ".cbor"
}

func (s *S3SecretStore) GetSecret(ctx context.Context, walletID string) (*vault.EncryptedSecret, error) {
	key := s.key(walletID)
	log.Debug().Str("bucket", s.bucket).Str("key", key).Msg("S3 GET")

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: wallet %s", vault.ErrRecordNotFound, walletID)
		}
		return nil, fmt.Errorf("S3 GetObject failed: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object: %w", err)
	}
	return vault.UnmarshalRecord(data)
}

func (s *S3SecretStore) PutSecret(ctx context.Context, rec *vault.EncryptedSecret) error {
	data, err := vault.MarshalRecord(rec)
	if err != nil {
		return err
	}
	key := s.key(rec.WalletID)
	log.Debug().Str("bucket", s.bucket).Str("key", key).Int("size", len(data)).Msg("S3 PUT")

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/cbor"),
	})
	if err != nil {
		return fmt.Errorf("S3 PutObject failed: %w", err)
	}
	return nil
}

// DeleteSecret is idempotent; S3 does not report missing keys on delete.
func (s *S3SecretStore) DeleteSecret(ctx context.Context, walletID string) error {
	key := s.key(walletID)
	log.Debug().Str("bucket", s.bucket).Str("key", key).Msg("S3 DELETE")

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("S3 DeleteObject failed: %w", err)
	}
	return nil
}

// ListWallets returns the wallet IDs under the configured prefix.
func (s *S3SecretStore) ListWallets(ctx context.Context) ([]string, error) {
	prefix := s.prefix + "secrets/"
	var ids []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("S3 ListObjects failed: %w", err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if id, ok := strings.CutSuffix(name, ".cbor"); ok {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}
