// Package keys unseals the marketplace owner key, which is stored
// KMS-encrypted at rest and only ever decrypted into locked memory.
package keys

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// ownerKeyPurpose binds ciphertexts to this use: a blob encrypted with a
// different context will not decrypt.
const ownerKeyPurpose = "portico-owner-key"

// Client wraps the AWS KMS SDK for owner-key decryption.
type Client struct {
	kms *kms.Client
}

// New creates a KMS Client. If localStackEndpoint is non-empty, the client
// targets that endpoint with dummy credentials (for local development).
// Otherwise it uses the AWS default credential chain (IAM roles in
// production).
func New(ctx context.Context, region, localStackEndpoint string) (*Client, error) {
	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(region))

	if localStackEndpoint != "" {
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "test")),
		)
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("keys: load aws config: %w", err)
	}

	var kmsOpts []func(*kms.Options)
	if localStackEndpoint != "" {
		kmsOpts = append(kmsOpts, func(o *kms.Options) {
			o.BaseEndpoint = aws.String(localStackEndpoint)
		})
	}

	return &Client{
		kms: kms.NewFromConfig(cfg, kmsOpts...),
	}, nil
}

// DecryptOwnerKey decrypts the owner-key ciphertext and returns the raw
// secp256k1 key bytes. The caller must seal the bytes into locked memory
// (owner.Session) immediately and must not let them escape to the heap.
func (c *Client) DecryptOwnerKey(ctx context.Context, ciphertext []byte) ([]byte, error) {
	out, err := c.kms.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    ciphertext,
		EncryptionContext: map[string]string{"purpose": ownerKeyPurpose},
	})
	if err != nil {
		return nil, fmt.Errorf("keys: decrypt owner key: %w", err)
	}
	return out.Plaintext, nil
}
