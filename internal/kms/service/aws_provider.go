package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	kmsDomain "github.com/allisson/autoencrypt/internal/kms/domain"
)

// kmsClient abstracts the AWS KMS operations for testability.
type kmsClient interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type kmsClientFactory func(ctx context.Context, region, endpoint string) (kmsClient, error)

// AWSProvider wraps data keys with AWS KMS Encrypt/Decrypt.
//
// Master key params: region and key (ARN, key id or alias) are required, endpoint is optional.
// One client is created per region/endpoint pair and reused.
type AWSProvider struct {
	newClient kmsClientFactory

	mu      sync.Mutex
	clients map[string]kmsClient
}

// NewAWSProvider creates an AWSProvider. When accessKeyID and secretAccessKey are both set
// they are used as static credentials, otherwise the default AWS credential chain applies.
func NewAWSProvider(accessKeyID, secretAccessKey string) *AWSProvider {
	return newAWSProviderWithFactory(func(ctx context.Context, region, endpoint string) (kmsClient, error) {
		opts := []func(*config.LoadOptions) error{
			config.WithRegion(region),
		}
		if accessKeyID != "" && secretAccessKey != "" {
			opts = append(opts, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
			))
		}

		awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("aws-kms: failed to load AWS config: %w", err)
		}

		return kms.NewFromConfig(awsCfg, func(o *kms.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpointURL(endpoint))
			}
		}), nil
	})
}

// newAWSProviderWithClient creates a provider with an injected client for testing.
func newAWSProviderWithClient(client kmsClient) *AWSProvider {
	return newAWSProviderWithFactory(func(context.Context, string, string) (kmsClient, error) {
		return client, nil
	})
}

func newAWSProviderWithFactory(factory kmsClientFactory) *AWSProvider {
	return &AWSProvider{
		newClient: factory,
		clients:   make(map[string]kmsClient),
	}
}

// Name returns "aws".
func (p *AWSProvider) Name() string {
	return kmsDomain.ProviderAWS
}

// Wrap encrypts key with the KMS key named by the master key.
func (p *AWSProvider) Wrap(ctx context.Context, masterKey kmsDomain.MasterKey, key []byte) ([]byte, error) {
	client, keyID, err := p.client(ctx, masterKey)
	if err != nil {
		return nil, err
	}

	resp, err := client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(keyID),
		Plaintext: key,
	})
	if err != nil {
		return nil, fmt.Errorf("aws-kms: Encrypt failed: %w", err)
	}
	return resp.CiphertextBlob, nil
}

// Unwrap decrypts wrapped with the KMS key named by the master key.
func (p *AWSProvider) Unwrap(ctx context.Context, masterKey kmsDomain.MasterKey, wrapped []byte) ([]byte, error) {
	client, keyID, err := p.client(ctx, masterKey)
	if err != nil {
		return nil, err
	}

	resp, err := client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: wrapped,
		KeyId:          aws.String(keyID),
	})
	if err != nil {
		return nil, fmt.Errorf("aws-kms: Decrypt failed: %w", err)
	}
	return resp.Plaintext, nil
}

func (p *AWSProvider) client(ctx context.Context, masterKey kmsDomain.MasterKey) (kmsClient, string, error) {
	region := masterKey.Param("region")
	keyID := masterKey.Param("key")
	if region == "" || keyID == "" {
		return nil, "", fmt.Errorf("%w: aws master key requires region and key", kmsDomain.ErrInvalidMasterKey)
	}
	endpoint := masterKey.Param("endpoint")

	cacheKey := region + "|" + endpoint

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[cacheKey]; ok {
		return c, keyID, nil
	}
	c, err := p.newClient(ctx, region, endpoint)
	if err != nil {
		return nil, "", err
	}
	p.clients[cacheKey] = c
	return c, keyID, nil
}

func endpointURL(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	return "https://" + endpoint
}
