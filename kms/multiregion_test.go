package kms

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrykey/envelope"
	"github.com/sentrykey/envelope/crypto/aead"
)

// fakeAWSClient is an in-memory stand-in for the AWS KMS v2 client: each
// instance owns one "master key" (just a random 32-byte blob) and performs
// real AES-GCM wrap/unwrap against it, so EncryptKey/DecryptKey exercise
// genuine ciphertext rather than an opaque stub.
type fakeAWSClient struct {
	region    string
	masterKey []byte
	crypto    envelope.AEAD

	failGenerate bool
	failEncrypt  bool
	failDecrypt  bool
}

func newFakeAWSClient(region string) *fakeAWSClient {
	return &fakeAWSClient{region: region, masterKey: []byte("0123456789abcdef0123456789abcdef")[:32], crypto: aead.NewAES256GCM()}
}

func (c *fakeAWSClient) GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, _ ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	if c.failGenerate {
		return nil, assert.AnError
	}

	plaintext := []byte("thirty-two-byte-generated-dek!!!")

	ct, err := c.crypto.Encrypt(plaintext, c.masterKey)
	if err != nil {
		return nil, err
	}

	return &kms.GenerateDataKeyOutput{
		KeyId:          params.KeyId,
		Plaintext:      plaintext,
		CiphertextBlob: ct,
	}, nil
}

func (c *fakeAWSClient) Encrypt(ctx context.Context, params *kms.EncryptInput, _ ...func(*kms.Options)) (*kms.EncryptOutput, error) {
	if c.failEncrypt {
		return nil, assert.AnError
	}

	ct, err := c.crypto.Encrypt(params.Plaintext, c.masterKey)
	if err != nil {
		return nil, err
	}

	return &kms.EncryptOutput{KeyId: params.KeyId, CiphertextBlob: ct}, nil
}

func (c *fakeAWSClient) Decrypt(ctx context.Context, params *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	if c.failDecrypt {
		return nil, assert.AnError
	}

	pt, err := c.crypto.Decrypt(params.CiphertextBlob, c.masterKey)
	if err != nil {
		return nil, err
	}

	return &kms.DecryptOutput{KeyId: params.KeyId, Plaintext: pt}, nil
}

func buildMultiRegion(t *testing.T, regions ...string) (*MultiRegion, map[string]*fakeAWSClient) {
	t.Helper()

	arns := make(map[string]string, len(regions))
	clients := make(map[string]*fakeAWSClient, len(regions))

	for _, r := range regions {
		arns[r] = "arn:aws:kms:" + r + ":111122223333:key/test"
		clients[r] = newFakeAWSClient(r)
	}

	m, err := NewBuilder(aead.NewAES256GCM(), arns).
		WithRegionPriority(regions...).
		WithClientFactory(func(_ context.Context, region string) (AWSClient, error) {
			return clients[region], nil
		}).
		Build()
	require.NoError(t, err)

	return m, clients
}

func TestMultiRegion_EncryptDecrypt_RoundTrip(t *testing.T) {
	m, _ := buildMultiRegion(t, "us-east-1", "us-west-2")

	plaintext := []byte("a system key, thirty-two bytes.")

	ciphertext, err := m.EncryptKey(context.Background(), plaintext)
	require.NoError(t, err)

	decrypted, err := m.DecryptKey(context.Background(), ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestMultiRegion_DecryptKey_FailsOverToNextRegion(t *testing.T) {
	m, clients := buildMultiRegion(t, "us-east-1", "us-west-2")

	ciphertext, err := m.EncryptKey(context.Background(), []byte("payload-material-32-bytes-long!"))
	require.NoError(t, err)

	clients["us-east-1"].failDecrypt = true

	decrypted, err := m.DecryptKey(context.Background(), ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload-material-32-bytes-long!"), decrypted)
}

func TestMultiRegion_DecryptKey_AllRegionsFail(t *testing.T) {
	m, clients := buildMultiRegion(t, "us-east-1", "us-west-2")

	ciphertext, err := m.EncryptKey(context.Background(), []byte("payload-material-32-bytes-long!"))
	require.NoError(t, err)

	clients["us-east-1"].failDecrypt = true
	clients["us-west-2"].failDecrypt = true

	_, err = m.DecryptKey(context.Background(), ciphertext)
	assert.Error(t, err)
}

func TestMultiRegion_EncryptKey_FailsOverGenerateToNextRegion(t *testing.T) {
	m, clients := buildMultiRegion(t, "us-east-1", "us-west-2")

	clients["us-east-1"].failGenerate = true

	_, err := m.EncryptKey(context.Background(), []byte("payload-material-32-bytes-long!"))
	assert.NoError(t, err)
}

func TestMultiRegion_PreferredRegion(t *testing.T) {
	m, _ := buildMultiRegion(t, "us-west-2", "us-east-1")
	assert.Equal(t, "us-west-2", m.PreferredRegion())
}

func TestOptimizeByRegions_PriorityFirst(t *testing.T) {
	clients := []regionalClient{
		{Region: "us-east-1"},
		{Region: "us-west-2"},
		{Region: "eu-west-1"},
	}

	ordered := OptimizeByRegions(clients, []string{"eu-west-1", "us-west-2"})

	got := make([]string, len(ordered))
	for i, c := range ordered {
		got[i] = c.Region
	}

	assert.Equal(t, []string{"eu-west-1", "us-west-2", "us-east-1"}, got)
}

func TestOptimizeByRegions_UnknownPriorityEntryIgnored(t *testing.T) {
	clients := []regionalClient{
		{Region: "us-east-1"},
		{Region: "us-west-2"},
	}

	ordered := OptimizeByRegions(clients, []string{"ap-southeast-1", "us-west-2"})

	got := make([]string, len(ordered))
	for i, c := range ordered {
		got[i] = c.Region
	}

	assert.Equal(t, []string{"us-west-2", "us-east-1"}, got)
}

func TestOptimizeByRegions_PriorityMatchIsCaseInsensitive(t *testing.T) {
	clients := []regionalClient{
		{Region: "us-east-1"},
		{Region: "US-WEST-2"},
	}

	ordered := OptimizeByRegions(clients, []string{"us-west-2"})

	got := make([]string, len(ordered))
	for i, c := range ordered {
		got[i] = c.Region
	}

	assert.Equal(t, []string{"US-WEST-2", "us-east-1"}, got)
}

func TestMultiRegion_DecryptKey_RegionMatchIsCaseInsensitive(t *testing.T) {
	arns := map[string]string{
		"US-EAST-1": "arn:aws:kms:us-east-1:111122223333:key/test",
	}

	m, err := NewBuilder(aead.NewAES256GCM(), arns).
		WithRegionPriority("us-east-1").
		WithClientFactory(func(_ context.Context, region string) (AWSClient, error) {
			return newFakeAWSClient(region), nil
		}).
		Build()
	require.NoError(t, err)

	plaintext := []byte("a system key, thirty-two bytes.")

	ciphertext, err := m.EncryptKey(context.Background(), plaintext)
	require.NoError(t, err)

	decrypted, err := m.DecryptKey(context.Background(), ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestOptimizeByRegions_NoPriorityPreservesOrder(t *testing.T) {
	clients := []regionalClient{
		{Region: "us-east-1"},
		{Region: "us-west-2"},
	}

	ordered := OptimizeByRegions(clients, nil)

	got := make([]string, len(ordered))
	for i, c := range ordered {
		got[i] = c.Region
	}

	assert.Equal(t, []string{"us-east-1", "us-west-2"}, got)
}
