// Package kms implements envelope.KeyManagementService: wrapping/unwrapping
// system keys under master keys held in one or more AWS KMS regions, with
// region failover on both encrypt and decrypt.
package kms

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/sentrykey/envelope"
	"github.com/sentrykey/envelope/internal"
	"github.com/sentrykey/envelope/pkg/log"
)

var (
	encryptKeyTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.kms.aws.encryptkey", envelope.MetricsPrefix), nil)
	decryptKeyTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.kms.aws.decryptkey", envelope.MetricsPrefix), nil)
)

// AWSClient is the subset of the AWS KMS v2 SDK client this package needs.
// Exported so tests and callers with unusual client setups can substitute a
// fake.
type AWSClient interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
}

// MultiRegion implements envelope.KeyManagementService across one or more
// AWS KMS regions: a system key is wrapped once under an ephemeral data
// key, which is itself wrapped under every configured region's master key,
// so the resulting envelope can be decrypted in any of those regions.
//
// Encrypt generates the data key in the first client's region and fans the
// wrap out to the rest concurrently; Decrypt walks clients in order,
// region by region, until one succeeds. Client order is therefore a
// priority list, not just a single preferred region — see OptimizeByRegions.
type MultiRegion struct {
	clients []regionalClient
	aead    envelope.AEAD
}

var _ envelope.KeyManagementService = (*MultiRegion)(nil)

// New builds a MultiRegion KMS driver directly, equivalent to
// NewBuilder(aead, arnsByRegion).WithRegionPriority(priority...).Build().
func New(aead envelope.AEAD, arnsByRegion map[string]string, priority ...string) (*MultiRegion, error) {
	return NewBuilder(aead, arnsByRegion).WithRegionPriority(priority...).Build()
}

// EncryptKey wraps keyBytes: it generates a fresh AES-256 data key in the
// highest-priority region, encrypts keyBytes under it once, then wraps
// that data key under every configured region's master key concurrently.
// The result is a self-describing JSON envelope.
func (m *MultiRegion) EncryptKey(ctx context.Context, keyBytes []byte) ([]byte, error) {
	dataKey, err := m.generateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	defer internal.Zero(dataKey.Plaintext)

	encKeyBytes, err := m.aead.Encrypt(keyBytes, dataKey.Plaintext)
	if err != nil {
		return nil, errors.Wrap(envelope.ErrKmsException, err.Error())
	}

	env := keyEnvelope{
		EncryptedKey: encKeyBytes,
		KEKs:         m.wrapDataKeyInAllRegions(ctx, dataKey),
	}

	b, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(envelope.ErrKmsException, err.Error())
	}

	return b, nil
}

// generateDataKey tries each client in priority order, returning the first
// region that successfully generates a data key.
func (m *MultiRegion) generateDataKey(ctx context.Context) (*kms.GenerateDataKeyOutput, error) {
	for _, c := range m.clients {
		resp, err := c.GenerateDataKey(ctx)
		if err != nil {
			log.Debugf("kms: generate data key failed in region %s, trying next: %s", c.Region, err)
			continue
		}

		return resp, nil
	}

	return nil, errors.Wrap(envelope.ErrKmsException, "generate data key failed in every region")
}

// wrapDataKeyInAllRegions wraps the generated data key's plaintext under
// every configured region's master key, concurrently. A region whose
// master key already produced the data key's ciphertext (the one
// generateDataKey succeeded in) reuses that ciphertext instead of making a
// redundant Encrypt call.
func (m *MultiRegion) wrapDataKeyInAllRegions(ctx context.Context, dataKey *kms.GenerateDataKeyOutput) []regionalKEK {
	ch := make(chan regionalKEK, len(m.clients))

	var wg sync.WaitGroup

	for _, c := range m.clients {
		if c.MasterKeyARN == aws.ToString(dataKey.KeyId) {
			ch <- regionalKEK{Region: c.Region, ARN: c.MasterKeyARN, EncryptedKEK: dataKey.CiphertextBlob}
			continue
		}

		wg.Add(1)

		go func(c regionalClient) {
			defer wg.Done()

			resp, err := c.EncryptKey(ctx, dataKey.Plaintext)
			if err != nil {
				log.Debugf("kms: wrap data key failed in region %s: %s", c.Region, err)
				return
			}

			ch <- regionalKEK{Region: c.Region, ARN: c.MasterKeyARN, EncryptedKEK: resp.CiphertextBlob}
		}(c)
	}

	go func() {
		wg.Wait()
		close(ch)
	}()

	var out []regionalKEK
	for kek := range ch {
		out = append(out, kek)
	}

	return out
}

// DecryptKey reverses EncryptKey: it walks clients in priority order, using
// whichever region's KEK is present in the envelope and whose Decrypt call
// succeeds first.
func (m *MultiRegion) DecryptKey(ctx context.Context, data []byte) ([]byte, error) {
	var env keyEnvelope

	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(envelope.ErrMalformedRecord, err.Error())
	}

	keks := make(map[string]regionalKEK, len(env.KEKs))
	for _, kek := range env.KEKs {
		keks[strings.ToLower(kek.Region)] = kek
	}

	for _, c := range m.clients {
		kek, ok := keks[strings.ToLower(c.Region)]
		if !ok {
			log.Debugf("kms: no KEK for region %s, skipping", c.Region)
			continue
		}

		resp, err := c.DecryptKey(ctx, kek.EncryptedKEK)
		if err != nil {
			log.Debugf("kms: decrypt failed in region %s: %s", c.Region, err)
			continue
		}

		keyBytes, err := m.aead.Decrypt(env.EncryptedKey, resp.Plaintext)

		internal.Zero(resp.Plaintext)

		if err != nil {
			log.Debugf("kms: unwrap failed in region %s: %s", c.Region, err)
			continue
		}

		return keyBytes, nil
	}

	return nil, errors.Wrap(envelope.ErrKmsException, "decrypt failed in every region")
}

// PreferredRegion returns the highest-priority region.
func (m *MultiRegion) PreferredRegion() string {
	return m.clients[0].Region
}

type keyEnvelope struct {
	EncryptedKey []byte        `json:"encryptedKey"`
	KEKs         []regionalKEK `json:"kmsKeks"`
}

type regionalKEK struct {
	Region       string `json:"region"`
	ARN          string `json:"arn"`
	EncryptedKEK []byte `json:"encryptedKek"`
}

type regionalClient struct {
	Client       AWSClient
	Region       string
	MasterKeyARN string
}

func (r *regionalClient) GenerateDataKey(ctx context.Context) (*kms.GenerateDataKeyOutput, error) {
	start := time.Now()

	resp, err := r.Client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   &r.MasterKeyARN,
		KeySpec: types.DataKeySpecAes256,
	})

	metrics.GetOrRegisterTimer(fmt.Sprintf("%s.kms.aws.generatedatakey.%s", envelope.MetricsPrefix, r.Region), nil).UpdateSince(start)

	return resp, err
}

func (r *regionalClient) EncryptKey(ctx context.Context, keyBytes []byte) (*kms.EncryptOutput, error) {
	defer encryptKeyTimer.UpdateSince(time.Now())

	return r.Client.Encrypt(ctx, &kms.EncryptInput{KeyId: &r.MasterKeyARN, Plaintext: keyBytes})
}

func (r *regionalClient) DecryptKey(ctx context.Context, keyBytes []byte) (*kms.DecryptOutput, error) {
	defer decryptKeyTimer.UpdateSince(time.Now())

	return r.Client.Decrypt(ctx, &kms.DecryptInput{KeyId: &r.MasterKeyARN, CiphertextBlob: keyBytes})
}

// OptimizeByRegions reorders clients so that every region named in
// priority appears first, in the order given, followed by every remaining
// client in its original relative order. A priority entry with no
// matching client is ignored; a client whose region isn't in priority
// keeps its place relative to other unlisted clients.
//
// This generalizes "preferred region first" to an arbitrary priority
// list, for deployments where decrypt should fail over through a specific
// region sequence (e.g. same-continent regions before crossing oceans)
// rather than an arbitrary map iteration order.
func OptimizeByRegions(clients []regionalClient, priority []string) []regionalClient {
	byRegion := make(map[string]regionalClient, len(clients))
	for _, c := range clients {
		byRegion[strings.ToLower(c.Region)] = c
	}

	out := make([]regionalClient, 0, len(clients))
	used := make(map[string]bool, len(priority))

	for _, region := range priority {
		key := strings.ToLower(region)
		if c, ok := byRegion[key]; ok && !used[key] {
			out = append(out, c)
			used[key] = true
		}
	}

	for _, c := range clients {
		key := strings.ToLower(c.Region)
		if !used[key] {
			out = append(out, c)
			used[key] = true
		}
	}

	return out
}
