package envelope

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/sentrykey/envelope/crypto/aead"
	"github.com/sentrykey/envelope/kms"
	"github.com/sentrykey/envelope/metastore"
	"github.com/sentrykey/envelope/securemem/pagelock"
)

const engineTestKey = "thirty-two-byte-test-master-key!"

type EngineSuite struct {
	suite.Suite
	store *metastore.Memory
	kms   *kms.Static
	e     *engine
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (suite *EngineSuite) SetupTest() {
	suite.store = metastore.NewMemory()

	k, err := kms.NewStatic(engineTestKey, aead.NewAES256GCM())
	require.NoError(suite.T(), err)

	suite.kms = k

	suite.e = &engine{
		partition:        newPartition("partid", "service", "product"),
		metastore:        suite.store,
		kms:              suite.kms,
		policy:           NewCryptoPolicy(),
		aead:             aead.NewAES256GCM(),
		secretFactory:    pagelock.NewFactory(),
		systemKeys:       newKeyCache("system", NewCryptoPolicy()),
		intermediateKeys: newKeyCache("intermediate", NewCryptoPolicy()),
	}
}

func (suite *EngineSuite) TearDownTest() {
	suite.e.Close()
	suite.e.systemKeys.Close()
}

func (suite *EngineSuite) TestEncryptDecrypt_RoundTrip() {
	payload := []byte("sensitive payload")

	drr, err := suite.e.EncryptPayload(context.Background(), payload)
	require.NoError(suite.T(), err)
	require.NotNil(suite.T(), drr)

	plaintext, err := suite.e.DecryptDataRowRecord(context.Background(), *drr)
	require.NoError(suite.T(), err)
	suite.Assert().Equal(payload, plaintext)
}

func (suite *EngineSuite) TestEncryptPayload_ReusesIntermediateKeyAcrossCalls() {
	ctx := context.Background()

	drr1, err := suite.e.EncryptPayload(ctx, []byte("first"))
	require.NoError(suite.T(), err)

	drr2, err := suite.e.EncryptPayload(ctx, []byte("second"))
	require.NoError(suite.T(), err)

	suite.Assert().Equal(drr1.Key.ParentKeyMeta.Created, drr2.Key.ParentKeyMeta.Created, "both payloads should share the same intermediate key")
}

func (suite *EngineSuite) TestDecryptDataRowRecord_MissingKey() {
	_, err := suite.e.DecryptDataRowRecord(context.Background(), DataRowRecord{})
	suite.Assert().ErrorIs(err, ErrMalformedRecord)
}

func (suite *EngineSuite) TestDecryptDataRowRecord_MissingParentMeta() {
	drr := DataRowRecord{Key: &EnvelopeKeyRecord{Created: 1, EncryptedKey: []byte("x")}}

	_, err := suite.e.DecryptDataRowRecord(context.Background(), drr)
	suite.Assert().ErrorIs(err, ErrMalformedRecord)
}

func (suite *EngineSuite) TestDecryptDataRowRecord_ForeignPartitionRejected() {
	ctx := context.Background()

	drr, err := suite.e.EncryptPayload(ctx, []byte("payload"))
	require.NoError(suite.T(), err)

	other := &engine{
		partition:        newPartition("other-partition", "service", "product"),
		metastore:        suite.store,
		kms:              suite.kms,
		policy:           NewCryptoPolicy(),
		aead:             aead.NewAES256GCM(),
		secretFactory:    pagelock.NewFactory(),
		systemKeys:       suite.e.systemKeys,
		intermediateKeys: newKeyCache("intermediate", NewCryptoPolicy()),
	}
	defer other.Close()

	_, err = other.DecryptDataRowRecord(ctx, *drr)
	suite.Assert().ErrorIs(err, ErrMalformedRecord)
}

func (suite *EngineSuite) TestEncryptPayload_RotatesExpiredIntermediateKey() {
	if testing.Short() {
		suite.T().Skip("sleeps past the one-second resolution of key timestamps")
	}

	ctx := context.Background()

	policy := NewCryptoPolicy(WithExpireAfterDuration(time.Millisecond), WithCreateDatePrecision(time.Nanosecond))
	e := &engine{
		partition:        newPartition("partid", "service", "product"),
		metastore:        suite.store,
		kms:              suite.kms,
		policy:           policy,
		aead:             aead.NewAES256GCM(),
		secretFactory:    pagelock.NewFactory(),
		systemKeys:       newKeyCache("system", policy),
		intermediateKeys: newKeyCache("intermediate", policy),
	}
	defer e.Close()

	drr1, err := e.EncryptPayload(ctx, []byte("first"))
	require.NoError(suite.T(), err)

	// Created has one-second resolution (it's a Unix timestamp), so the
	// expiry window must be crossed by more than a second for the second
	// call to observably mint a new intermediate key.
	time.Sleep(1100 * time.Millisecond)

	drr2, err := e.EncryptPayload(ctx, []byte("second"))
	require.NoError(suite.T(), err)

	suite.Assert().NotEqual(drr1.Key.ParentKeyMeta.Created, drr2.Key.ParentKeyMeta.Created, "an expired intermediate key must be replaced rather than reused")
}

func (suite *EngineSuite) TestLoadIntermediateKey_SystemKeyRotated() {
	ctx := context.Background()

	drr, err := suite.e.EncryptPayload(ctx, []byte("payload"))
	require.NoError(suite.T(), err)

	suite.Assert().NoError(suite.e.systemKeys.Close())
	suite.e.systemKeys = newKeyCache("system", suite.e.policy)

	plaintext, err := suite.e.DecryptDataRowRecord(ctx, *drr)
	require.NoError(suite.T(), err)
	suite.Assert().Equal([]byte("payload"), plaintext)
}

func (suite *EngineSuite) TestGenerateKey_UsesPolicyTimestamp() {
	k, err := suite.e.generateKey()
	require.NoError(suite.T(), err)
	defer k.Close()

	suite.Assert().NotZero(k.Created())
}

func (suite *EngineSuite) TestTryStore_ReturnsFalseOnDuplicate() {
	ctx := context.Background()

	ekr := &EnvelopeKeyRecord{ID: "dup", Created: 1234, EncryptedKey: []byte("x")}

	suite.Assert().True(suite.e.tryStore(ctx, ekr))
	suite.Assert().False(suite.e.tryStore(ctx, ekr), "storing the same id+created twice must not succeed twice")
}

func (suite *EngineSuite) TestIsEnvelopeInvalid_Revoked() {
	ekr := &EnvelopeKeyRecord{Created: time.Now().Unix(), Revoked: true}
	suite.Assert().True(suite.e.isEnvelopeInvalid(ekr))
}

func (suite *EngineSuite) TestIsEnvelopeInvalid_Expired() {
	ekr := &EnvelopeKeyRecord{Created: time.Now().Add(-2 * suite.e.policy.ExpireAfter).Unix()}
	suite.Assert().True(suite.e.isEnvelopeInvalid(ekr))
}

func (suite *EngineSuite) TestIsEnvelopeInvalid_Fresh() {
	ekr := &EnvelopeKeyRecord{Created: time.Now().Unix()}
	suite.Assert().False(suite.e.isEnvelopeInvalid(ekr))
}

func TestEngine_Close_ClosesIntermediateKeysOnly(t *testing.T) {
	store := metastore.NewMemory()

	k, err := kms.NewStatic(engineTestKey, aead.NewAES256GCM())
	require.NoError(t, err)

	systemKeys := newKeyCache("system", NewCryptoPolicy())

	e := &engine{
		partition:        newPartition("partid", "service", "product"),
		metastore:        store,
		kms:              k,
		policy:           NewCryptoPolicy(),
		aead:             aead.NewAES256GCM(),
		secretFactory:    pagelock.NewFactory(),
		systemKeys:       systemKeys,
		intermediateKeys: newKeyCache("intermediate", NewCryptoPolicy()),
	}

	_, err = e.EncryptPayload(context.Background(), []byte("x"))
	require.NoError(t, err)

	assert.NoError(t, e.Close())

	// the shared system key cache outlives the engine that used it
	assert.NoError(t, systemKeys.Close())
}
