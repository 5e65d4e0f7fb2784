package envelope

import "fmt"

// KeyMeta identifies a specific version of a key: its metastore id and its
// creation timestamp (Unix seconds). Together they form the exact lookup
// key used by Metastore.Load and by the key caches (C3).
type KeyMeta struct {
	ID      string `json:"KeyId" dynamodbav:"KeyId"`
	Created int64  `json:"Created"`
}

// IsLatest reports whether m refers to "whatever the newest version of ID
// is" rather than a specific version — the convention used internally by
// the key cache is Created == 0.
func (m KeyMeta) IsLatest() bool {
	return m.Created == 0
}

func (m KeyMeta) String() string {
	return fmt.Sprintf("KeyMeta{id=%s, created=%d}", m.ID, m.Created)
}

// EnvelopeKeyRecord is the persisted shape of a system or intermediate key:
// its ciphertext plus enough metadata to find and validate its parent. A
// record with a nil ParentKeyMeta is a root record (a system key, wrapped
// directly by KMS rather than by another key in this hierarchy).
//
// Field order/tags are chosen to match the metastore's on-disk JSON
// exactly (encryption_key.key_record in the RDBMS schema, the KeyRecord
// map attribute in DynamoDB): ID is excluded from the JSON form because
// it's already the partition/sort key of whatever table holds the record.
type EnvelopeKeyRecord struct {
	Revoked       bool     `json:"Revoked,omitempty"`
	ID            string   `json:"-"`
	Created       int64    `json:"Created"`
	EncryptedKey  []byte   `json:"Key"`
	ParentKeyMeta *KeyMeta `json:"ParentKeyMeta,omitempty"`
}

func (e *EnvelopeKeyRecord) String() string {
	if e == nil {
		return "EnvelopeKeyRecord(nil)"
	}

	return fmt.Sprintf("EnvelopeKeyRecord{id=%s, created=%d, revoked=%t, parent=%v}", e.ID, e.Created, e.Revoked, e.ParentKeyMeta)
}

// DataRowRecord is the envelope produced by EncryptPayload: a data row key
// (itself an EnvelopeKeyRecord, scoped to the intermediate key that wraps
// it) plus the payload ciphertext. This is what callers persist alongside
// their data.
type DataRowRecord struct {
	Key  *EnvelopeKeyRecord
	Data []byte
}
