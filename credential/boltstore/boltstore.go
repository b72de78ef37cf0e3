// Package boltstore persists credentials and their usage counters in bbolt.
package boltstore

import (
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/kokukuma/mdoc-presentment/credential"
	"github.com/kokukuma/mdoc-presentment/mdoc"
	"go.etcd.io/bbolt"
)

const (
	credentialsBucket = "credentials" // Key: credential ID, value: CBOR record
	usageBucket       = "usage"       // Key: credential ID, value: uint64 big endian
)

type record struct {
	Seq          uint64          `cbor:"1,keyasint"`
	ID           string          `cbor:"2,keyasint"`
	DisplayName  string          `cbor:"3,keyasint"`
	Format       string          `cbor:"4,keyasint"`
	DocType      string          `cbor:"5,keyasint,omitempty"`
	IssuerSigned cbor.RawMessage `cbor:"6,keyasint,omitempty"`
	SdJwt        string          `cbor:"7,keyasint,omitempty"`
	DeviceKey    []byte          `cbor:"8,keyasint,omitempty"`
	MacOnly      bool            `cbor:"9,keyasint,omitempty"`
}

type Store struct {
	db *bbolt.DB
}

var _ credential.Store = (*Store)(nil)

func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{credentialsBucket, usageBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(c *credential.Credential) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(credentialsBucket))

		rec, err := toRecord(c)
		if err != nil {
			return err
		}
		if existing := b.Get([]byte(c.ID)); existing != nil {
			var prev record
			if err := cbor.Unmarshal(existing, &prev); err != nil {
				return fmt.Errorf("failed to decode record %s: %w", c.ID, err)
			}
			rec.Seq = prev.Seq
		} else {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			rec.Seq = seq
		}

		v, err := cbor.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode record %s: %w", c.ID, err)
		}
		return b.Put([]byte(c.ID), v)
	})
}

func (s *Store) Get(id string) (*credential.Credential, error) {
	var rec record
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(credentialsBucket)).Get([]byte(id))
		if v == nil {
			return credential.ErrNotFound
		}
		return cbor.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	return fromRecord(rec)
}

// Credentials returns every credential in the order it was first stored.
func (s *Store) Credentials() ([]*credential.Credential, error) {
	var recs []record
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(credentialsBucket)).ForEach(func(k, v []byte) error {
			var rec record
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to decode record %s: %w", k, err)
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })

	creds := make([]*credential.Credential, 0, len(recs))
	for _, rec := range recs {
		c, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, nil
}

func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(credentialsBucket))
		if b.Get([]byte(id)) == nil {
			return credential.ErrNotFound
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket([]byte(usageBucket)).Delete([]byte(id))
	})
}

// IncrementUsage runs in a single write transaction, so concurrent
// increments never lose updates.
func (s *Store) IncrementUsage(id string) (int64, error) {
	var count uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(credentialsBucket)).Get([]byte(id)) == nil {
			return credential.ErrNotFound
		}
		b := tx.Bucket([]byte(usageBucket))
		if v := b.Get([]byte(id)); v != nil {
			count = binary.BigEndian.Uint64(v)
		}
		count++
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, count)
		return b.Put([]byte(id), buf)
	})
	return int64(count), err
}

func (s *Store) UsageCount(id string) (int64, error) {
	var count uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(credentialsBucket)).Get([]byte(id)) == nil {
			return credential.ErrNotFound
		}
		if v := tx.Bucket([]byte(usageBucket)).Get([]byte(id)); v != nil {
			count = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return int64(count), err
}

func toRecord(c *credential.Credential) (record, error) {
	rec := record{
		ID:          c.ID,
		DisplayName: c.DisplayName,
		Format:      string(c.Format),
		MacOnly:     !c.DeviceKey.CanSign() && c.DeviceKey.CanAgree(),
	}
	if priv, ok := credential.LocalPrivateKey(c.DeviceKey); ok {
		der, err := x509.MarshalECPrivateKey(priv)
		if err != nil {
			return record{}, fmt.Errorf("failed to encode device key: %w", err)
		}
		rec.DeviceKey = der
	}

	switch c.Format {
	case credential.FormatMdoc:
		issuerSigned, err := cbor.Marshal(c.Mdoc.IssuerSigned)
		if err != nil {
			return record{}, fmt.Errorf("failed to encode issuerSigned: %w", err)
		}
		rec.DocType = string(c.Mdoc.DocType)
		rec.IssuerSigned = issuerSigned
	case credential.FormatSdJwt:
		rec.SdJwt = c.SdJwt.Serialized
	default:
		return record{}, fmt.Errorf("unsupported credential format: %q", c.Format)
	}
	return rec, nil
}

func fromRecord(rec record) (*credential.Credential, error) {
	var key credential.DeviceKey
	if len(rec.DeviceKey) > 0 {
		priv, err := x509.ParseECPrivateKey(rec.DeviceKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse device key of %s: %w", rec.ID, err)
		}
		if rec.MacOnly {
			key, err = credential.NewMacOnlyKey(priv)
		} else {
			key, err = credential.NewLocalKey(priv)
		}
		if err != nil {
			return nil, err
		}
	}

	switch credential.Format(rec.Format) {
	case credential.FormatMdoc:
		var issuerSigned mdoc.IssuerSigned
		if err := cbor.Unmarshal(rec.IssuerSigned, &issuerSigned); err != nil {
			return nil, fmt.Errorf("failed to decode issuerSigned of %s: %w", rec.ID, err)
		}
		return credential.NewMdoc(rec.ID, rec.DisplayName, mdoc.DocType(rec.DocType), issuerSigned, key)
	case credential.FormatSdJwt:
		return credential.NewSdJwt(rec.ID, rec.DisplayName, rec.SdJwt, key)
	}
	return nil, fmt.Errorf("unsupported credential format: %q", rec.Format)
}
