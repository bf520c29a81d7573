// Copyright 2016 CoreOS, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package signature verifies and produces the RSA signatures that
// authenticate an update payload's metadata and body.
package signature

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	_ "crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"hash"

	"github.com/coreos/pkg/capnslog"
	"github.com/golang/protobuf/proto"

	"github.com/Project-Flare-Staging/system-update-engine/update/metadata"
)

const (
	signatureVersion = 2
	signatureHash    = crypto.SHA256
)

var (
	plog = capnslog.NewPackageLogger("github.com/Project-Flare-Staging/system-update-engine", "update/signature")

	// ErrNoValidSignature is returned when none of the signatures
	// attached to a payload verify against any configured public key.
	ErrNoValidSignature = fmt.Errorf("no valid signatures found")

	// ErrMissingSignature is returned when signatures are required by
	// policy (a non-empty public key set was configured) but the
	// payload carries none.
	ErrMissingSignature = fmt.Errorf("signatures required but payload carries none")
)

// NewSignatureHash returns a hash.Hash matching signatureHash, used by
// the Payload parser to accumulate the running digest of signed bytes.
func NewSignatureHash() hash.Hash {
	return signatureHash.New()
}

// ParsePublicKey decodes one PEM-encoded RSA public key.
func ParsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	pemBlock, _ := pem.Decode(pemBytes)
	if pemBlock == nil {
		return nil, fmt.Errorf("unable to parse PEM block")
	}

	somePub, err := x509.ParsePKIXPublicKey(pemBlock.Bytes)
	if err != nil {
		return nil, err
	}

	rsaPub, ok := somePub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unexpected key type %T", somePub)
	}
	return rsaPub, nil
}

// SignaturesSize returns the serialized size of a Signatures message
// carrying one signature produced by the given key, used to reserve
// space for the signatures blob before it is written.
func SignaturesSize(key *rsa.PrivateKey) (int, error) {
	dataLen := (key.N.BitLen() + 7) / 8
	sigs := &metadata.Signatures{
		Signatures: []*metadata.Signatures_Signature{
			{
				Version: proto.Uint32(signatureVersion),
				Data:    make([]byte, dataLen),
			},
		},
	}
	return proto.Size(sigs), nil
}

// Sign produces a Signatures message covering the digest sum.
func Sign(sum []byte, key *rsa.PrivateKey) (*metadata.Signatures, error) {
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, signatureHash, sum)
	if err != nil {
		return nil, err
	}

	return &metadata.Signatures{
		Signatures: []*metadata.Signatures_Signature{
			{
				Version: proto.Uint32(signatureVersion),
				Data:    sig,
			},
		},
	}, nil
}

// Verify checks sum against every signature in sigs, accepting if any
// one verifies against any key in keys. If keys is empty, verification
// fails closed: a payload without a trusted key configured is never
// considered authentic.
func Verify(sum []byte, sigs *metadata.Signatures, keys []*rsa.PublicKey) error {
	if len(keys) == 0 {
		return fmt.Errorf("no public keys configured: refusing to trust any signature")
	}
	if sigs == nil || len(sigs.Signatures) == 0 {
		return ErrMissingSignature
	}

	for _, sig := range sigs.Signatures {
		v := sig.GetVersion()
		if v != signatureVersion {
			plog.Debugf("skipping v%d signature", v)
			continue
		}
		for _, key := range keys {
			if err := rsa.VerifyPKCS1v15(key, signatureHash, sum, sig.Data); err != nil {
				continue
			}
			plog.Infof("good v%d signature verified", v)
			return nil
		}
	}

	return ErrNoValidSignature
}
