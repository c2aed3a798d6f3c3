// Package refhost is the reference implementation of pkg/hostiface's
// collaborator contracts: a hybrid post-quantum identity/envelope service
// (identity.go), an in-memory/Redis-backed peer address cache
// (peerstore.go), and QUIC/WebSocket transports (quichost.go/wshost.go).
// None of this package is consumed by pkg/dht directly — it only has to
// satisfy pkg/hostiface's interfaces, so pkg/dht never imports it.
package refhost

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/shadowmesh/kaddht/pkg/crypto/classical"
	"github.com/shadowmesh/kaddht/pkg/crypto/hybrid"
	"github.com/shadowmesh/kaddht/pkg/crypto/mldsa"
	"github.com/shadowmesh/kaddht/pkg/hostiface"
)

// Identity is a node's long-lived signing keypair: ML-DSA-87 (post-quantum)
// plus Ed25519 (classical), combined exactly as pkg/crypto/hybrid signs
// and verifies. The node's PeerID is
// hybrid.PublicKeyHash of the public half, which is already 32 bytes wide —
// the same width as a keyspace.Key, so no separate hashing step is needed
// anywhere PeerID is used as a lookup target.
type Identity struct {
	keypair *hybrid.HybridKeypair
	peerID  []byte
}

// GenerateIdentity creates a fresh signing identity.
func GenerateIdentity() (*Identity, error) {
	edKP, err := classical.GenerateEd25519Keypair()
	if err != nil {
		return nil, fmt.Errorf("refhost: ed25519 keygen: %w", err)
	}
	mlKP, err := mldsa.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("refhost: ml-dsa keygen: %w", err)
	}
	return newIdentity(&hybrid.HybridKeypair{
		MLDSAPublicKey:    mlKP.PublicKey,
		MLDSAPrivateKey:   mlKP.PrivateKey,
		Ed25519PublicKey:  edKP.PublicKey,
		Ed25519PrivateKey: edKP.PrivateKey,
	})
}

func newIdentity(kp *hybrid.HybridKeypair) (*Identity, error) {
	id, err := hybrid.PublicKeyHash(kp)
	if err != nil {
		return nil, fmt.Errorf("refhost: derive peer id: %w", err)
	}
	return &Identity{keypair: kp, peerID: id}, nil
}

// persistedIdentity is the on-disk JSON form of an Identity's signing
// keys, written to the path named by pkg/config.NodeConfig.IdentityKey.
type persistedIdentity struct {
	MLDSAPublicKey    []byte `json:"ml_dsa_public_key"`
	MLDSAPrivateKey   []byte `json:"ml_dsa_private_key"`
	Ed25519PublicKey  []byte `json:"ed25519_public_key"`
	Ed25519PrivateKey []byte `json:"ed25519_private_key"`
}

// LoadOrGenerateIdentity reads a persisted identity from path, generating
// and writing a fresh one if the file does not yet exist.
func LoadOrGenerateIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		id, genErr := GenerateIdentity()
		if genErr != nil {
			return nil, genErr
		}
		if err := id.writeTo(path); err != nil {
			return nil, err
		}
		return id, nil
	}
	if err != nil {
		return nil, fmt.Errorf("refhost: read identity file: %w", err)
	}

	var p persistedIdentity
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("refhost: parse identity file: %w", err)
	}
	return newIdentity(&hybrid.HybridKeypair{
		MLDSAPublicKey:    p.MLDSAPublicKey,
		MLDSAPrivateKey:   p.MLDSAPrivateKey,
		Ed25519PublicKey:  p.Ed25519PublicKey,
		Ed25519PrivateKey: p.Ed25519PrivateKey,
	})
}

func (id *Identity) writeTo(path string) error {
	data, err := json.Marshal(persistedIdentity{
		MLDSAPublicKey:    id.keypair.MLDSAPublicKey,
		MLDSAPrivateKey:   id.keypair.MLDSAPrivateKey,
		Ed25519PublicKey:  id.keypair.Ed25519PublicKey,
		Ed25519PrivateKey: id.keypair.Ed25519PrivateKey,
	})
	if err != nil {
		return fmt.Errorf("refhost: marshal identity: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// LocalPeerID implements hostiface.IdentityService.
func (id *Identity) LocalPeerID() []byte { return id.peerID }

// SignEnvelope implements hostiface.IdentityService, producing a
// JSON-framed envelope carrying the embedded public key, seq, addrs, and
// a hybrid ML-DSA-87+Ed25519 signature over all of them.
func (id *Identity) SignEnvelope(addrs [][]byte, seq uint64) ([]byte, error) {
	sig, err := hybrid.HybridSign(envelopeMessage(id.peerID, seq, addrs), id.keypair)
	if err != nil {
		return nil, fmt.Errorf("refhost: sign envelope: %w", err)
	}
	return json.Marshal(wireEnvelope{
		PeerID:    id.peerID,
		Seq:       seq,
		Addrs:     addrs,
		PublicKey: marshalPublicKey(id.keypair),
		Signature: sig,
	})
}

// wireEnvelope is the signed peer record's wire format: self-describing
// enough that EnvelopeVerifier.Consume needs no out-of-band key lookup.
type wireEnvelope struct {
	PeerID    []byte   `json:"peer_id"`
	Seq       uint64   `json:"seq"`
	Addrs     [][]byte `json:"addrs"`
	PublicKey []byte   `json:"public_key"` // MLDSAPublicKey || Ed25519PublicKey
	Signature []byte   `json:"signature"`
}

// envelopeMessage builds the canonical byte string a signature covers:
// peer_id || big-endian seq || each addr length-prefixed.
func envelopeMessage(peerID []byte, seq uint64, addrs [][]byte) []byte {
	var buf bytes.Buffer
	buf.Write(peerID)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	buf.Write(seqBuf[:])
	for _, a := range addrs {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(a)))
		buf.Write(lenBuf[:])
		buf.Write(a)
	}
	return buf.Bytes()
}

func marshalPublicKey(kp *hybrid.HybridKeypair) []byte {
	out := make([]byte, 0, len(kp.MLDSAPublicKey)+len(kp.Ed25519PublicKey))
	out = append(out, kp.MLDSAPublicKey...)
	out = append(out, kp.Ed25519PublicKey...)
	return out
}

func unmarshalPublicKey(b []byte) (*hybrid.HybridKeypair, error) {
	want := mldsa.PublicKeySize + classical.Ed25519PublicKeySize
	if len(b) != want {
		return nil, fmt.Errorf("refhost: malformed public key: expected %d bytes, got %d", want, len(b))
	}
	return &hybrid.HybridKeypair{
		MLDSAPublicKey:   append([]byte(nil), b[:mldsa.PublicKeySize]...),
		Ed25519PublicKey: append([]byte(nil), b[mldsa.PublicKeySize:]...),
	}, nil
}

// EnvelopeVerifier implements hostiface.EnvelopeService over the wire
// format SignEnvelope produces: it checks the embedded public key hashes
// to the envelope's claimed PeerID (and the caller's expected one) before
// trusting the hybrid signature.
type EnvelopeVerifier struct{}

// Consume implements hostiface.EnvelopeService.
func (EnvelopeVerifier) Consume(envelope []byte, expectedPeerID []byte) (hostiface.PeerRecord, error) {
	var env wireEnvelope
	if err := json.Unmarshal(envelope, &env); err != nil {
		return hostiface.PeerRecord{}, fmt.Errorf("refhost: malformed envelope: %w", err)
	}
	kp, err := unmarshalPublicKey(env.PublicKey)
	if err != nil {
		return hostiface.PeerRecord{}, err
	}
	gotID, err := hybrid.PublicKeyHash(kp)
	if err != nil {
		return hostiface.PeerRecord{}, fmt.Errorf("refhost: derive envelope peer id: %w", err)
	}
	if !bytes.Equal(gotID, env.PeerID) || !bytes.Equal(gotID, expectedPeerID) {
		return hostiface.PeerRecord{}, errors.New("refhost: envelope public key does not match claimed peer id")
	}
	if !hybrid.HybridVerify(envelopeMessage(env.PeerID, env.Seq, env.Addrs), env.Signature, kp) {
		return hostiface.PeerRecord{}, errors.New("refhost: envelope signature verification failed")
	}
	return hostiface.PeerRecord{PeerID: env.PeerID, Addrs: env.Addrs, Seq: env.Seq}, nil
}
