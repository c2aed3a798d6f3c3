package hybrid

import (
	"time"

	"github.com/shadowmesh/kaddht/pkg/crypto/classical"
	"github.com/shadowmesh/kaddht/pkg/crypto/mldsa"
)

// HybridKeypair is the post-quantum-plus-classical signing identity used
// by refhost.Identity: ML-DSA-87 combined with Ed25519 for peer
// authentication. A key-exchange half (ML-KEM-1024 + X25519, formerly
// carried on this struct) has no SPEC_FULL.md component to attach to once
// the encrypted data plane is out of scope (see DESIGN.md) and has been
// dropped along with it.
type HybridKeypair struct {
	// Post-quantum signature keys (ML-DSA-87)
	MLDSAPublicKey  []byte // 2592 bytes
	MLDSAPrivateKey []byte // 4864 bytes

	// Classical signature keys (Ed25519)
	Ed25519PublicKey  []byte // 32 bytes
	Ed25519PrivateKey []byte // 64 bytes

	CreatedAt time.Time
}

// GenerateHybridKeypair creates a fresh hybrid signing keypair, combining
// a new ML-DSA-87 keypair with a new Ed25519 keypair.
func GenerateHybridKeypair() (*HybridKeypair, error) {
	mldsaKP, err := mldsa.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	edKP, err := classical.GenerateEd25519Keypair()
	if err != nil {
		return nil, err
	}
	return &HybridKeypair{
		MLDSAPublicKey:    mldsaKP.PublicKey,
		MLDSAPrivateKey:   mldsaKP.PrivateKey,
		Ed25519PublicKey:  edKP.PublicKey,
		Ed25519PrivateKey: edKP.PrivateKey,
		CreatedAt:         time.Now(),
	}, nil
}
