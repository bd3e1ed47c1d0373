// Package keys wraps the BabyJubJub keys used by voters and by the
// coordinator: EdDSA-Poseidon signatures over commands and ECDH shared keys
// for message encryption.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/iden3/go-iden3-crypto/babyjub"
	"github.com/vocdoni/maci-coordinator/crypto/hash/poseidon"
	"github.com/vocdoni/maci-coordinator/types"
)

// PadKey is the public key stored in the blank state leaf. Nobody knows its
// private key.
var PadKey = PublicKey{
	X: mustBig("10457101036533406547632367118273992217979173478358440826365724437999023779287"),
	Y: mustBig("19824078218392094440610104313265183977899662750282163392862422243483260492317"),
}

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("invalid constant " + s)
	}
	return v
}

// PublicKey is an affine BabyJubJub point.
type PublicKey struct {
	X *big.Int
	Y *big.Int
}

// PublicKeyFromPoint converts an iden3 point.
func PublicKeyFromPoint(p *babyjub.Point) PublicKey {
	return PublicKey{X: new(big.Int).Set(p.X), Y: new(big.Int).Set(p.Y)}
}

// Point returns the key as an iden3 point.
func (pk PublicKey) Point() *babyjub.Point {
	return &babyjub.Point{X: new(big.Int).Set(pk.X), Y: new(big.Int).Set(pk.Y)}
}

// AsArray returns [x, y].
func (pk PublicKey) AsArray() []*big.Int {
	return []*big.Int{pk.X, pk.Y}
}

// Hash returns hashLeftRight(x, y).
func (pk PublicKey) Hash() (*big.Int, error) {
	return poseidon.HashLeftRight(pk.X, pk.Y)
}

// InField reports whether both coordinates are valid field elements.
func (pk PublicKey) InField() bool {
	return types.InField(pk.X) && types.InField(pk.Y)
}

// InCurve reports whether the key is a point of the curve.
func (pk PublicKey) InCurve() bool {
	return pk.InField() && pk.Point().InCurve()
}

func (pk PublicKey) Equal(other PublicKey) bool {
	if pk.X == nil || pk.Y == nil || other.X == nil || other.Y == nil {
		return pk.X == other.X && pk.Y == other.Y
	}
	return pk.X.Cmp(other.X) == 0 && pk.Y.Cmp(other.Y) == 0
}

// Copy returns a deep copy of the key.
func (pk PublicKey) Copy() PublicKey {
	if pk.X == nil || pk.Y == nil {
		return PublicKey{}
	}
	return PublicKey{X: new(big.Int).Set(pk.X), Y: new(big.Int).Set(pk.Y)}
}

func (pk PublicKey) String() string {
	return fmt.Sprintf("(%s, %s)", pk.X, pk.Y)
}

// MarshalJSON encodes the key as ["x", "y"].
func (pk PublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]*types.BigInt{types.FromBig(pk.X), types.FromBig(pk.Y)})
}

// UnmarshalJSON decodes a key encoded by MarshalJSON.
func (pk *PublicKey) UnmarshalJSON(data []byte) error {
	var xy [2]types.BigInt
	if err := json.Unmarshal(data, &xy); err != nil {
		return fmt.Errorf("public key: %w", err)
	}
	pk.X = new(big.Int).Set(xy[0].MathBigInt())
	pk.Y = new(big.Int).Set(xy[1].MathBigInt())
	return nil
}

// Keypair holds a BabyJubJub private key and its public key.
type Keypair struct {
	PrivKey babyjub.PrivateKey
	PubKey  PublicKey
}

// NewKeypair generates a random keypair.
func NewKeypair() *Keypair {
	return KeypairFromPrivKey(babyjub.NewRandPrivKey())
}

// KeypairFromPrivKey derives the public key of priv.
func KeypairFromPrivKey(priv babyjub.PrivateKey) *Keypair {
	return &Keypair{
		PrivKey: priv,
		PubKey:  PublicKeyFromPoint(priv.Public().Point()),
	}
}

// KeypairFromSeed deterministically derives a keypair from sha256(seed).
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) == 0 {
		return nil, fmt.Errorf("seed cannot be empty")
	}
	return KeypairFromPrivKey(babyjub.PrivateKey(sha256.Sum256(seed))), nil
}

// KeypairFromHex parses a hex encoded (optionally 0x prefixed) 32 byte
// private key.
func KeypairFromHex(s string) (*Keypair, error) {
	raw := common.FromHex(s)
	if len(raw) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(raw))
	}
	var priv babyjub.PrivateKey
	copy(priv[:], raw)
	return KeypairFromPrivKey(priv), nil
}

// PrivKeyHex returns the private key hex encoded.
func (k *Keypair) PrivKeyHex() string {
	return hex.EncodeToString(k.PrivKey[:])
}

// PrivKeyScalar returns the private key formatted as the BabyJubJub scalar
// the circuits take as input.
func (k *Keypair) PrivKeyScalar() *big.Int {
	return k.PrivKey.Scalar().BigInt()
}

// Sign signs msg with EdDSA-Poseidon.
func (k *Keypair) Sign(msg *big.Int) *babyjub.Signature {
	return k.PrivKey.SignPoseidon(msg)
}

// Verify checks an EdDSA-Poseidon signature. Malformed signatures, including
// the garbage produced by decrypting with a wrong key, are reported as
// invalid.
func Verify(pk PublicKey, msg *big.Int, sig *babyjub.Signature) bool {
	if sig == nil || sig.R8 == nil || sig.S == nil || !pk.InCurve() {
		return false
	}
	if sig.S.Sign() < 0 || sig.S.Cmp(babyjub.SubOrder) >= 0 {
		return false
	}
	if !types.InField(sig.R8.X) || !types.InField(sig.R8.Y) || !sig.R8.InCurve() {
		return false
	}
	pub := babyjub.PublicKey(*pk.Point())
	return pub.VerifyPoseidon(msg, sig)
}

// SharedKey derives the ECDH shared point between priv and pub. Both sides of
// the exchange obtain the same point.
func SharedKey(priv babyjub.PrivateKey, pub PublicKey) [2]*big.Int {
	p := babyjub.NewPoint().Mul(priv.Scalar().BigInt(), pub.Point())
	return [2]*big.Int{p.X, p.Y}
}
