package poseidon

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/iden3/go-iden3-crypto/poseidon"
	"github.com/vocdoni/maci-coordinator/types"
)

var (
	// ErrInvalidAuthTag is returned by Decrypt when the last ciphertext
	// element does not match, which happens when the wrong key is used.
	ErrInvalidAuthTag = errors.New("invalid ciphertext authentication tag")
	// ErrInvalidCiphertext is returned for ciphertexts of the wrong length or
	// with non zero padding.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

var two128 = new(big.Int).Lsh(big.NewInt(1), 128)

// CiphertextLength returns the number of elements produced by Encrypt for a
// plaintext of the given length.
func CiphertextLength(plaintextLength int) int {
	return (plaintextLength+2)/3*3 + 1
}

// permute applies the width-4 Poseidon permutation to the duplex state.
func permute(state [4]*big.Int) ([4]*big.Int, error) {
	out, err := poseidon.HashWithStateEx(state[1:], state[0], 4)
	if err != nil {
		return state, fmt.Errorf("poseidon permutation: %w", err)
	}
	return [4]*big.Int{out[0], out[1], out[2], out[3]}, nil
}

func initialState(key [2]*big.Int, nonce *big.Int, length int) ([4]*big.Int, error) {
	if nonce.Sign() < 0 || nonce.Cmp(two128) >= 0 {
		return [4]*big.Int{}, fmt.Errorf("nonce must be below 2^128")
	}
	lenNonce := new(big.Int).Mul(big.NewInt(int64(length)), two128)
	lenNonce.Add(lenNonce, nonce)
	return [4]*big.Int{new(big.Int), key[0], key[1], lenNonce}, nil
}

// Encrypt encrypts the plaintext with the Poseidon duplex sponge cipher keyed
// by an ECDH shared point. The plaintext is zero-padded to a multiple of 3 and
// the last element of the ciphertext authenticates the whole message.
func Encrypt(plaintext []*big.Int, key [2]*big.Int, nonce *big.Int) ([]*big.Int, error) {
	if !types.AllInField(plaintext) {
		return nil, fmt.Errorf("plaintext element out of field")
	}
	state, err := initialState(key, nonce, len(plaintext))
	if err != nil {
		return nil, err
	}
	padded := make([]*big.Int, (len(plaintext)+2)/3*3)
	for i := range padded {
		if i < len(plaintext) {
			padded[i] = plaintext[i]
		} else {
			padded[i] = new(big.Int)
		}
	}
	ciphertext := make([]*big.Int, 0, len(padded)+1)
	for i := 0; i < len(padded); i += 3 {
		if state, err = permute(state); err != nil {
			return nil, err
		}
		for j := range 3 {
			v := new(big.Int).Add(state[j+1], padded[i+j])
			state[j+1] = v.Mod(v, types.SnarkField)
			ciphertext = append(ciphertext, state[j+1])
		}
	}
	if state, err = permute(state); err != nil {
		return nil, err
	}
	return append(ciphertext, state[1]), nil
}

// Decrypt reverses Encrypt and returns the first length plaintext elements.
func Decrypt(ciphertext []*big.Int, key [2]*big.Int, nonce *big.Int, length int) ([]*big.Int, error) {
	if len(ciphertext) != CiphertextLength(length) {
		return nil, fmt.Errorf("%w: %d elements for a %d element plaintext",
			ErrInvalidCiphertext, len(ciphertext), length)
	}
	if !types.AllInField(ciphertext) {
		return nil, fmt.Errorf("%w: element out of field", ErrInvalidCiphertext)
	}
	state, err := initialState(key, nonce, length)
	if err != nil {
		return nil, err
	}
	plaintext := make([]*big.Int, 0, len(ciphertext)-1)
	for i := 0; i < len(ciphertext)-1; i += 3 {
		if state, err = permute(state); err != nil {
			return nil, err
		}
		for j := range 3 {
			v := new(big.Int).Sub(ciphertext[i+j], state[j+1])
			plaintext = append(plaintext, v.Mod(v, types.SnarkField))
			state[j+1] = ciphertext[i+j]
		}
	}
	if state, err = permute(state); err != nil {
		return nil, err
	}
	if state[1].Cmp(ciphertext[len(ciphertext)-1]) != 0 {
		return nil, ErrInvalidAuthTag
	}
	for _, pad := range plaintext[length:] {
		if pad.Sign() != 0 {
			return nil, fmt.Errorf("%w: non zero padding", ErrInvalidCiphertext)
		}
	}
	return plaintext[:length], nil
}
