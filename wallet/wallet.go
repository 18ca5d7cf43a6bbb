package wallet

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"

	"github.com/mr-tron/base58"
)

const (
	checksumLength = 4
	version        = byte(0x00)
)

var (
	ErrWrongAddressChecksum = errors.New("wrong address checksum")
	ErrWrongSignature       = errors.New("wrong signature")
	ErrWrongHash            = errors.New("wrong message hash")
)

// Wallet holds public and private key of the wallet owner.
type Wallet struct {
	Private ed25519.PrivateKey `json:"private" yaml:"private"`
	Public  ed25519.PublicKey  `json:"public"  yaml:"public"`
}

// New tries to create a new Wallet or returns error otherwise.
func New() (Wallet, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Wallet{}, err
	}
	return Wallet{Private: private, Public: public}, nil
}

// SaveToPem saves wallet private and public key to the PEM format file.
// Saved files are like in the example:
// - PRIVATE: "your/path/name"
// - PUBLIC: "your/path/name.pub"
func (w *Wallet) SaveToPem(filepath string) error {
	prv, err := x509.MarshalPKCS8PrivateKey(w.Private)
	if err != nil {
		return err
	}
	pub, err := x509.MarshalPKIXPublicKey(w.Public)
	if err != nil {
		return err
	}
	blockPrv := &pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: prv,
	}
	blockPub := &pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pub,
	}
	if err := os.WriteFile(filepath, pem.EncodeToMemory(blockPrv), 0644); err != nil {
		return err
	}
	return os.WriteFile(filepath+".pub", pem.EncodeToMemory(blockPub), 0644)
}

// ReadFromPem creates Wallet from PEM format file.
// Uses both private and public key.
// Provide the path to a file without specifying the extension: "your/path/name".
func ReadFromPem(filepath string) (Wallet, error) {
	var w Wallet
	rawPub, err := os.ReadFile(filepath + ".pub")
	if err != nil {
		return w, err
	}
	rawPrv, err := os.ReadFile(filepath)
	if err != nil {
		return w, err
	}

	blockPub, _ := pem.Decode(rawPub)
	if blockPub == nil || blockPub.Type != "PUBLIC KEY" {
		return w, errors.New("cannot decode public key from PEM format")
	}
	pub, err := x509.ParsePKIXPublicKey(blockPub.Bytes)
	if err != nil {
		return w, err
	}
	blockPrv, _ := pem.Decode(rawPrv)
	if blockPrv == nil || blockPrv.Type != "PRIVATE KEY" {
		return w, errors.New("cannot decode private key from PEM format")
	}
	prv, err := x509.ParsePKCS8PrivateKey(blockPrv.Bytes)
	if err != nil {
		return w, err
	}
	var ok bool
	w.Public, ok = pub.(ed25519.PublicKey)
	if !ok {
		return w, errors.New("cannot cast x509 decoded parsed key to ed25519 public key")
	}
	w.Private, ok = prv.(ed25519.PrivateKey)
	if !ok {
		return w, errors.New("cannot cast x509 decoded parsed key to ed25519 private key")
	}
	return w, nil
}

// Address creates address from the public key that contains wallet version and checksum.
func (w *Wallet) Address() string {
	vers := append([]byte{version}, w.Public...)
	cs := checksum(vers)

	full := append(vers, cs...)
	return base58.Encode(full)
}

// Sign signs the message with Ed25519 signature.
// Returns digest hash sha256 and signature.
func (w *Wallet) Sign(message []byte) (digest [32]byte, signature []byte) {
	digest = sha256.Sum256(message)
	signature = ed25519.Sign(w.Private, digest[:])
	return digest, signature
}

// Verify verifies message ED25519 signature and hash.
// Uses hashing sha256.
func (w *Wallet) Verify(message, signature []byte, hash [32]byte) bool {
	digest := sha256.Sum256(message)
	if !bytes.Equal(hash[:], digest[:]) {
		return false
	}
	return ed25519.Verify(w.Public, digest[:], signature)
}

// Helper provides wallet helper functionalities without knowing about the wallet private keys.
type Helper struct{}

// NewVerifier creates new Helper.
func NewVerifier() Helper {
	return Helper{}
}

// Verify verifies if the message signature matches the address the message claims to be signed with.
func (h Helper) Verify(message, signature []byte, hash [32]byte, address string) error {
	digest := sha256.Sum256(message)
	if !bytes.Equal(hash[:], digest[:]) {
		return ErrWrongHash
	}
	pub, err := publicKeyFromAddress(address)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, digest[:], signature) {
		return ErrWrongSignature
	}
	return nil
}

func publicKeyFromAddress(address string) (ed25519.PublicKey, error) {
	full, err := base58.Decode(address)
	if err != nil {
		return nil, err
	}
	if len(full) != 1+ed25519.PublicKeySize+checksumLength {
		return nil, ErrWrongAddressChecksum
	}
	vers := full[:len(full)-checksumLength]
	cs := checksum(vers)
	if !bytes.Equal(cs, full[len(full)-checksumLength:]) {
		return nil, ErrWrongAddressChecksum
	}
	return ed25519.PublicKey(vers[1:]), nil
}

func checksum(payload []byte) []byte {
	firstHash := sha256.Sum256(payload)
	secondHash := sha256.Sum256(firstHash[:])

	return secondHash[:checksumLength]
}
