package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/GoPolymarket/polymarket-go-sdk/pkg/clob/clobtypes"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrBadSignature = errors.New("signer: malformed signature")

// Signer signs CLOB orders for one custodied key. The domain separator is
// computed once per signer.
type Signer struct {
	key             *ecdsa.PrivateKey
	address         common.Address
	chainID         *big.Int
	domainSeparator common.Hash
}

func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if privateKeyHex == "" {
		return nil, fmt.Errorf("private key is required")
	}
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		// never echo the key material
		return nil, fmt.Errorf("invalid private key")
	}

	return &Signer{
		key:             key,
		address:         crypto.PubkeyToAddress(key.PublicKey),
		chainID:         big.NewInt(chainID),
		domainSeparator: DomainSeparator(chainID),
	}, nil
}

// DomainSeparator returns hashStruct(EIP712Domain) for the CTF exchange.
func DomainSeparator(chainID int64) common.Hash {
	// all five fields are one 32-byte word each
	data := make([]byte, 32*5)
	copy(data[0:32], EIP712DomainTypeHash.Bytes())
	copy(data[32:64], crypto.Keccak256([]byte(EIP712DomainName)))
	copy(data[64:96], crypto.Keccak256([]byte(EIP712DomainVersion)))
	copy(data[96:128], math.U256Bytes(big.NewInt(chainID)))
	copy(data[128+12:160], common.HexToAddress(ExchangeContractAddress).Bytes())
	return crypto.Keccak256Hash(data)
}

// SignOrder returns the 65-byte hex signature with V in {27,28}.
func (s *Signer) SignOrder(order *Order) (string, error) {
	digest := Digest(s.domainSeparator, order)
	signature, err := crypto.Sign(digest, s.key)
	if err != nil {
		return "", err
	}
	if signature[64] < 27 {
		signature[64] += 27
	}
	return hexutil.Encode(signature), nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

func (s *Signer) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// Digest is keccak256("\x19\x01" || domainSeparator || hashStruct(order)).
func Digest(domainSeparator common.Hash, order *Order) []byte {
	return crypto.Keccak256([]byte{0x19, 0x01}, domainSeparator.Bytes(), hashOrder(order))
}

// Recover returns the address that produced sig over order.
func Recover(chainID int64, order *Order, sig string) (common.Address, error) {
	raw, err := hexutil.Decode(sig)
	if err != nil || len(raw) != 65 {
		return common.Address{}, ErrBadSignature
	}
	if raw[64] >= 27 {
		raw[64] -= 27
	}
	pub, err := crypto.SigToPub(Digest(DomainSeparator(chainID), order), raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func hashOrder(order *Order) []byte {
	// typeHash + 12 fields, one word each
	data := make([]byte, 32*13)
	copy(data[0:32], OrderTypeHash.Bytes())
	putUint(data[32:64], order.Salt)
	copy(data[64+12:96], order.Maker.Bytes())
	copy(data[96+12:128], order.Signer.Bytes())
	copy(data[128+12:160], order.Taker.Bytes())
	putUint(data[160:192], order.TokenID)
	putUint(data[192:224], order.MakerAmount)
	putUint(data[224:256], order.TakerAmount)
	putUint(data[256:288], order.Expiration)
	putUint(data[288:320], order.Nonce)
	putUint(data[320:352], order.FeeRateBps)
	copy(data[352:384], math.U256Bytes(big.NewInt(int64(order.Side))))
	copy(data[384:416], math.U256Bytes(big.NewInt(int64(order.SignatureType))))
	return crypto.Keccak256(data)
}

func putUint(dst []byte, v *big.Int) {
	if v != nil {
		copy(dst, math.U256Bytes(new(big.Int).Set(v)))
	}
}

// FromSDKOrder flattens a built SDK order into the signable form.
func FromSDKOrder(o *clobtypes.Order) *Order {
	side := SideBuy
	if strings.EqualFold(o.Side, "SELL") {
		side = SideSell
	}
	sigType := uint8(0)
	if o.SignatureType != nil {
		sigType = uint8(*o.SignatureType)
	}
	return &Order{
		Salt:          o.Salt.Int,
		Maker:         o.Maker,
		Signer:        o.Signer,
		Taker:         o.Taker,
		TokenID:       o.TokenID.Int,
		MakerAmount:   o.MakerAmount.BigInt(),
		TakerAmount:   o.TakerAmount.BigInt(),
		Expiration:    o.Expiration.Int,
		Nonce:         o.Nonce.Int,
		FeeRateBps:    o.FeeRateBps.BigInt(),
		Side:          side,
		SignatureType: sigType,
	}
}
