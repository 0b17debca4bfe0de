package grvt

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const signChainID = 325

type signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func newSigner(hexKey string) (*signer, error) {
	clean := strings.TrimSpace(hexKey)
	if clean == "" {
		return nil, errors.New("private key is required")
	}
	clean = strings.TrimPrefix(clean, "0x")
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, err
	}
	return &signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

type orderLeg struct {
	assetID      *big.Int
	contractSize uint64
	limitPrice   uint64
	isBuying     bool
}

type orderSignature struct {
	Signer     string `json:"signer"`
	R          string `json:"r"`
	S          string `json:"s"`
	V          int    `json:"v"`
	Nonce      uint32 `json:"nonce"`
	Expiration string `json:"expiration"`
}

func (s *signer) signOrder(subAccountID uint64, isMarket bool, timeInForce uint8, legs []orderLeg, nonce uint32, expiration int64) (orderSignature, error) {
	digest, err := orderDigest(subAccountID, isMarket, timeInForce, legs, nonce, expiration)
	if err != nil {
		return orderSignature{}, err
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return orderSignature{}, err
	}
	return orderSignature{
		Signer:     s.address.Hex(),
		R:          hexutil.Encode(sig[:32]),
		S:          hexutil.Encode(sig[32:64]),
		V:          int(sig[64]) + 27,
		Nonce:      nonce,
		Expiration: strconv.FormatInt(expiration, 10),
	}, nil
}

func orderDigest(subAccountID uint64, isMarket bool, timeInForce uint8, legs []orderLeg, nonce uint32, expiration int64) ([]byte, error) {
	legMessages := make([]any, 0, len(legs))
	for _, leg := range legs {
		legMessages = append(legMessages, map[string]any{
			"assetID":          leg.assetID.String(),
			"contractSize":     strconv.FormatUint(leg.contractSize, 10),
			"limitPrice":       strconv.FormatUint(leg.limitPrice, 10),
			"isBuyingContract": leg.isBuying,
		})
	}
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"Order": {
				{Name: "subAccountID", Type: "uint64"},
				{Name: "isMarket", Type: "bool"},
				{Name: "timeInForce", Type: "uint8"},
				{Name: "legs", Type: "OrderLeg[]"},
				{Name: "nonce", Type: "uint32"},
				{Name: "expiration", Type: "int64"},
			},
			"OrderLeg": {
				{Name: "assetID", Type: "uint256"},
				{Name: "contractSize", Type: "uint64"},
				{Name: "limitPrice", Type: "uint64"},
				{Name: "isBuyingContract", Type: "bool"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:    "GRVT Exchange",
			Version: "0",
			ChainId: math.NewHexOrDecimal256(signChainID),
		},
		Message: apitypes.TypedDataMessage{
			"subAccountID": strconv.FormatUint(subAccountID, 10),
			"isMarket":     isMarket,
			"timeInForce":  strconv.Itoa(int(timeInForce)),
			"legs":         legMessages,
			"nonce":        strconv.FormatUint(uint64(nonce), 10),
			"expiration":   strconv.FormatInt(expiration, 10),
		},
	}
	domainHash, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, err
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256([]byte("\x19\x01"), domainHash, messageHash), nil
}
