package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Actions a signed request can carry.
const (
	ActionPropose  = "propose"
	ActionApprove  = "approve"
	ActionDeposit  = "deposit"
	ActionWithdraw = "withdraw"
	ActionLimit    = "limit"
	ActionMarket   = "market"
	ActionCancel   = "cancel"
)

// ValidAction reports whether a is one of the request actions.
func ValidAction(a string) bool {
	switch a {
	case ActionPropose, ActionApprove, ActionDeposit, ActionWithdraw, ActionLimit, ActionMarket, ActionCancel:
		return true
	}
	return false
}

// EIP712Domain separates signatures of different deployments.
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address // the exchange custody address
}

func DefaultDomain(chainID int64, exchange common.Address) EIP712Domain {
	return EIP712Domain{
		Name:              "xchange",
		Version:           "1",
		ChainID:           big.NewInt(chainID),
		VerifyingContract: exchange,
	}
}

// Request is the one typed-data struct every exchange call is signed as.
// Fields an action does not use are left zero:
//
//	propose   symbol, token
//	approve   ref = proposal id
//	deposit   symbol, amount
//	withdraw  symbol, amount
//	limit     symbol, amount, price, side
//	market    symbol, amount, side
//	cancel    ref = order id
type Request struct {
	Action string
	Symbol string
	Token  common.Address
	Amount *big.Int
	Price  *big.Int
	Side   uint8 // 0 = buy, 1 = sell
	Ref    uint64
	Nonce  uint64
	Owner  common.Address
}

var requestTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Request": []apitypes.Type{
		{Name: "action", Type: "string"},
		{Name: "symbol", Type: "string"},
		{Name: "token", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "price", Type: "uint256"},
		{Name: "side", Type: "uint8"},
		{Name: "ref", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "owner", Type: "address"},
	},
}

// EIP712Signer hashes, signs and recovers requests for one domain.
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

func (e *EIP712Signer) Domain() EIP712Domain { return e.domain }

// TypedData returns req in the eth_signTypedData_v4 layout wallets expect.
func (e *EIP712Signer) TypedData(req *Request) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       requestTypes,
		PrimaryType: "Request",
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"action": req.Action,
			"symbol": req.Symbol,
			"token":  req.Token.Hex(),
			"amount": bigString(req.Amount),
			"price":  bigString(req.Price),
			"side":   strconv.FormatUint(uint64(req.Side), 10),
			"ref":    strconv.FormatUint(req.Ref, 10),
			"nonce":  strconv.FormatUint(req.Nonce, 10),
			"owner":  req.Owner.Hex(),
		},
	}
}

// HashRequest returns keccak256("\x19\x01" || domainSeparator || structHash).
func (e *EIP712Signer) HashRequest(req *Request) ([]byte, error) {
	typedData := e.TypedData(req)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256Hash(rawData).Bytes(), nil
}

func (e *EIP712Signer) SignRequest(signer *Signer, req *Request) ([]byte, error) {
	hash, err := e.HashRequest(req)
	if err != nil {
		return nil, fmt.Errorf("failed to hash request: %w", err)
	}
	return signer.Sign(hash)
}

// Recover returns the signer of req. Callers compare it with req.Owner.
func (e *EIP712Signer) Recover(req *Request, signature []byte) (common.Address, error) {
	hash, err := e.HashRequest(req)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash request: %w", err)
	}
	return RecoverAddress(hash, signature)
}

// RequestJSON renders the typed data for wallet signing.
func (e *EIP712Signer) RequestJSON(req *Request) (string, error) {
	b, err := json.MarshalIndent(e.TypedData(req), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(b), nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
