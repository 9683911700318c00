package lighter

import (
	"crypto/ecdsa"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TxOrder is the canonical order payload a signature commits to. Amounts are
// integers in the venue's native units (decimal quantities scaled by the
// configured multipliers before they get here).
type TxOrder struct {
	AccountIndex     int    `json:"account_index"`
	APIKeyIndex      int    `json:"api_key_index"`
	MarketIndex      int    `json:"market_index"`
	ClientOrderIndex int64  `json:"client_order_index"`
	BaseAmount       int64  `json:"base_amount"`
	Price            int64  `json:"price"`
	IsAsk            bool   `json:"is_ask"`
	OrderType        string `json:"order_type"`
	TimeInForce      string `json:"time_in_force"`
	Nonce            int64  `json:"nonce"`
}

// Signer signs Lighter order transactions with the account's API key.
//
// Lighter authenticates each order with an ECDSA signature over the canonical
// transaction fields, bound to an (account index, api key index) pair and a
// strictly increasing nonce. The signature is recoverable (65 bytes, V
// adjusted to 27/28) so the venue can derive the signing address from it.
type Signer struct {
	privateKey   *ecdsa.PrivateKey
	address      common.Address // derived from privateKey
	accountIndex int
	apiKeyIndex  int

	nonceMu   sync.Mutex
	lastNonce int64
}

// NewSigner parses the API private key and derives the signing address.
func NewSigner(privateKeyHex string, accountIndex, apiKeyIndex int) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")

	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse api private key: %w", err)
	}

	return &Signer{
		privateKey:   privateKey,
		address:      crypto.PubkeyToAddress(privateKey.PublicKey),
		accountIndex: accountIndex,
		apiKeyIndex:  apiKeyIndex,
	}, nil
}

// Address returns the signing key's address.
func (s *Signer) Address() common.Address {
	return s.address
}

// NextNonce returns a strictly increasing nonce. Starts from the current
// epoch milliseconds; calls landing in the same millisecond bump by one.
func (s *Signer) NextNonce() int64 {
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()

	nonce := time.Now().UnixMilli()
	if nonce <= s.lastNonce {
		nonce = s.lastNonce + 1
	}
	s.lastNonce = nonce
	return nonce
}

// SignOrder signs the canonical encoding of a TxOrder and returns the
// signature as 0x-prefixed hex.
func (s *Signer) SignOrder(tx TxOrder) (string, error) {
	hash := crypto.Keccak256([]byte(canonicalOrder(tx)))

	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign order: %w", err)
	}

	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

// canonicalOrder renders the fields the venue hashes, in wire order.
func canonicalOrder(tx TxOrder) string {
	isAsk := 0
	if tx.IsAsk {
		isAsk = 1
	}
	parts := []string{
		"lighter-order",
		strconv.Itoa(tx.AccountIndex),
		strconv.Itoa(tx.APIKeyIndex),
		strconv.Itoa(tx.MarketIndex),
		strconv.FormatInt(tx.ClientOrderIndex, 10),
		strconv.FormatInt(tx.BaseAmount, 10),
		strconv.FormatInt(tx.Price, 10),
		strconv.Itoa(isAsk),
		tx.OrderType,
		tx.TimeInForce,
		strconv.FormatInt(tx.Nonce, 10),
	}
	return strings.Join(parts, ":")
}
