// Package ident builds and parses the deterministic entity identifiers shared
// by the indexer, the store and the read API.
//
// Ids are derived from on-chain coordinates only (contract address, numeric
// ids, transaction hash), so replaying the same events always addresses the
// same records.
package ident

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// bucketRegex matches: {subject}-{period}-{index}
// Example: 0x8f2a...-3600-472222
var bucketRegex = regexp.MustCompile(`^(.+)-([0-9]+)-([0-9]+)$`)

var ErrInvalidBucketID = errors.New("ident: invalid bucket id")

// FromAddress renders a contract address as a lowercase hex id.
func FromAddress(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// Board is "{market}-{boardId}".
func Board(market string, boardID int64) string {
	return fmt.Sprintf("%s-%d", market, boardID)
}

// Strike is "{market}-{strikeId}".
func Strike(market string, strikeID int64) string {
	return fmt.Sprintf("%s-%d", market, strikeID)
}

// Option is "{strike}-call" or "{strike}-put".
func Option(strike string, isCall bool) string {
	if isCall {
		return strike + "-call"
	}
	return strike + "-put"
}

// Position is "{market}-{positionId}".
func Position(market string, positionID int64) string {
	return fmt.Sprintf("%s-%d", market, positionID)
}

// Trade is "{position}-{txHash}".
func Trade(position string, tx common.Hash) string {
	return position + "-" + tx.Hex()
}

// Settle is "{position}-{txHash}-settle".
func Settle(position string, tx common.Hash) string {
	return position + "-" + tx.Hex() + "-settle"
}

// CollateralUpdate is "{market}-{positionId}-{txHash}".
func CollateralUpdate(market string, positionID int64, tx common.Hash) string {
	return fmt.Sprintf("%s-%d-%s", market, positionID, tx.Hex())
}

// PendingAction is "{pool}-deposit-{queueId}" or "{pool}-withdraw-{queueId}".
func PendingAction(pool string, queueID int64, isDeposit bool) string {
	kind := "withdraw"
	if isDeposit {
		kind = "deposit"
	}
	return fmt.Sprintf("%s-%s-%d", pool, kind, queueID)
}

// LPUserLiquidity is "{pool}-{user}".
func LPUserLiquidity(pool string, user common.Address) string {
	return pool + "-" + FromAddress(user)
}

// LPAction is "{lpUserLiquidity}-{txHash}".
func LPAction(lpUserLiquidity string, tx common.Hash) string {
	return lpUserLiquidity + "-" + tx.Hex()
}

// CircuitBreaker is "{pool}-{txHash}".
func CircuitBreaker(pool string, tx common.Hash) string {
	return pool + "-" + tx.Hex()
}

// Bucket is a parsed snapshot id.
type Bucket struct {
	Subject string `json:"subject"`
	Period  int64  `json:"period"`
	Index   int64  `json:"index"`
}

// ParseBucketID splits "{subject}-{period}-{index}".
func ParseBucketID(id string) (*Bucket, error) {
	m := bucketRegex.FindStringSubmatch(id)
	if m == nil {
		return nil, fmt.Errorf("%w: %s (expected {subject}-{period}-{index})", ErrInvalidBucketID, id)
	}
	p, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil || p <= 0 {
		return nil, fmt.Errorf("%w: period %s", ErrInvalidBucketID, m[2])
	}
	idx, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: index %s", ErrInvalidBucketID, m[3])
	}
	return &Bucket{Subject: m[1], Period: p, Index: idx}, nil
}
