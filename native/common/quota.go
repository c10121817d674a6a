package common

import (
	"errors"
	"math"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaNotionalExceeded = errors.New("quota notional cap exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaNow captures the current usage counters for one caller.
type QuotaNow struct {
	ReqCount     uint32
	NotionalUsed uint64
	EpochID      uint64
}

// Quota limits how many mutating requests a caller may submit and how much
// USD notional (whole dollars) they may move per epoch. Zero disables a limit.
type Quota struct {
	MaxRequestsPerEpoch uint32 `yaml:"max_requests_per_epoch"`
	MaxNotionalPerEpoch uint64 `yaml:"max_notional_usd_per_epoch"`
	EpochSeconds        uint32 `yaml:"epoch_seconds"`
}

// Enabled reports whether any limit is configured.
func (q Quota) Enabled() bool {
	return q.MaxRequestsPerEpoch > 0 || q.MaxNotionalPerEpoch > 0
}

// Epoch maps a unix timestamp onto the quota window. A zero window length
// defaults to one minute.
func (q Quota) Epoch(unix int64) uint64 {
	if unix < 0 {
		return 0
	}
	length := uint64(q.EpochSeconds)
	if length == 0 {
		length = 60
	}
	return uint64(unix) / length
}

// CheckQuota verifies whether the additional request and notional usage fit
// within the configured quota. The returned QuotaNow reflects the updated
// counters when the quota is not exceeded; on denial prev is returned as is.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addReq uint32, addNotional uint64) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addReq > 0 {
		if next.ReqCount > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.ReqCount += addReq
	}
	if q.MaxRequestsPerEpoch > 0 && next.ReqCount > q.MaxRequestsPerEpoch {
		return prev, ErrQuotaRequestsExceeded
	}

	if addNotional > 0 {
		if next.NotionalUsed > math.MaxUint64-addNotional {
			return prev, ErrQuotaCounterOverflow
		}
		next.NotionalUsed += addNotional
	}
	if q.MaxNotionalPerEpoch > 0 && next.NotionalUsed > q.MaxNotionalPerEpoch {
		return prev, ErrQuotaNotionalExceeded
	}

	return next, nil
}
