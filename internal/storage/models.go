package storage

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"price-oracle-aggregator/internal/oracle"
)

// Evaluation is one persisted pipeline result of an asset within a sweep bucket.
type Evaluation struct {
	Bucket         time.Time
	Asset          common.Address
	Price          uint256.Int
	PriceUpdatedAt *time.Time
	IsAlive        bool
	Outcome        string
	Source         string
	Rejections     []RejectionRecord
	CreatedAt      time.Time
}

// RejectionRecord is the stored form of oracle.Rejection.
type RejectionRecord struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// AlertRecord captures an emitted alert for de-duplication/auditing.
type AlertRecord struct {
	ID        int64
	Bucket    time.Time
	Asset     common.Address
	Outcome   string
	Channels  []string
	CreatedAt time.Time
}

// EvaluationFromInfo converts a pipeline result into its stored form.
func EvaluationFromInfo(bucket time.Time, info oracle.PriceInfo) Evaluation {
	ev := Evaluation{
		Bucket:  bucket,
		Asset:   info.Asset,
		Price:   info.Price,
		IsAlive: info.IsAlive,
		Outcome: string(info.Outcome),
		Source:  info.Source,
	}
	if !info.UpdatedAt.IsZero() {
		ts := info.UpdatedAt.UTC()
		ev.PriceUpdatedAt = &ts
	}
	ev.Rejections = make([]RejectionRecord, 0, len(info.Rejections))
	for _, r := range info.Rejections {
		reason := ""
		if r.Err != nil {
			reason = r.Err.Error()
		}
		ev.Rejections = append(ev.Rejections, RejectionRecord{Source: r.Source, Reason: reason})
	}
	return ev
}
