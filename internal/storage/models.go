package storage

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"reactive-guard/internal/alert"
)

// AlertRecord is one archived guardian alert together with the log that
// produced it.
type AlertRecord struct {
	ID          int64
	TxHash      common.Hash
	LogIndex    uint
	BlockNumber uint64
	Alert       alert.Alert
	CreatedAt   time.Time
}

// AlertQuery filters archived alerts. Zero values leave a bound open.
type AlertQuery struct {
	Subject *common.Address
	From    time.Time
	To      time.Time
	Limit   int
}
