package ingest

import (
	"fmt"

	"github.com/nicktill/tinyapm/pkg/config"
	"github.com/nicktill/tinyapm/pkg/timertree"
	"github.com/nicktill/tinyapm/pkg/trace"
)

// Validation limits
const (
	// Per-transaction limits
	MaxNameLength       = config.IngestMaxNameLength // Maximum transaction name and type length
	MaxAttributes       = config.IngestMaxAttributes // Maximum attributes per transaction
	MaxAttributeLength  = 1024                       // Maximum attribute key or value length
	MaxTimerDepth       = config.IngestMaxTimerDepth // Maximum timer tree depth below the root
	MaxDuration         = config.IngestMaxDuration   // Maximum transaction duration and single timer interval
	MaxTimerCount       = config.IngestMaxTimerCount // Maximum intervals folded into one timer node
	MaxTransactionTypes = config.IngestMaxTransactionTypes

	// Maximum transactions in a single ingest request
	MaxTransactionsPerRequest = config.IngestMaxTransactions
)

var (
	// ErrTypeEmpty is returned when a transaction has no type
	ErrTypeEmpty = fmt.Errorf("transaction type cannot be empty")

	// ErrNameEmpty is returned when a transaction has no name
	ErrNameEmpty = fmt.Errorf("transaction name cannot be empty")

	// ErrNameTooLong is returned when a transaction name or type is too long
	ErrNameTooLong = fmt.Errorf("name too long (max %d chars)", MaxNameLength)

	// ErrTooManyAttributes is returned when a transaction has too many attributes
	ErrTooManyAttributes = fmt.Errorf("too many attributes (max %d)", MaxAttributes)

	// ErrAttributeTooLong is returned when an attribute key or value is too long
	ErrAttributeTooLong = fmt.Errorf("attribute too long (max %d chars)", MaxAttributeLength)

	// ErrTimerTreeTooDeep is returned when a timer tree nests too deeply
	ErrTimerTreeTooDeep = fmt.Errorf("timer tree too deep (max %d levels)", MaxTimerDepth)

	// ErrDurationOutOfRange is returned when a transaction duration exceeds MaxDuration
	ErrDurationOutOfRange = fmt.Errorf("duration out of range (max %v)", MaxDuration)

	// ErrTimerOutOfRange is returned when a timer node holds values no single transaction can produce
	ErrTimerOutOfRange = fmt.Errorf("timer values out of range")

	// ErrInvalidTimers is returned when the timer tree is not a synthetic root
	ErrInvalidTimers = fmt.Errorf("timers must be a synthetic root")

	// ErrCardinalityLimit is returned when a new transaction type would exceed the limit
	ErrCardinalityLimit = fmt.Errorf("cardinality limit exceeded (max %d transaction types)", MaxTransactionTypes)

	// ErrTooManyTransactions is returned when an ingest request contains too many transactions
	ErrTooManyTransactions = fmt.Errorf("too many transactions in request (max %d)", MaxTransactionsPerRequest)
)

// ValidateTransaction checks a transaction against the ingest limits
func ValidateTransaction(tx *trace.Completed) error {
	if tx.TransactionType == "" {
		return ErrTypeEmpty
	}
	if tx.Name == "" {
		return ErrNameEmpty
	}
	if len(tx.TransactionType) > MaxNameLength {
		return fmt.Errorf("%w: type %q has %d chars", ErrNameTooLong, tx.TransactionType, len(tx.TransactionType))
	}
	if len(tx.Name) > MaxNameLength {
		return fmt.Errorf("%w: name has %d chars", ErrNameTooLong, len(tx.Name))
	}

	if len(tx.Attributes) > MaxAttributes {
		return fmt.Errorf("%w: transaction %q has %d attributes", ErrTooManyAttributes, tx.Name, len(tx.Attributes))
	}
	for k, v := range tx.Attributes {
		if len(k) > MaxAttributeLength || len(v) > MaxAttributeLength {
			return fmt.Errorf("%w: key %q in transaction %q", ErrAttributeTooLong, k, tx.Name)
		}
	}

	if tx.Duration > MaxDuration {
		return fmt.Errorf("%w: transaction %q took %v", ErrDurationOutOfRange, tx.Name, tx.Duration)
	}

	if tx.Timers != nil {
		if !tx.Timers.IsSyntheticRoot() {
			return fmt.Errorf("%w: got %q", ErrInvalidTimers, tx.Timers.Name)
		}
		if d := timerDepth(tx.Timers); d > MaxTimerDepth {
			return fmt.Errorf("%w: transaction %q has %d", ErrTimerTreeTooDeep, tx.Name, d)
		}
		if err := checkTimerValues(tx.Timers); err != nil {
			return fmt.Errorf("%w: transaction %q: %v", ErrTimerOutOfRange, tx.Name, err)
		}
	}

	if err := tx.Validate(); err != nil {
		return err
	}
	return nil
}

// timerDepth is the number of levels below the synthetic root.
func timerDepth(root *timertree.Node) int {
	var depth int
	root.Walk(func(path []string, _ *timertree.Node) bool {
		if d := len(path) - 1; d > depth {
			depth = d
		}
		return true
	})
	return depth
}

// checkTimerValues rejects timer nodes no real transaction can produce.
// Total is at most Count intervals of MaxDuration each.
func checkTimerValues(root *timertree.Node) error {
	var err error
	root.Walk(func(path []string, n *timertree.Node) bool {
		if err != nil {
			return false
		}
		switch {
		case n.Count < 0 || n.Count > MaxTimerCount:
			err = fmt.Errorf("node %q: count %d", n.Name, n.Count)
		case n.Min < 0 || n.Max < n.Min || n.Max > int64(MaxDuration):
			err = fmt.Errorf("node %q: min %d max %d", n.Name, n.Min, n.Max)
		case n.Total < 0 || (n.Count == 0 && n.Total != 0) || (n.Count > 0 && n.Total/n.Count > int64(MaxDuration)):
			err = fmt.Errorf("node %q: total %d over %d intervals", n.Name, n.Total, n.Count)
		}
		return err == nil
	})
	return err
}
