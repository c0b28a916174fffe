package coach

import (
	"context"
	"log"
	"sync"
)

// RecordRequest finalizes a completed request against its reservation.
type RecordRequest struct {
	UserID          string
	SessionID       string
	ReservationID   string
	Messages        []Message
	TokensUsed      int
	ThinkingTokens  int
	EstimatedTokens int
	IsFreePreview   bool
}

// AbortRequest releases a reservation for a request that did not complete.
type AbortRequest struct {
	UserID          string
	SessionID       string
	ReservationID   string
	PartialMessages []Message
	Reason          string
}

// Settlement persists the outcome of a request and reconciles its reservation.
type Settlement interface {
	Record(ctx context.Context, req RecordRequest) error
	Abort(ctx context.Context, req AbortRequest) error
}

// settler lets exactly one of record or abort reach the Settlement.
type settler struct {
	runID   string
	target  Settlement
	once    sync.Once
	settled string
}

func newSettler(runID string, target Settlement) *settler {
	return &settler{runID: runID, target: target}
}

// record is a no-op once the request has been settled.
func (s *settler) record(ctx context.Context, req RecordRequest) error {
	var err error
	ok := false
	s.once.Do(func() {
		ok = true
		s.settled = "record"
		err = s.target.Record(context.WithoutCancel(ctx), req)
	})
	if !ok {
		log.Printf("coach run %s: record skipped, already settled by %s", s.runID, s.settled)
	}
	return err
}

func (s *settler) abort(ctx context.Context, req AbortRequest) error {
	var err error
	ok := false
	s.once.Do(func() {
		ok = true
		s.settled = "abort"
		err = s.target.Abort(context.WithoutCancel(ctx), req)
	})
	if !ok {
		log.Printf("coach run %s: abort skipped, already settled by %s", s.runID, s.settled)
	}
	return err
}

// done reports whether a settlement call has been made. Only the goroutine
// driving the request calls it.
func (s *settler) done() bool {
	return s.settled != ""
}
