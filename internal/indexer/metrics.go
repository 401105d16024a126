package indexer

import (
	"time"

	"internline/internal/domain"
)

// Metrics receives fire-and-forget observations from the indexer.
type Metrics interface {
	ObserveRecord(uc domain.UseCaseKey, status domain.RecordStatus, d time.Duration, err error)
	ObserveResolve(uc domain.UseCaseKey, hit bool, d time.Duration, err error)
	ObserveReverseResolve(uc domain.UseCaseKey, hit bool, d time.Duration, err error)
	ObserveBatch(uc domain.UseCaseKey, size, failed int, d time.Duration, err error)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) ObserveRecord(domain.UseCaseKey, domain.RecordStatus, time.Duration, error) {}
func (NoopMetrics) ObserveResolve(domain.UseCaseKey, bool, time.Duration, error)               {}
func (NoopMetrics) ObserveReverseResolve(domain.UseCaseKey, bool, time.Duration, error)        {}
func (NoopMetrics) ObserveBatch(domain.UseCaseKey, int, int, time.Duration, error)             {}
