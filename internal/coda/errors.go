package coda

import (
	"context"
	"errors"
	"fmt"
)

// Failure taxonomy. Per-item kinds are recoverable by exclusion, group kinds
// fail only the station, band or event they describe.
var (
	ErrInsufficientSamples   = errors.New("insufficient samples")
	ErrFitDivergence         = errors.New("fit divergence")
	ErrInsufficientCoverage  = errors.New("insufficient coverage")
	ErrUnderdeterminedSystem = errors.New("underdetermined system")
	ErrIncompleteCalibration = errors.New("incomplete calibration")
	ErrNoValidBands          = errors.New("no valid bands")
	ErrExclusionThreshold    = errors.New("exclusion threshold exceeded")
	ErrInvalidConfig         = errors.New("invalid configuration")
	ErrCancelled             = errors.New("run cancelled")
	ErrInvalidMeasurement    = errors.New("invalid measurement")
)

// FailureKind is the stable, serializable name of an error in the taxonomy.
type FailureKind string

const (
	KindInsufficientSamples   FailureKind = "InsufficientSamples"
	KindFitDivergence         FailureKind = "FitDivergence"
	KindInsufficientCoverage  FailureKind = "InsufficientCoverage"
	KindUnderdeterminedSystem FailureKind = "UnderdeterminedSystem"
	KindIncompleteCalibration FailureKind = "IncompleteCalibration"
	KindNoValidBands          FailureKind = "NoValidBands"
	KindExclusionThreshold    FailureKind = "ExclusionThreshold"
	KindInvalidConfig         FailureKind = "InvalidConfig"
	KindInvalidMeasurement    FailureKind = "InvalidMeasurement"
	KindCancelled             FailureKind = "Cancelled"
	KindUnknown               FailureKind = "Unknown"
)

var kinds = []struct {
	err  error
	kind FailureKind
}{
	{ErrInsufficientSamples, KindInsufficientSamples},
	{ErrFitDivergence, KindFitDivergence},
	{ErrInsufficientCoverage, KindInsufficientCoverage},
	{ErrUnderdeterminedSystem, KindUnderdeterminedSystem},
	{ErrIncompleteCalibration, KindIncompleteCalibration},
	{ErrNoValidBands, KindNoValidBands},
	{ErrExclusionThreshold, KindExclusionThreshold},
	{ErrInvalidConfig, KindInvalidConfig},
	{ErrInvalidMeasurement, KindInvalidMeasurement},
	{ErrCancelled, KindCancelled},
	{context.Canceled, KindCancelled},
	{context.DeadlineExceeded, KindCancelled},
}

// KindOf maps err onto the taxonomy.
func KindOf(err error) FailureKind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

// Scope says which group a Failure belongs to.
type Scope string

const (
	ScopeMeasurement Scope = "measurement"
	ScopeStation     Scope = "station"
	ScopeCluster     Scope = "cluster"
	ScopeBand        Scope = "band"
	ScopeEvent       Scope = "event"
	ScopeRun         Scope = "run"
)

// Failure is a recorded, non-fatal error attached to the item or group it
// excluded from further processing.
type Failure struct {
	Stage   string      `json:"stage" msgpack:"stage"`
	Scope   Scope       `json:"scope" msgpack:"scope"`
	Kind    FailureKind `json:"kind" msgpack:"kind"`
	BandID  string      `json:"band_id,omitempty" msgpack:"band_id,omitempty"`
	Key     string      `json:"key" msgpack:"key"`
	Message string      `json:"message" msgpack:"message"`
}

// NewFailure builds a Failure from err.
func NewFailure(stage string, scope Scope, bandID, key string, err error) Failure {
	return Failure{
		Stage:   stage,
		Scope:   scope,
		Kind:    KindOf(err),
		BandID:  bandID,
		Key:     key,
		Message: err.Error(),
	}
}

func (f Failure) String() string {
	return fmt.Sprintf("%s %s %s[%s]: %s", f.Stage, f.Kind, f.Scope, f.Key, f.Message)
}
