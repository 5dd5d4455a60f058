package process

import (
	"errors"
	"fmt"

	"github.com/tendant/proof-converter/pkg/schema"
)

// Kind names a class of job failure.
type Kind string

const (
	KindInvalidArtifactName            Kind = "InvalidArtifactName"
	KindTranscodeExecutableUnavailable Kind = "TranscodeExecutableUnavailable"
	KindTranscodeFailed                Kind = "TranscodeFailed"
	KindTranscodeOutputInvalid         Kind = "TranscodeOutputInvalid"
	KindConversionFailed               Kind = "ConversionFailed"
	KindOutputPersistFailed            Kind = "OutputPersistFailed"
	KindDirectoryIOFailed              Kind = "DirectoryIOFailed"

	// KindAbandoned marks an accepted job that never started because the
	// service shut down first.
	KindAbandoned Kind = "Abandoned"
)

// Sentinels for errors.Is checks. Every *Error unwraps to the sentinel of its Kind.
var (
	ErrInvalidArtifactName            = &kindError{KindInvalidArtifactName}
	ErrTranscodeExecutableUnavailable = &kindError{KindTranscodeExecutableUnavailable}
	ErrTranscodeFailed                = &kindError{KindTranscodeFailed}
	ErrTranscodeOutputInvalid         = &kindError{KindTranscodeOutputInvalid}
	ErrConversionFailed               = &kindError{KindConversionFailed}
	ErrOutputPersistFailed            = &kindError{KindOutputPersistFailed}
	ErrDirectoryIOFailed              = &kindError{KindDirectoryIOFailed}
	ErrAbandoned                      = &kindError{KindAbandoned}
)

var sentinels = map[Kind]error{
	KindInvalidArtifactName:            ErrInvalidArtifactName,
	KindTranscodeExecutableUnavailable: ErrTranscodeExecutableUnavailable,
	KindTranscodeFailed:                ErrTranscodeFailed,
	KindTranscodeOutputInvalid:         ErrTranscodeOutputInvalid,
	KindConversionFailed:               ErrConversionFailed,
	KindOutputPersistFailed:            ErrOutputPersistFailed,
	KindDirectoryIOFailed:              ErrDirectoryIOFailed,
	KindAbandoned:                      ErrAbandoned,
}

type kindError struct{ kind Kind }

func (e *kindError) Error() string { return string(e.kind) }

// Error is a job failure tagged with its Kind. File is the artifact filename
// when known; Detail carries diagnostics such as exit status or stderr.
type Error struct {
	Kind   Kind
	Op     string
	File   string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.File != "" {
		msg += " " + e.File
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Detail != "" {
		msg += "\n" + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := sentinels[e.Kind]; ok {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Errorf builds an *Error whose cause is formatted like fmt.Errorf, so %w works.
func Errorf(kind Kind, file string, format string, args ...any) *Error {
	return &Error{Kind: kind, File: file, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of the first tagged error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k *kindError
	if errors.As(err, &k) {
		return k.kind
	}
	return ""
}

// Classify maps a failure to the failure type reported to downstream consumers.
func Classify(err error) schema.FailureType {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindInvalidArtifactName:
		return schema.FailureTypeValidation
	case KindTranscodeFailed, KindTranscodeOutputInvalid:
		return schema.FailureTypePermanent
	default:
		// Missing executables, engine and disk errors and abandoned jobs can clear on their own.
		return schema.FailureTypeRetryable
	}
}
