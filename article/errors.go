package article

import "errors"

// Sentinel errors for the memory store. Callers match them with
// errors.Is; producers wrap them with fmt.Errorf and %w to add context.
var (
	// ErrInsufficientHistory reports that fewer turns were available
	// than the configured window. Recoverable: the key builders still
	// return a usable key built from whatever was available.
	ErrInsufficientHistory = errors.New("insufficient conversation history")

	// ErrIndexUnavailable reports that the vector index could not be
	// reached. Recoverable: the orchestrator retries with backoff.
	ErrIndexUnavailable = errors.New("vector index unavailable")

	// ErrGenerationTimeout reports that a generator call exceeded its
	// deadline. Retried once, then the cycle aborts.
	ErrGenerationTimeout = errors.New("generation timed out")

	// ErrGeneration reports a generator-side failure. Retried once,
	// then the cycle aborts.
	ErrGeneration = errors.New("generation failed")

	// ErrGenerationContract reports a well-formed generator response
	// that does not match the expected shape (e.g. a split that did
	// not return exactly two bodies). Never retried.
	ErrGenerationContract = errors.New("generator response violates contract")

	// ErrPersistence reports a failed upsert, journal append, or
	// profile write. The cycle is not acknowledged.
	ErrPersistence = errors.New("persistence failed")
)
