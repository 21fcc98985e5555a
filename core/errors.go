package core

import "errors"

var (
	// ErrNoAccessToken is returned by NLU calls when no Wit.AI token is configured.
	ErrNoAccessToken = errors.New("wit.ai access token not configured")
	// ErrNLUTimeout is returned when the NLU call exceeds its deadline.
	ErrNLUTimeout = errors.New("wit.ai request timed out")
	// ErrNLUStatus is returned when the NLU service answers with a non-2xx status.
	ErrNLUStatus = errors.New("wit.ai returned an error status")
	// ErrInvalidNLUResponse is returned when the NLU body is not a valid message response.
	ErrInvalidNLUResponse = errors.New("invalid response format from wit.ai")
	// ErrInvalidIntentConfig is returned when the intent configuration file is malformed.
	ErrInvalidIntentConfig = errors.New("invalid intent configuration")
	// ErrUnknownCacheType is returned by NewIntentCache for unsupported backends.
	ErrUnknownCacheType = errors.New("unknown intent cache type")
	// ErrUnknownProvider is returned by NewLanguageModel for unsupported providers.
	ErrUnknownProvider = errors.New("unknown llm provider")
)
