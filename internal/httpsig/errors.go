package httpsig

import "errors"

var ErrMissingSignature = errors.New("missing signature header")
var ErrMalformedSignature = errors.New("malformed signature header")
var ErrIncompleteSignature = errors.New("incomplete signature header")
var ErrUnknownActor = errors.New("unknown actor")
var ErrMissingSignedHeader = errors.New("missing signed header")
var ErrInvalidSignature = errors.New("invalid signature")
var ErrSigningKey = errors.New("signing key unavailable")
