package engine

import "errors"

// ErrBrokerUnavailable means a gateway call failed or timed out. The
// current signal is dropped without submitting an order; retry policy
// belongs to the upstream alerting tool, not this engine.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// ErrSymbolMismatch means the broker's symbol representation could not be
// normalized to match the bot's configured symbol. Treated at the same
// severity as ErrBrokerUnavailable: fail closed, never guess.
var ErrSymbolMismatch = errors.New("broker symbol does not match bot symbol")

// ErrFlipCloseIncomplete means the close leg of a flip did not reach a
// terminal FILLED status inside the poll budget, so the open leg was not
// submitted. The close order may still fill later; the sweep picks it up.
var ErrFlipCloseIncomplete = errors.New("flip aborted: close leg not filled in time")
