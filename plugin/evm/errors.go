package evm

import (
	"strings"

	"github.com/otclabs/brokerd/plugin"
)

// revertSentinel maps a revert reason substring from the broker contract
// to the sentinel the dispatcher keys its retry decisions on.
var revertSentinels = []struct {
	substr string
	err    error
}{
	{"already executed", plugin.ErrAlreadyExecuted},
	{"deal executed", plugin.ErrAlreadyExecuted},
	{"unauthorized operator", plugin.ErrUnauthorizedOperator},
	{"bad signature", plugin.ErrUnauthorizedOperator},
	{"insufficient funds", plugin.ErrInsufficientBalance},
	{"insufficient balance", plugin.ErrInsufficientBalance},
	{"transfer failed", plugin.ErrTransferFailed},
	{"transferfrom failed", plugin.ErrTransferFailed},
}

// classifySubmitError folds node and contract errors into the plugin
// error taxonomy. Unknown errors pass through unchanged and are treated
// as transient by callers.
func classifySubmitError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, m := range revertSentinels {
		if strings.Contains(msg, m.substr) {
			return m.err
		}
	}
	return err
}
